package events

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/engramhq/engram/pkg/metrics"
)

// Well-known channels. Components publish under a namespace prefix;
// subscribers may match a literal channel, a "prefix:*" wildcard, or "*".
const (
	ChannelTaskQueued    = "task:queued"
	ChannelTaskAssigned  = "task:assigned"
	ChannelTaskProgress  = "task:progress"
	ChannelTaskCompleted = "task:completed"
	ChannelTaskFailed    = "task:failed"
	ChannelTaskTimeout   = "task:timeout"

	ChannelWorkerConnected    = "worker:connected"
	ChannelWorkerDisconnected = "worker:disconnected"

	ChannelHubConnected    = "hub:connected"
	ChannelHubDisconnected = "hub:disconnected"
)

// Namespaces recognized on the bus. Subscriptions to other namespaces are
// still legal (channels are opaque strings); this list exists for tooling.
var Namespaces = []string{
	"session", "task", "worker", "hub", "observation", "summary",
	"claudemd", "prompt", "subagent", "user-task", "writer",
}

// ClientType identifies the kind of subscriber.
type ClientType string

const (
	ClientBrowser   ClientType = "browser"
	ClientWorker    ClientType = "worker"
	ClientSSEWriter ClientType = "sse-writer"
)

// Permission gates what a client type may do on the bus.
type Permission string

const (
	PermSubscribe Permission = "subscribe"
	PermBroadcast Permission = "broadcast"
)

// DefaultPermissions returns the permission set granted to a client type.
// Browsers and SSE writers are read-only; workers may also broadcast.
func DefaultPermissions(ct ClientType) map[Permission]bool {
	perms := map[Permission]bool{PermSubscribe: true}
	if ct == ClientWorker {
		perms[PermBroadcast] = true
	}
	return perms
}

// Event is a single ephemeral notification. Delivery is best-effort; the bus
// is not a reliable queue.
type Event struct {
	Channel   string
	Payload   interface{}
	Timestamp time.Time
}

// pattern is a compiled channel matcher.
type pattern struct {
	raw     string
	literal string // exact channel, when prefix == "" and !all
	prefix  string // "task:" for "task:*"
	all     bool
}

func compilePattern(raw string) (pattern, error) {
	if raw == "" {
		return pattern{}, fmt.Errorf("empty channel pattern")
	}
	if raw == "*" {
		return pattern{raw: raw, all: true}, nil
	}
	if strings.HasSuffix(raw, ":*") {
		return pattern{raw: raw, prefix: raw[:len(raw)-1]}, nil
	}
	if strings.Contains(raw, "*") {
		return pattern{}, fmt.Errorf("unsupported channel pattern %q", raw)
	}
	return pattern{raw: raw, literal: raw}, nil
}

func (p pattern) match(channel string) bool {
	if p.all {
		return true
	}
	if p.prefix != "" {
		return strings.HasPrefix(channel, p.prefix)
	}
	return p.literal == channel
}

// Subscription is a client's registration on the bus. Events arrive on C;
// when the buffer overflows, the oldest event is dropped and counted.
type Subscription struct {
	ClientID    string
	ClientType  ClientType
	Permissions map[Permission]bool
	C           chan *Event

	mu       sync.Mutex
	patterns []pattern
	closed   bool
}

func (s *Subscription) matches(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patterns {
		if p.match(channel) {
			return true
		}
	}
	return false
}

// Patterns returns the raw patterns currently registered.
func (s *Subscription) Patterns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := make([]string, len(s.patterns))
	for i, p := range s.patterns {
		raw[i] = p.raw
	}
	return raw
}

// deliver enqueues the event without blocking, shedding the oldest buffered
// event when the buffer is full. Holding s.mu serializes sends with shutdown,
// so a publish that raced an unsubscribe sees the closed flag instead of a
// closed channel.
func (s *Subscription) deliver(event *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.C <- event:
	default:
		// Shed the oldest buffered event and retry once.
		select {
		case <-s.C:
			metrics.EventsDropped.WithLabelValues(string(s.ClientType)).Inc()
		default:
		}
		select {
		case s.C <- event:
		default:
			metrics.EventsDropped.WithLabelValues(string(s.ClientType)).Inc()
		}
	}
}

// shutdown closes the channel exactly once, after any in-flight deliver.
func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.C)
}

// Bus routes published events to subscribers whose patterns match the
// channel. Fan-out is synchronous with the publisher, so publishes from one
// goroutine arrive at each subscriber in order.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	queueSize int
}

// NewBus creates a bus whose subscribers buffer up to queueSize events.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{
		subs:      make(map[string]*Subscription),
		queueSize: queueSize,
	}
}

// Subscribe registers a client with the given patterns. A repeated clientID
// adds patterns to the existing subscription.
func (b *Bus) Subscribe(clientID string, clientType ClientType, patterns []string) (*Subscription, error) {
	perms := DefaultPermissions(clientType)
	if !perms[PermSubscribe] {
		return nil, fmt.Errorf("client type %q may not subscribe", clientType)
	}

	compiled := make([]pattern, 0, len(patterns))
	for _, raw := range patterns {
		p, err := compilePattern(raw)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, p)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[clientID]
	if !ok {
		sub = &Subscription{
			ClientID:    clientID,
			ClientType:  clientType,
			Permissions: perms,
			C:           make(chan *Event, b.queueSize),
		}
		b.subs[clientID] = sub
	}

	sub.mu.Lock()
	sub.patterns = append(sub.patterns, compiled...)
	sub.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes the given patterns from a client's subscription, or
// the whole subscription when no patterns are given. Removing the last
// pattern closes the subscription channel.
func (b *Bus) Unsubscribe(clientID string, patterns ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[clientID]
	if !ok {
		return
	}

	if len(patterns) == 0 {
		delete(b.subs, clientID)
		sub.shutdown()
		return
	}

	drop := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		drop[p] = true
	}

	sub.mu.Lock()
	kept := sub.patterns[:0]
	for _, p := range sub.patterns {
		if !drop[p.raw] {
			kept = append(kept, p)
		}
	}
	sub.patterns = kept
	empty := len(kept) == 0
	sub.mu.Unlock()

	if empty {
		delete(b.subs, clientID)
		sub.shutdown()
	}
}

// Publish fans an event out to every matching subscriber. Full subscriber
// buffers drop their oldest event to make room; the drop is recorded, never
// blocking the publisher.
func (b *Bus) Publish(channel string, payload interface{}) {
	event := &Event{
		Channel:   channel,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	var targets []*Subscription
	for _, sub := range b.subs {
		if sub.matches(channel) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(event)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
