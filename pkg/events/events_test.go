package events

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		channel string
		match   bool
		wantErr bool
	}{
		{name: "literal match", raw: "task:completed", channel: "task:completed", match: true},
		{name: "literal mismatch", raw: "task:completed", channel: "task:failed", match: false},
		{name: "namespace wildcard match", raw: "task:*", channel: "task:queued", match: true},
		{name: "namespace wildcard mismatch", raw: "task:*", channel: "worker:connected", match: false},
		{name: "match all", raw: "*", channel: "anything:at:all", match: true},
		{name: "empty pattern", raw: "", wantErr: true},
		{name: "infix wildcard rejected", raw: "task:*:done", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := compilePattern(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.match, p.match(tt.channel))
		})
	}
}

// TestPrefixPatternProperty checks that "ns:*" matches exactly the channels
// with that prefix, for arbitrary channel names.
func TestPrefixPatternProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ns := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "ns")
		channel := rapid.StringMatching(`[a-z:]{1,16}`).Draw(t, "channel")

		p, err := compilePattern(ns + ":*")
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		if got, want := p.match(channel), strings.HasPrefix(channel, ns+":"); got != want {
			t.Fatalf("match(%q, %q:*) = %v, want %v", channel, ns, got, want)
		}
	})
}

func TestSubscribePublish(t *testing.T) {
	bus := NewBus(8)

	sub, err := bus.Subscribe("c1", ClientBrowser, []string{ChannelTaskCompleted})
	require.NoError(t, err)

	bus.Publish(ChannelTaskCompleted, "payload-1")
	bus.Publish(ChannelTaskFailed, "ignored")

	event := <-sub.C
	assert.Equal(t, ChannelTaskCompleted, event.Channel)
	assert.Equal(t, "payload-1", event.Payload)
	assert.False(t, event.Timestamp.IsZero())
	assert.Empty(t, sub.C)
}

func TestSubscribeAppendsPatterns(t *testing.T) {
	bus := NewBus(8)

	sub, err := bus.Subscribe("c1", ClientBrowser, []string{ChannelTaskCompleted})
	require.NoError(t, err)
	again, err := bus.Subscribe("c1", ClientBrowser, []string{ChannelWorkerConnected})
	require.NoError(t, err)
	assert.Same(t, sub, again)

	bus.Publish(ChannelWorkerConnected, "w")
	event := <-sub.C
	assert.Equal(t, ChannelWorkerConnected, event.Channel)
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestPublishOrdering(t *testing.T) {
	bus := NewBus(16)

	sub, err := bus.Subscribe("c1", ClientWorker, []string{"task:*"})
	require.NoError(t, err)

	payloads := []string{"a", "b", "c", "d"}
	for _, p := range payloads {
		bus.Publish(ChannelTaskProgress, p)
	}

	for _, want := range payloads {
		event := <-sub.C
		assert.Equal(t, want, event.Payload)
	}
}

// TestPublishOverflowDropsOldest checks the backpressure policy: a full
// subscriber loses its oldest event, never the newest.
func TestPublishOverflowDropsOldest(t *testing.T) {
	bus := NewBus(2)

	sub, err := bus.Subscribe("slow", ClientBrowser, []string{"*"})
	require.NoError(t, err)

	bus.Publish("task:queued", 1)
	bus.Publish("task:queued", 2)
	bus.Publish("task:queued", 3) // evicts 1

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, 2, first.Payload)
	assert.Equal(t, 3, second.Payload)
}

func TestUnsubscribePattern(t *testing.T) {
	bus := NewBus(8)

	sub, err := bus.Subscribe("c1", ClientBrowser, []string{ChannelTaskCompleted, ChannelTaskFailed})
	require.NoError(t, err)

	bus.Unsubscribe("c1", ChannelTaskFailed)
	bus.Publish(ChannelTaskFailed, "x")
	bus.Publish(ChannelTaskCompleted, "y")

	event := <-sub.C
	assert.Equal(t, ChannelTaskCompleted, event.Channel)

	// Dropping the last pattern closes the channel.
	bus.Unsubscribe("c1", ChannelTaskCompleted)
	_, open := <-sub.C
	assert.False(t, open)
	assert.Zero(t, bus.SubscriberCount())
}

func TestUnsubscribeAll(t *testing.T) {
	bus := NewBus(8)

	sub, err := bus.Subscribe("c1", ClientBrowser, []string{"*"})
	require.NoError(t, err)

	bus.Unsubscribe("c1")
	_, open := <-sub.C
	assert.False(t, open)
}

// TestPublishUnsubscribeRace drives publishers against subscribers that
// unsubscribe mid-stream. A publish that snapshots a subscription just before
// it is removed must observe the closed flag, not a closed channel.
func TestPublishUnsubscribeRace(t *testing.T) {
	bus := NewBus(4)

	stop := make(chan struct{})
	var publishers sync.WaitGroup
	for i := 0; i < 4; i++ {
		publishers.Add(1)
		go func() {
			defer publishers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					bus.Publish(ChannelTaskCompleted, "p")
				}
			}
		}()
	}

	var churners sync.WaitGroup
	for i := 0; i < 4; i++ {
		churners.Add(1)
		go func(id int) {
			defer churners.Done()
			clientID := fmt.Sprintf("c%d", id)
			for n := 0; n < 2000; n++ {
				if _, err := bus.Subscribe(clientID, ClientBrowser, []string{"task:*"}); err != nil {
					t.Error(err)
					return
				}
				bus.Unsubscribe(clientID)
			}
		}(i)
	}

	churners.Wait()
	close(stop)
	publishers.Wait()
	assert.Zero(t, bus.SubscriberCount())
}

func TestDefaultPermissions(t *testing.T) {
	assert.True(t, DefaultPermissions(ClientWorker)[PermBroadcast])
	assert.False(t, DefaultPermissions(ClientBrowser)[PermBroadcast])
	assert.True(t, DefaultPermissions(ClientSSEWriter)[PermSubscribe])
}
