/*
Package events provides Engram's in-memory pub/sub bus.

Channels are namespaced topic strings ("task:completed", "session:started").
Subscribers register glob-style patterns: a literal channel, a "prefix:*"
wildcard, or "*" for everything. Patterns are compiled once at subscribe time
so publishing never re-parses them.

Delivery is intentionally unreliable. Each subscriber owns a bounded channel;
when it overflows the oldest event is shed and a metric recorded. Anything
that must not be lost belongs in the task queue, not on the bus.

Client types carry permissions: browsers and SSE writers subscribe only,
workers may also broadcast. The bus itself never blocks a publisher.
*/
package events
