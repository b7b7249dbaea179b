/*
Package hub manages the WebSocket connections of local worker processes.

Each connection walks a small state machine: pending_auth (when a token is
configured) → authenticated → registered, then busy/idle as tasks are
assigned and settled. The hub owns worker identity (ids are assigned at
registration), liveness (heartbeat sweeper) and the at-most-one in-flight
task per worker invariant.

Task lifecycle replies are forwarded to a TaskEvents sink rather than to the
dispatcher directly; the composition root wires the two together, so neither
package imports the other.

No lock is ever held across a socket write: sends serialize on a per
connection mutex to avoid head-of-line blocking between workers.
*/
package hub
