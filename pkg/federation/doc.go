/*
Package federation accepts connections from downstream hubs, peers that
expose whole worker pools over the same wire protocol the worker hub speaks,
with "hub:"-prefixed frames.

A registering hub is upserted into the durable hub registry by name.
Periodic hub:health reports replace per-worker heartbeats and refresh the
hub's aggregate stats (worker counts, latency, advertised capabilities).
Hubs that stop reporting are marked unhealthy and disconnected; a dropped
hub is marked offline. Task assignment sends through the hub socket and the
downstream hub binds the task to one of its own workers.

Federation is a tree, not a mesh. Handler is the parent side; Uplink is the
child side, dialing a parent and relaying its assignments into the local
queue under the parent's task ids.
*/
package federation
