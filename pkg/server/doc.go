/*
Package server assembles the running system: storage, event bus, worker
hub, federation handler, dispatcher and task service, plus the HTTP router
carrying the two WebSocket upgrade endpoints and the observability
surface.

Construction order matters only for the sink wiring (transports get their
dispatcher sink before anything starts). Shutdown order matters more: the
dispatcher stops first so no assignment races a closing socket, sockets are
notified and closed, the listener drains, and the store closes last.
*/
package server
