/*
Package storage provides durable persistence for Engram's task queue and hub
registry, backed by BoltDB.

Two contracts live here. TaskStore is the queue's storage surface: creation
with deduplication, the pending → assigned compare-and-swap, capability-indexed
candidate selection, counters and janitorial cleanup. HubStore is the registry
of known external hubs, unique by name.

BoltDB serializes all writers, so every conditional operation ("insert unless
a non-terminal duplicate holds this key", "assign only while still pending")
is expressed as a single Update transaction and needs no extra locking. Lost
races show up to the caller as a nil result, never as corruption.

Missing-row lookups return (nil, nil): absence is an expected outcome for the
queue's callers, while an error always means the store itself failed.
*/
package storage
