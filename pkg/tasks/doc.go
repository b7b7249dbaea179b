/*
Package tasks is the typed enqueue API consumed by hook endpoints.

Each operation resolves the task's required capability and ordered fallback
list from the routing policy, enforces the backpressure cap, prefetches
whatever session context the worker will need (workers are stateless, the
payload must be self-contained) and persists the row. CLAUDE.md
regeneration coalesces bursts through the store's dedup-aware create;
callers receive nil for the swallowed duplicates.

ExecuteSemanticSearch is the one blocking operation: it enqueues, then
waits for the terminal task event on the bus with a slow poll as a safety
net, since bus delivery is best-effort.
*/
package tasks
