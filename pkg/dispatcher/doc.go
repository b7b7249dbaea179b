/*
Package dispatcher moves tasks from pending to a worker or a federated hub
and owns every status transition after enqueue.

A dispatch cycle scans the store for the highest priority pending task whose
capabilities intersect the currently connected capacity, resolves a
destination (required capability first, declared fallbacks after; an idle
local worker always beats a hub), claims the task with a compare-and-swap
assignment and pushes it over the wire. Cycles run on a one second ticker
and are also kicked by capacity and lifecycle events so an idle system
reacts immediately.

Two background sweepers complete the picture: a timeout sweeper that fails
tasks whose workers went silent while holding them, and a cleanup janitor
that deletes terminal rows past the retention window.
*/
package dispatcher
