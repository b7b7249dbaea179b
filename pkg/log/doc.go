// Package log wraps zerolog with a process-wide logger and helpers for the
// structured fields used across Engram (component, task_id, worker_id, hub_id).
package log
