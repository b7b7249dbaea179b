/*
Package types defines the core domain types shared across Engram components:
tasks, capabilities, workers, and federated hubs.

Tasks are the only durable entity besides hub metadata. Workers exist only
in memory for the lifetime of their connection. A Capability is an opaque
"kind:provider" string; matching is exact string equality, never prefix.
*/
package types
