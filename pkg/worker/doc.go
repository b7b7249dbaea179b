/*
Package worker is the client SDK for worker processes.

A worker dials the backend's worker socket, authenticates when a token is
configured, registers its capability set and then executes assignments
through a user-supplied Handler. Completion, failure and progress replies
are framed and sent automatically; handler errors are retryable unless
wrapped with Permanent. Lost connections reconnect with jittered
exponential backoff.
*/
package worker
