// Package protocol defines the JSON frames exchanged on the worker and
// federation WebSockets, plus the close codes used when tearing them down.
// Every frame is a JSON object with a "type" discriminator; the message set
// is closed on both sockets.
package protocol
