// Package ws is the websocket connection handler in front of the
// broadcaster. Each accepted node gets a bounded private channel registered
// under ConnectionKey{owner, remote address}, a writer goroutine draining
// that channel plus the node's global receiver, and a rate-limited reader
// forwarding frames to an Inbound sink.
package ws
