// Package broadcast is the real-time fan-out core.
//
// It keeps two structures per process:
//   - Registry: ConnectionKey -> Socket, read on every targeted send (hot path)
//   - Queue: the same keys in round-robin order, rotated once per report tick
//
// plus a lossy GlobalChannel for messages every connection should see.
// Broadcaster composes the three; it is constructed once and shared.
//
// Delivery is best-effort and at-most-once: a failed send is logged and
// never retried, and one slow connection never delays the others.
package broadcast
