// Package connmgr owns the Broadcaster and runs its two recurring schedules:
//
//   - reports: every ReportInterval, send the report-request messages to the
//     next ReportBatch connections in round-robin order
//   - keepalive: every KeepAliveInterval, publish a Ping on the global channel
//
// Triggering is done by robfig/cron; each entry runs on its own goroutine so
// a slow report tick never delays a keep-alive. A tick that panics is turned
// into an error returned from Run, which the process supervisor treats as
// fatal.
package connmgr
