// Package metrics provides Prometheus metrics for the session connection.
//
// Key metrics:
//   - Connection state transitions and transport errors
//   - Registered session count
//   - Catch-up emissions by outcome
//   - History load outcomes, latency and replayed message counts
//   - Live message delivery into session inboxes
package metrics
