// Package connection implements the shared session connection.
//
// The Client wraps a single WebSocket and provides:
//   - Named events and ack-style requests over JSON frames
//   - Keepalive pings and stale detection
//   - Bounded automatic reconnection with capped exponential backoff
//
// The Manager multiplexes logical terminal/AI sessions over one Client:
//   - Creates the connection on first registration, tears it down with the last
//   - Tracks the focused session and requests catch-up on focus change
//   - Replays history with at most one in-flight request per session
//   - Routes pushed session messages into per-session inboxes
package connection
