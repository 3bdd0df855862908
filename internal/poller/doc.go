// Package poller implements the pending-message poller.
//
// On every interval the poller asks the server whether each registered
// session has undelivered messages, and replays history for the ones that
// do. It backs up the live push path for sessions that missed a
// session-message while the connection was down.
package poller
