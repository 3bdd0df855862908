// Package writer drains session inboxes into the message archive in batches.
//
// Writers are append-only: duplicate messages (from replayed history or a
// catch-up racing live output) are absorbed by the archive's conflict key
// and counted as conflicts.
package writer
