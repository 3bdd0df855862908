// Package database opens the PostgreSQL pool used by the message archive.
package database
