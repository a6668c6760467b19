// ABOUTME: Package store persists the tabpilot audit trail
// ABOUTME: SQLite via modernc.org/sqlite, plus an in-memory mock for tests

// Package store records what the control plane did: one row per completed
// execution, one per daemon state transition and one per saved capture.
//
// SQLiteStore is the production implementation. Pass MemoryPath for a
// private in-memory database. MockStore satisfies the same Store interface
// without SQLite and is used by gateway tests.
//
// Timestamps are stored as fixed-width UTC text so that ordering by the
// column orders by time.
package store
