// Package storage is the SQL persistence layer. It runs on SQLite (modernc)
// or PostgreSQL (pgx) behind database/sql, applies goose migrations at open,
// and exposes transaction-bound Queries for tasks, proofs, accountability
// requests, jobs, the audit log and notifier dedup state.
package storage
