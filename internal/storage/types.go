package storage

import (
	"time"

	"github.com/google/uuid"
)

// Config selects and tunes the backend.
//
// Driver values:
//   - "sqlite": database file at Path (modernc.org/sqlite, pure Go)
//   - "postgres": server at DSN (jackc/pgx stdlib)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// AuditEntry records a user or operator action.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	ChatID  int64
	Action  string
	TaskID  uuid.NullUUID
	Target  string
	OK      bool
	Error   string
	Meta    string // JSON, optional
}
