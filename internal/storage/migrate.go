package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"

	logx "shamebot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its dialect, base FS and logger in package globals.
var gooseMu sync.Mutex

func migrate(db *sql.DB, d dialect, log logx.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetLogger(gooseLogger{log: log.With(logx.String("comp", "migrations"))})
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	name := "sqlite3"
	if d == dialectPostgres {
		name = "postgres"
	}
	if err := goose.SetDialect(name); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// gooseLogger routes goose output to logx. Fatalf logs at error and never
// exits the process.
type gooseLogger struct{ log logx.Logger }

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
