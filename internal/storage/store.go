package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	logx "shamebot/pkg/logx"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store owns the connection pool.
type Store struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
	q       *Queries
}

// Open connects to the configured backend and migrates it to the latest
// schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "sqlite3":
		db, err = openSQLite(cfg)
		d = dialectSQLite
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("postgres dsn is required")
		}
		db, err = sql.Open("pgx", cfg.DSN)
		d = dialectPostgres
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage ping: %w", err)
	}
	if err := migrate(db, d, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, dialect: d, log: log}
	s.q = &Queries{db: db, dialect: d}
	log.Info("storage ready", logx.String("driver", cfg.Driver))
	return s, nil
}

func openSQLite(cfg Config) (*sql.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas in the DSN apply to every connection the pool opens.
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// One writer; every query in a transaction must go through its Queries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Queries returns the non-transactional query set.
func (s *Store) Queries() *Queries { return s.q }

// InTx runs fn in a transaction. It commits when fn returns nil and rolls
// back on error or panic; a panic is re-raised after the rollback.
func (s *Store) InTx(ctx context.Context, fn func(q *Queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.log.Error("rollback after panic failed", logx.Err(rbErr), logx.Any("panic", p))
			}
			panic(p)
		}
	}()

	if err := fn(&Queries{db: tx, dialect: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("rollback failed", logx.Err(rbErr), logx.String("original", err.Error()))
			return fmt.Errorf("rollback: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// PutDedup and GetDedup serve the notifier's persisted dedup window.
func (s *Store) PutDedup(ctx context.Context, key string, until time.Time) error {
	return s.q.PutDedup(ctx, key, until)
}

func (s *Store) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	return s.q.GetDedup(ctx, key)
}
