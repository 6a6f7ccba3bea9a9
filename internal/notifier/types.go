package notifier

import (
	"context"
	"time"
)

// Config controls the notification pipeline. Enabled gates the async
// Notify queue only; Deliver and Alert always run.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// DedupStore persists suppress-until marks across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	Text    string    `json:"text"`
}
