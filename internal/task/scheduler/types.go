package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"shamebot/internal/eventbus"
	"shamebot/internal/storage"
	logx "shamebot/pkg/logx"
)

// Config controls polling and maintenance of the job table.
type Config struct {
	PollInterval time.Duration // default 1s
	BatchSize    int           // default 100
	PruneSpec    string        // cron spec, default "@hourly"
	PruneAfter   time.Duration // default 7 days
	Timezone     string        // IANA TZ for cron pester schedules
	MaxClaims    int           // claims before Recover fails a job; default 5
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PruneSpec == "" {
		c.PruneSpec = "@hourly"
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = 7 * 24 * time.Hour
	}
	if c.MaxClaims <= 0 {
		c.MaxClaims = 5
	}
	return c
}

// Service is the durable job store. Every mutation that must commit with a
// task update takes the caller's transaction-bound Queries.
type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log   logx.Logger
	bus   eventbus.Bus
	store *storage.Store
	now   func() time.Time

	wake chan struct{}
	c    *cron.Cron
}
