package tracker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"shamebot/internal/domain"
	kit "shamebot/internal/transport"
)

type Config struct {
	// ReminderLead is how long before due the reminder fires. Default 1h.
	ReminderLead time.Duration
	// DefaultPesterMax applies to tasks created without a cap. 0 means
	// unlimited until due.
	DefaultPesterMax int
}

func (c Config) withDefaults() Config {
	if c.ReminderLead <= 0 {
		c.ReminderLead = time.Hour
	}
	if c.DefaultPesterMax < 0 {
		c.DefaultPesterMax = 0
	}
	return c
}

// Notifier queues side messages (partner requests, reviews). Failures are
// logged and never fail the user action.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type CreateInput struct {
	Actor   int64  `validate:"required"`
	GuildID int64
	// ListID must name one of the actor's lists; uuid.Nil puts the task in
	// the default list, created on first use.
	ListID  uuid.UUID
	Title   string  `validate:"required,max=256"`
	Content *string `validate:"omitempty,max=4000"`
	// DueAt zero means no due date. A past due date marks the task overdue
	// right away.
	DueAt     time.Time
	Pester    string `validate:"omitempty,max=64"`
	PesterMax int    `validate:"gte=0,lte=10000"`
}

// EditInput changes the fields that are set. DueAt pointing at the zero time
// clears the due date; Pester pointing at "" disables pestering.
type EditInput struct {
	Actor     int64      `validate:"required"`
	TaskID    uuid.UUID
	Title     *string    `validate:"omitempty,min=1,max=256"`
	Content   *string    `validate:"omitempty,max=4000"`
	DueAt     *time.Time
	Pester    *string    `validate:"omitempty,max=64"`
	PesterMax *int       `validate:"omitempty,gte=0,lte=10000"`
}

func (in EditInput) touchesJobs() bool {
	return in.DueAt != nil || in.Pester != nil || in.PesterMax != nil
}

type ProofInput struct {
	Actor   int64 `validate:"required"`
	TaskID  uuid.UUID
	Content *string `validate:"omitempty,max=4000"`
	Image   *string `validate:"omitempty,max=512"`
}

type ListInput struct {
	Actor   int64 `validate:"required"`
	GuildID int64
	Title   string `validate:"required,max=128"`
}

// ListView is a list with its tasks, oldest first.
type ListView struct {
	List  domain.List
	Tasks []domain.Task
}

func (v ListView) Checked() int {
	n := 0
	for _, t := range v.Tasks {
		if t.Checked {
			n++
		}
	}
	return n
}

// TaskView is a task with the rows hanging off it.
type TaskView struct {
	Task     domain.Task
	Requests []domain.AccountabilityRequest
	Proof    *domain.Proof
	Jobs     []domain.Job
}

// Gated reports whether an accepted partner blocks checking without an
// approved proof.
func (v TaskView) Gated() bool {
	for _, r := range v.Requests {
		if r.Status == domain.RequestAccepted {
			return true
		}
	}
	return false
}
