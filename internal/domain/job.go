package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobKind is the closed set of job types a task can own.
type JobKind int

const (
	JobPester JobKind = iota + 1
	JobReminder
	JobOverdue
)

// JobKinds lists every kind in a stable order.
var JobKinds = []JobKind{JobPester, JobReminder, JobOverdue}

func (k JobKind) String() string {
	switch k {
	case JobPester:
		return "pester"
	case JobReminder:
		return "reminder"
	case JobOverdue:
		return "overdue"
	default:
		return fmt.Sprintf("jobkind(%d)", int(k))
	}
}

func ParseJobKind(s string) (JobKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pester":
		return JobPester, nil
	case "reminder":
		return JobReminder, nil
	case "overdue":
		return JobOverdue, nil
	default:
		return 0, fmt.Errorf("job kind %q: %w", s, ErrInvalid)
	}
}

// JobState is the persisted lifecycle of a job row.
type JobState string

const (
	JobScheduled JobState = "scheduled"
	JobRunning   JobState = "running"
	JobDelivered JobState = "delivered"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"

	// JobDelivering means the handler committed and only sending is left.
	// It no longer counts as the pair's outstanding job.
	JobDelivering JobState = "delivering"
)

// Live reports whether the job may still fire.
func (s JobState) Live() bool { return s == JobScheduled || s == JobRunning }

// JobHandle identifies one scheduled firing. A handle is only honored while
// its Generation matches the current generation of its (task, kind) pair.
type JobHandle struct {
	ID         uuid.UUID `json:"id"`
	Generation uint64    `json:"generation"`
}

// JobRef is an optional handle stored on a task.
type JobRef struct {
	Handle JobHandle
	Valid  bool
}

func Ref(h JobHandle) JobRef { return JobRef{Handle: h, Valid: true} }

// Job is a row owned by the scheduler.
type Job struct {
	ID         uuid.UUID `json:"id"`
	TaskID     uuid.UUID `json:"task_id"`
	Kind       JobKind   `json:"-"`
	KindName   string    `json:"kind"`
	FireAt     time.Time `json:"fire_at"`
	Generation uint64    `json:"generation"`
	State      JobState  `json:"state"`
	// Claims counts dispatcher claims; Attempts counts delivery attempts of
	// the last run.
	Claims     int       `json:"claims"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	// Outbox holds the encoded notifications of a fired job; Sent counts
	// how many of them went out.
	Outbox     string    `json:"-"`
	Sent       int       `json:"sent"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (j Job) Handle() JobHandle { return JobHandle{ID: j.ID, Generation: j.Generation} }
