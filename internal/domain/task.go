// Package domain holds the task, proof, accountability and job types shared
// by the tracker, scheduler, dispatcher and storage layers.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Task struct {
	ID      uuid.UUID
	ListID  uuid.UUID
	UserID  int64
	GuildID int64
	Title   string
	Content *string

	Checked bool
	Overdue bool

	// Pester is a schedule string ("30m", "every:2h", "cron:0 */2 * * *").
	// Empty disables pestering.
	Pester      string
	PesterCount int
	PesterMax   int

	DueAt   time.Time
	ProofID uuid.NullUUID

	PesterJob   JobRef
	ReminderJob JobRef
	OverdueJob  JobRef

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t Task) HasDue() bool { return !t.DueAt.IsZero() }

// JobRef returns the handle stored for kind.
func (t Task) JobRef(kind JobKind) JobRef {
	switch kind {
	case JobPester:
		return t.PesterJob
	case JobReminder:
		return t.ReminderJob
	case JobOverdue:
		return t.OverdueJob
	default:
		return JobRef{}
	}
}

// SetJobRef replaces the handle stored for kind.
func (t *Task) SetJobRef(kind JobKind, ref JobRef) {
	switch kind {
	case JobPester:
		t.PesterJob = ref
	case JobReminder:
		t.ReminderJob = ref
	case JobOverdue:
		t.OverdueJob = ref
	}
}

// ClearJobs drops every handle.
func (t *Task) ClearJobs() {
	t.PesterJob = JobRef{}
	t.ReminderJob = JobRef{}
	t.OverdueJob = JobRef{}
}

// Status is the display state derived from the flags.
func (t Task) Status() string {
	switch {
	case t.Checked:
		return "checked"
	case t.Overdue:
		return "overdue"
	default:
		return "open"
	}
}

type Proof struct {
	ID        uuid.UUID
	TaskID    uuid.UUID
	Content   *string
	Image     *string
	Approved  bool
	Rejected  bool
	CreatedAt time.Time
}

func (p Proof) Reviewed() bool { return p.Approved || p.Rejected }

// RequestStatus is the closed state set of an accountability request.
type RequestStatus int

const (
	RequestPending RequestStatus = iota + 1
	RequestAccepted
	RequestRejected
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestAccepted:
		return "accepted"
	case RequestRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func ParseRequestStatus(s string) (RequestStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return RequestPending, nil
	case "accepted":
		return RequestAccepted, nil
	case "rejected":
		return RequestRejected, nil
	default:
		return 0, fmt.Errorf("request status %q: %w", s, ErrInvalid)
	}
}

// Active reports whether the request blocks a new one for the same pair.
func (s RequestStatus) Active() bool { return s == RequestPending || s == RequestAccepted }

type AccountabilityRequest struct {
	TaskID         uuid.UUID
	RequestingUser int64
	RequestedUser  int64
	Status         RequestStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
