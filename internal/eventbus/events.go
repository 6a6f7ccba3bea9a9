package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Event types published by the tracker, scheduler and dispatcher.
const (
	TaskCreated    = "task.created"
	TaskEdited     = "task.edited"
	TaskChecked    = "task.checked"
	TaskDeleted    = "task.deleted"
	ProofSubmitted = "proof.submitted"
	ProofReviewed  = "proof.reviewed"

	JobScheduled = "job.scheduled"
	JobCancelled = "job.cancelled"
	JobClaimed   = "job.claimed"
	JobStale     = "job.stale"
	JobDelivered = "job.delivered"
	JobFailed    = "job.failed"
	JobsPruned   = "job.pruned"

	// Engine task lifecycle.
	TaskRunStarted  = "task.started"
	TaskRunFinished = "task.finished"
	TaskRunFailed   = "task.failed"
	TaskRunDropped  = "task.dropped"

	NotifySent    = "notify.sent"
	NotifyDeduped = "notify.deduped"
	NotifyFailed  = "notify.failed"
)

// JobEvent is the payload of job.* events.
type JobEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	TaskID     uuid.UUID `json:"task_id"`
	Kind       string    `json:"kind"`
	Generation uint64    `json:"generation"`
	FireAt     time.Time `json:"fire_at,omitzero"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// TaskEvent is the payload of task.* and proof.* events.
type TaskEvent struct {
	TaskID uuid.UUID `json:"task_id"`
	UserID int64     `json:"user_id"`
	Actor  int64     `json:"actor,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

type NotifyEvent struct {
	Channel string `json:"channel"`
	ChatID  int64  `json:"chat_id"`
	Key     string `json:"key"`
	Error   string `json:"error,omitempty"`
}
