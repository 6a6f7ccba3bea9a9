package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrGateNotSatisfied = errors.New("proof approval required")
	ErrStaleJob         = errors.New("stale job")
	ErrDeliveryFailure  = errors.New("delivery failure")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalid          = errors.New("invalid input")
)

// Kind classifies an error returned by the engine.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindGateNotSatisfied
	KindStaleJob
	KindDeliveryFailure
	KindForbidden
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindGateNotSatisfied:
		return "gate_not_satisfied"
	case KindStaleJob:
		return "stale_job"
	case KindDeliveryFailure:
		return "delivery_failure"
	case KindForbidden:
		return "forbidden"
	case KindInvalid:
		return "invalid"
	default:
		return "internal"
	}
}

// KindOf maps err onto one of the failure kinds. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrGateNotSatisfied):
		return KindGateNotSatisfied
	case errors.Is(err, ErrStaleJob):
		return KindStaleJob
	case errors.Is(err, ErrDeliveryFailure):
		return KindDeliveryFailure
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// DeliveryFailure is reported to operators once a job exhausted its retries.
type DeliveryFailure struct {
	JobID    uuid.UUID
	TaskID   uuid.UUID
	Kind     JobKind
	Attempts int
	Err      error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("%s job %s for task %s failed after %d attempt(s): %v", e.Kind, e.JobID, e.TaskID, e.Attempts, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

func (e *DeliveryFailure) Is(target error) bool { return target == ErrDeliveryFailure }
