package tracker

import (
	"context"
	"errors"
	"fmt"

	"shamebot/internal/domain"
	"shamebot/internal/storage"
	kit "shamebot/internal/transport"
	logx "shamebot/pkg/logx"
)

// HandleJob runs the kind logic of a claimed job under the task lock and
// returns the notifications to deliver. A job whose generation moved on, or
// whose task is gone, fails with domain.ErrStaleJob.
func (s *Service) HandleJob(ctx context.Context, j domain.Job) ([]kit.Notification, error) {
	unlock := s.locks.Lock(j.TaskID)
	defer unlock()

	var (
		notes []kit.Notification
		next  []domain.Job
	)
	err := s.store.InTx(ctx, func(q *storage.Queries) error {
		cur, err := s.sched.IsCurrent(ctx, q, j)
		if err != nil {
			return err
		}
		if !cur {
			return stale(j, "superseded")
		}
		t, err := q.GetTask(ctx, j.TaskID)
		if errors.Is(err, domain.ErrNotFound) {
			return stale(j, "task gone")
		}
		if err != nil {
			return err
		}
		// Leaving running first keeps a successor scheduled below from
		// cancelling this job.
		fired, err := s.sched.MarkFired(ctx, q, j)
		if err != nil {
			return err
		}
		if !fired {
			return stale(j, "not running")
		}
		partners, err := acceptedPartners(ctx, q, t.ID)
		if err != nil {
			return err
		}

		switch j.Kind {
		case domain.JobPester:
			notes, next, err = s.firePester(ctx, q, &t, partners)
		case domain.JobReminder:
			notes = s.fireReminder(&t)
		case domain.JobOverdue:
			notes, err = s.fireOverdue(ctx, q, &t, partners)
		default:
			return fmt.Errorf("job %s: %w", j.Kind, domain.ErrInvalid)
		}
		if err != nil {
			return err
		}
		// A resend after a crash or stop reads these instead of running
		// the handler again.
		if err := s.sched.StoreOutbox(ctx, q, j, notes); err != nil {
			return err
		}
		t.UpdatedAt = s.sched.Now()
		return q.UpdateTask(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	s.publishScheduled(next)
	return notes, nil
}

func stale(j domain.Job, why string) error {
	return fmt.Errorf("%s job %s gen %d %s: %w", j.Kind, j.ID, j.Generation, why, domain.ErrStaleJob)
}

// firePester counts the pester and schedules the next one while the task is
// open, under its cap and before due.
func (s *Service) firePester(ctx context.Context, q *storage.Queries, t *domain.Task, partners []int64) ([]kit.Notification, []domain.Job, error) {
	t.SetJobRef(domain.JobPester, domain.JobRef{})
	if t.Checked || t.Overdue {
		return nil, nil, nil
	}
	t.PesterCount++
	notes := []kit.Notification{htmlNote(chanTask, 6, taskChat(*t), s.pesterText(*t, partners))}

	now := s.sched.Now()
	at, ok, err := s.nextPester(*t, now)
	if err != nil {
		// A schedule that no longer parses stops pestering; this firing
		// still goes out.
		s.log.Warn("pester schedule rejected", logx.Stringer("task", t.ID), logx.String("pester", t.Pester), logx.Err(err))
		return notes, nil, nil
	}
	if !ok {
		return notes, nil, nil
	}
	h, err := s.sched.Schedule(ctx, q, t.ID, domain.JobPester, at)
	if err != nil {
		return nil, nil, err
	}
	t.SetJobRef(domain.JobPester, domain.Ref(h))
	return notes, []domain.Job{{ID: h.ID, TaskID: t.ID, Kind: domain.JobPester, FireAt: at, Generation: h.Generation}}, nil
}

func (s *Service) fireReminder(t *domain.Task) []kit.Notification {
	t.SetJobRef(domain.JobReminder, domain.JobRef{})
	if t.Checked {
		return nil
	}
	return []kit.Notification{htmlNote(chanTask, 7, taskChat(*t), s.reminderText(*t))}
}

// fireOverdue flags the task and stops its pesters.
func (s *Service) fireOverdue(ctx context.Context, q *storage.Queries, t *domain.Task, partners []int64) ([]kit.Notification, error) {
	t.SetJobRef(domain.JobOverdue, domain.JobRef{})
	if t.Checked {
		return nil, nil
	}
	t.Overdue = true
	if ref := t.PesterJob; ref.Valid {
		if err := s.sched.Cancel(ctx, q, ref.Handle); err != nil {
			return nil, err
		}
		t.SetJobRef(domain.JobPester, domain.JobRef{})
	}
	return []kit.Notification{htmlNote(chanTask, 8, taskChat(*t), overdueText(*t, partners))}, nil
}
