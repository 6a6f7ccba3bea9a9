package tracker

import (
	"context"
	"time"

	"shamebot/internal/domain"
	"shamebot/internal/storage"
)

type plannedJob struct {
	kind domain.JobKind
	at   time.Time
}

// plan derives the job set an unchecked task should own at now.
func (s *Service) plan(t domain.Task, now time.Time) ([]plannedJob, error) {
	if t.Checked {
		return nil, nil
	}
	var out []plannedJob
	if t.HasDue() {
		if t.DueAt.After(now) {
			at := t.DueAt.Add(-s.cfg.ReminderLead)
			if at.Before(now) {
				at = now
			}
			out = append(out,
				plannedJob{kind: domain.JobReminder, at: at},
				plannedJob{kind: domain.JobOverdue, at: t.DueAt},
			)
		} else if !t.Overdue {
			out = append(out, plannedJob{kind: domain.JobOverdue, at: now})
		}
	}
	if at, ok, err := s.nextPester(t, now); err != nil {
		return nil, err
	} else if ok {
		out = append(out, plannedJob{kind: domain.JobPester, at: at})
	}
	return out, nil
}

// nextPester returns the next pester fire time after from, if the task
// should be pestered again.
func (s *Service) nextPester(t domain.Task, from time.Time) (time.Time, bool, error) {
	if t.Checked || t.Overdue || t.Pester == "" {
		return time.Time{}, false, nil
	}
	if t.PesterMax > 0 && t.PesterCount >= t.PesterMax {
		return time.Time{}, false, nil
	}
	at, err := s.sched.NextPester(t.Pester, from)
	if err != nil {
		return time.Time{}, false, err
	}
	if t.HasDue() && !at.Before(t.DueAt) {
		return time.Time{}, false, nil
	}
	return at, true, nil
}

// reconcile cancels every handle t holds and installs the derived job set.
// It runs inside q's transaction and updates t's refs in place; the caller
// persists t.
func (s *Service) reconcile(ctx context.Context, q *storage.Queries, t *domain.Task, now time.Time) ([]domain.Job, error) {
	for _, k := range domain.JobKinds {
		if ref := t.JobRef(k); ref.Valid {
			if err := s.sched.Cancel(ctx, q, ref.Handle); err != nil {
				return nil, err
			}
		}
	}
	t.ClearJobs()

	planned, err := s.plan(*t, now)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Job, 0, len(planned))
	for _, p := range planned {
		h, err := s.sched.Schedule(ctx, q, t.ID, p.kind, p.at)
		if err != nil {
			return nil, err
		}
		t.SetJobRef(p.kind, domain.Ref(h))
		out = append(out, domain.Job{ID: h.ID, TaskID: t.ID, Kind: p.kind, FireAt: p.at, Generation: h.Generation, State: domain.JobScheduled})
	}
	return out, nil
}
