// Package tracker owns the task lifecycle: create, edit, check and delete,
// the accountability workflow, proofs, and the handlers that turn due jobs
// into notifications.
//
// Every mutation takes the task's lock, then one storage transaction that
// updates the task, reconciles its jobs through the scheduler and appends an
// audit entry. Events and side notifications go out after commit.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"shamebot/internal/domain"
	"shamebot/internal/eventbus"
	"shamebot/internal/storage"
	"shamebot/internal/task/scheduler"
	kit "shamebot/internal/transport"
	logx "shamebot/pkg/logx"
)

type Service struct {
	cfg    Config
	store  *storage.Store
	sched  *scheduler.Service
	notify Notifier
	log    logx.Logger
	bus    eventbus.Bus

	locks    *taskLocks
	validate *validator.Validate
}

func New(cfg Config, store *storage.Store, sched *scheduler.Service, notify Notifier, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		sched:    sched,
		notify:   notify,
		log:      log,
		bus:      bus,
		locks:    newTaskLocks(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q: %w", strings.ToLower(fe.Field()), fe.Tag(), domain.ErrInvalid)
		}
		return fmt.Errorf("%v: %w", err, domain.ErrInvalid)
	}
	return nil
}

func validPester(spec string) error {
	if spec == "" {
		return nil
	}
	_, err := scheduler.ParseSchedule(spec)
	return err
}

func (s *Service) CreateTask(ctx context.Context, in CreateInput) (domain.Task, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Pester = strings.TrimSpace(in.Pester)
	if err := s.check(in); err != nil {
		return domain.Task{}, err
	}
	if err := validPester(in.Pester); err != nil {
		return domain.Task{}, err
	}

	now := s.sched.Now()
	t := domain.Task{
		ID:        uuid.New(),
		ListID:    in.ListID,
		UserID:    in.Actor,
		GuildID:   in.GuildID,
		Title:     in.Title,
		Content:   in.Content,
		Pester:    in.Pester,
		PesterMax: in.PesterMax,
		DueAt:     truncMS(in.DueAt),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if t.PesterMax == 0 {
		t.PesterMax = s.cfg.DefaultPesterMax
	}

	unlock := s.locks.Lock(t.ID)
	defer unlock()

	var jobs []domain.Job
	err := s.store.InTx(ctx, func(q *storage.Queries) error {
		var err error
		if t.ListID, err = s.taskList(ctx, q, in.Actor, in.ListID, now); err != nil {
			return err
		}
		if jobs, err = s.reconcile(ctx, q, &t, now); err != nil {
			return err
		}
		if err := q.InsertTask(ctx, t); err != nil {
			return err
		}
		return s.audit(ctx, q, in.Actor, "task.create", t.ID, t.Title)
	})
	if err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	s.log.Info("task created", logx.Stringer("task", t.ID), logx.Int64("user", t.UserID), logx.Int("jobs", len(jobs)))
	s.publishTask(eventbus.TaskCreated, t, in.Actor, "")
	s.publishScheduled(jobs)
	return t, nil
}

func (s *Service) EditTask(ctx context.Context, in EditInput) (domain.Task, error) {
	if in.Title != nil {
		v := strings.TrimSpace(*in.Title)
		in.Title = &v
	}
	if in.Pester != nil {
		v := strings.TrimSpace(*in.Pester)
		in.Pester = &v
	}
	if err := s.check(in); err != nil {
		return domain.Task{}, err
	}
	if in.Pester != nil {
		if err := validPester(*in.Pester); err != nil {
			return domain.Task{}, err
		}
	}

	unlock := s.locks.Lock(in.TaskID)
	defer unlock()

	var (
		t    domain.Task
		jobs []domain.Job
	)
	err := s.store.InTx(ctx, func(q *storage.Queries) error {
		var err error
		if t, err = s.ownedTask(ctx, q, in.TaskID, in.Actor); err != nil {
			return err
		}
		if t.Checked && in.touchesJobs() {
			return fmt.Errorf("task %s is checked: %w", t.ID, domain.ErrConflict)
		}
		now := s.sched.Now()
		if in.Title != nil {
			t.Title = *in.Title
		}
		if in.Content != nil {
			t.Content = in.Content
			if *in.Content == "" {
				t.Content = nil
			}
		}
		if in.DueAt != nil {
			t.DueAt = truncMS(*in.DueAt)
		}
		if in.Pester != nil {
			t.Pester = *in.Pester
		}
		if in.PesterMax != nil {
			t.PesterMax = *in.PesterMax
		}
		if in.touchesJobs() {
			t.PesterCount = 0
			if !t.HasDue() || t.DueAt.After(now) {
				t.Overdue = false
			}
			if jobs, err = s.reconcile(ctx, q, &t, now); err != nil {
				return err
			}
		}
		t.UpdatedAt = now
		if err := q.UpdateTask(ctx, t); err != nil {
			return err
		}
		return s.audit(ctx, q, in.Actor, "task.edit", t.ID, "")
	})
	if err != nil {
		return domain.Task{}, fmt.Errorf("edit task: %w", err)
	}
	s.publishTask(eventbus.TaskEdited, t, in.Actor, "")
	s.publishScheduled(jobs)
	return t, nil
}

// CheckTask marks the task done. With an accepted partner the current proof
// must be approved first.
func (s *Service) CheckTask(ctx context.Context, actor int64, taskID uuid.UUID) (domain.Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	var t domain.Task
	err := s.store.InTx(ctx, func(q *storage.Queries) error {
		var err error
		if t, err = s.ownedTask(ctx, q, taskID, actor); err != nil {
			return err
		}
		if t.Checked {
			return fmt.Errorf("task %s already checked: %w", t.ID, domain.ErrConflict)
		}
		if err := s.gate(ctx, q, t); err != nil {
			return err
		}
		if err := s.sched.CancelTask(ctx, q, t.ID); err != nil {
			return err
		}
		t.Checked = true
		t.ClearJobs()
		t.UpdatedAt = s.sched.Now()
		if err := q.UpdateTask(ctx, t); err != nil {
			return err
		}
		return s.audit(ctx, q, actor, "task.check", t.ID, "")
	})
	if err != nil {
		return domain.Task{}, fmt.Errorf("check task: %w", err)
	}
	s.log.Info("task checked", logx.Stringer("task", t.ID), logx.Int64("user", t.UserID))
	s.publishTask(eventbus.TaskChecked, t, actor, "")
	return t, nil
}

// gate fails with ErrGateNotSatisfied while an accepted partner has not
// approved the current proof.
func (s *Service) gate(ctx context.Context, q *storage.Queries, t domain.Task) error {
	partners, err := acceptedPartners(ctx, q, t.ID)
	if err != nil {
		return err
	}
	if len(partners) == 0 {
		return nil
	}
	if !t.ProofID.Valid {
		return fmt.Errorf("task %s has no proof: %w", t.ID, domain.ErrGateNotSatisfied)
	}
	p, err := q.GetProof(ctx, t.ProofID.UUID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("task %s has no proof: %w", t.ID, domain.ErrGateNotSatisfied)
		}
		return err
	}
	if !p.Approved {
		return fmt.Errorf("proof %s not approved: %w", p.ID, domain.ErrGateNotSatisfied)
	}
	return nil
}

func (s *Service) DeleteTask(ctx context.Context, actor int64, taskID uuid.UUID) error {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	var t domain.Task
	err := s.store.InTx(ctx, func(q *storage.Queries) error {
		var err error
		if t, err = s.ownedTask(ctx, q, taskID, actor); err != nil {
			return err
		}
		if err := s.sched.CancelTask(ctx, q, t.ID); err != nil {
			return err
		}
		if err := q.DeleteTask(ctx, t.ID); err != nil {
			return err
		}
		return s.audit(ctx, q, actor, "task.delete", t.ID, t.Title)
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	s.log.Info("task deleted", logx.Stringer("task", t.ID), logx.Int64("user", t.UserID))
	s.publishTask(eventbus.TaskDeleted, t, actor, "")
	return nil
}

func (s *Service) GetTask(ctx context.Context, taskID uuid.UUID) (domain.Task, error) {
	return s.store.Queries().GetTask(ctx, taskID)
}

// UserTasks returns every task of the user across lists, oldest first.
func (s *Service) UserTasks(ctx context.Context, userID int64) ([]domain.Task, error) {
	return s.store.Queries().ListTasksByUser(ctx, userID)
}

// TaskJobs lists every job row of an existing task, newest generation last.
func (s *Service) TaskJobs(ctx context.Context, taskID uuid.UUID) ([]domain.Job, error) {
	if _, err := s.store.Queries().GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.sched.TaskJobs(ctx, taskID)
}

// View returns the task with its requests, proof and jobs. Only the owner
// and partners with a request on the task may see it.
func (s *Service) View(ctx context.Context, actor int64, taskID uuid.UUID) (TaskView, error) {
	q := s.store.Queries()
	t, err := q.GetTask(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}
	reqs, err := q.ListRequests(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}
	allowed := t.UserID == actor
	for _, r := range reqs {
		if r.RequestedUser == actor {
			allowed = true
		}
	}
	if !allowed {
		return TaskView{}, fmt.Errorf("task %s: %w", taskID, domain.ErrForbidden)
	}
	v := TaskView{Task: t, Requests: reqs}
	if t.ProofID.Valid {
		p, err := q.GetProof(ctx, t.ProofID.UUID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return TaskView{}, err
		}
		if err == nil {
			v.Proof = &p
		}
	}
	if v.Jobs, err = s.sched.TaskJobs(ctx, taskID); err != nil {
		return TaskView{}, err
	}
	return v, nil
}

// Reconcile re-derives the task's job set from its current state.
func (s *Service) Reconcile(ctx context.Context, taskID uuid.UUID) ([]domain.Job, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	var jobs []domain.Job
	err := s.store.InTx(ctx, func(q *storage.Queries) error {
		t, err := q.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		now := s.sched.Now()
		if jobs, err = s.reconcile(ctx, q, &t, now); err != nil {
			return err
		}
		t.UpdatedAt = now
		if err := q.UpdateTask(ctx, t); err != nil {
			return err
		}
		return s.audit(ctx, q, 0, "task.reconcile", t.ID, fmt.Sprintf("%d job(s)", len(jobs)))
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile task: %w", err)
	}
	s.publishScheduled(jobs)
	return jobs, nil
}

// Resume runs once at startup: it recovers jobs a crash left running and
// cancels live jobs of checked or deleted tasks.
func (s *Service) Resume(ctx context.Context) error {
	if _, _, err := s.sched.Recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	ids, err := s.store.Queries().TasksWithLiveJobsToDrop(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		unlock := s.locks.Lock(id)
		err := s.store.InTx(ctx, func(q *storage.Queries) error {
			return s.sched.CancelTask(ctx, q, id)
		})
		unlock()
		if err != nil {
			return fmt.Errorf("drop jobs of %s: %w", id, err)
		}
	}
	if len(ids) > 0 {
		s.log.Info("dropped jobs of finished tasks", logx.Int("tasks", len(ids)))
	}
	s.sched.Nudge()
	return nil
}

func (s *Service) ownedTask(ctx context.Context, q *storage.Queries, taskID uuid.UUID, actor int64) (domain.Task, error) {
	t, err := q.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.UserID != actor {
		return domain.Task{}, fmt.Errorf("task %s not owned by %d: %w", taskID, actor, domain.ErrForbidden)
	}
	return t, nil
}

func acceptedPartners(ctx context.Context, q *storage.Queries, taskID uuid.UUID) ([]int64, error) {
	reqs, err := q.ListRequests(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, r := range reqs {
		if r.Status == domain.RequestAccepted {
			out = append(out, r.RequestedUser)
		}
	}
	return out, nil
}

func (s *Service) audit(ctx context.Context, q *storage.Queries, actor int64, action string, taskID uuid.UUID, target string) error {
	return q.AppendAudit(ctx, storage.AuditEntry{
		At:      s.sched.Now(),
		ActorID: actor,
		Action:  action,
		TaskID:  uuid.NullUUID{UUID: taskID, Valid: true},
		Target:  target,
		OK:      true,
	})
}

// sendSide queues a side notification. Failures never fail the action.
func (s *Service) sendSide(ctx context.Context, n kit.Notification) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Notify(context.WithoutCancel(ctx), n); err != nil {
		s.log.Warn("side notification dropped", logx.String("channel", n.Channel), logx.Int64("chat", n.Target.ChatID), logx.Err(err))
	}
}

func (s *Service) publishTask(typ string, t domain.Task, actor int64, detail string) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.sched.Now(), Data: eventbus.TaskEvent{
		TaskID: t.ID, UserID: t.UserID, Actor: actor, Detail: detail,
	}})
}

// publishScheduled announces freshly scheduled jobs and wakes the dispatcher.
func (s *Service) publishScheduled(jobs []domain.Job) {
	if len(jobs) == 0 {
		return
	}
	now := s.sched.Now()
	for _, j := range jobs {
		s.bus.Publish(eventbus.Event{Type: eventbus.JobScheduled, Time: now, Data: eventbus.JobEvent{
			JobID: j.ID, TaskID: j.TaskID, Kind: j.Kind.String(), Generation: j.Generation, FireAt: j.FireAt,
		}})
	}
	s.sched.Nudge()
}

func truncMS(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}
