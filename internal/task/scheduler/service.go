package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"shamebot/internal/domain"
	"shamebot/internal/eventbus"
	"shamebot/internal/storage"
	kit "shamebot/internal/transport"
	logx "shamebot/pkg/logx"
)

func New(cfg Config, store *storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:   cfg,
		loc:   loadLocation(cfg.Timezone, log),
		log:   log,
		bus:   bus,
		store: store,
		now:   time.Now,
		wake:  make(chan struct{}, 1),
	}
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// SetClock replaces the wall clock. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) Now() time.Time { return s.now() }

// Location is the zone cron pester schedules are evaluated in.
func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start schedules the prune maintenance job.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	if _, err := c.AddFunc(s.cfg.PruneSpec, func() { s.runPrune(ctx) }); err != nil {
		return fmt.Errorf("prune spec %q: %w", s.cfg.PruneSpec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.String("prune_spec", s.cfg.PruneSpec))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

func (s *Service) runPrune(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := s.Prune(pctx, s.Config().PruneAfter)
	if err != nil {
		s.log.Warn("prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("pruned finished jobs", logx.Int64("count", n))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobsPruned, Data: n})
	}
}

// Wake fires after Nudge; the dispatcher selects on it next to its ticker.
func (s *Service) Wake() <-chan struct{} { return s.wake }

// Nudge asks the dispatcher to poll now. Call it after a commit that
// scheduled something.
func (s *Service) Nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// NextPester returns the next pester firing after from.
func (s *Service) NextPester(spec string, from time.Time) (time.Time, error) {
	p, err := ParseSchedule(spec)
	if err != nil {
		return time.Time{}, err
	}
	return p.Next(from, s.loc).UTC(), nil
}

// Schedule installs a job for (task, kind) at fireAt. It bumps the pair's
// generation, cancels the live job if any, and inserts the new one, all
// inside q's transaction.
func (s *Service) Schedule(ctx context.Context, q *storage.Queries, taskID uuid.UUID, kind domain.JobKind, fireAt time.Time) (domain.JobHandle, error) {
	now := s.now()
	gen, err := q.NextGeneration(ctx, taskID, kind)
	if err != nil {
		return domain.JobHandle{}, err
	}
	if _, err := q.CancelLiveJobs(ctx, taskID, kind, now); err != nil {
		return domain.JobHandle{}, err
	}
	j := domain.Job{
		ID:         uuid.New(),
		TaskID:     taskID,
		Kind:       kind,
		FireAt:     fireAt,
		Generation: gen,
		State:      domain.JobScheduled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.InsertJob(ctx, j); err != nil {
		return domain.JobHandle{}, err
	}
	s.log.Debug("job scheduled", logx.Stringer("task", taskID), logx.Stringer("kind", kind),
		logx.Time("fire_at", fireAt), logx.Uint64("gen", gen))
	return j.Handle(), nil
}

// Cancel stops a handle. Unknown, fired and already-cancelled handles are a
// no-op. A handle that is still current also bumps the generation, so an
// in-flight firing of it is seen as stale.
func (s *Service) Cancel(ctx context.Context, q *storage.Queries, h domain.JobHandle) error {
	j, err := q.GetJob(ctx, h.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if j.Generation != h.Generation || !j.State.Live() {
		return nil
	}
	if _, err := q.BumpGenerationIf(ctx, j.TaskID, j.Kind, h.Generation); err != nil {
		return err
	}
	if _, err := q.CancelJob(ctx, h.ID, s.now()); err != nil {
		return err
	}
	return nil
}

// CancelTask cancels every live job of a task and bumps all its generations.
func (s *Service) CancelTask(ctx context.Context, q *storage.Queries, taskID uuid.UUID) error {
	if err := q.BumpTaskGenerations(ctx, taskID); err != nil {
		return err
	}
	_, err := q.CancelTaskJobs(ctx, taskID, s.now())
	return err
}

// IsCurrent reports whether job still carries its pair's generation.
func (s *Service) IsCurrent(ctx context.Context, q *storage.Queries, j domain.Job) (bool, error) {
	gen, err := q.CurrentGeneration(ctx, j.TaskID, j.Kind)
	if err != nil {
		return false, err
	}
	return gen == j.Generation, nil
}

// DueJobs returns scheduled jobs with fire_at <= now, earliest first.
func (s *Service) DueJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = s.Config().BatchSize
	}
	return s.store.Queries().DueJobs(ctx, now, limit)
}

// Claim moves j to running if it is scheduled and current.
func (s *Service) Claim(ctx context.Context, j domain.Job) (bool, error) {
	return s.store.Queries().ClaimJob(ctx, j.ID, j.Generation, s.now())
}

// MarkFired moves j from running to delivering. Call it inside the
// handler's transaction, before scheduling the pair's successor.
func (s *Service) MarkFired(ctx context.Context, q *storage.Queries, j domain.Job) (bool, error) {
	return q.MarkFired(ctx, j.ID, s.now())
}

// StoreOutbox saves the notifications j's handler produced, in the same
// transaction as MarkFired.
func (s *Service) StoreOutbox(ctx context.Context, q *storage.Queries, j domain.Job, notes []kit.Notification) error {
	outbox := ""
	if len(notes) > 0 {
		b, err := json.Marshal(notes)
		if err != nil {
			return fmt.Errorf("encode outbox: %w", err)
		}
		outbox = string(b)
	}
	return q.SetOutbox(ctx, j.ID, outbox, s.now())
}

// Outbox decodes the notifications a fired job owes.
func (s *Service) Outbox(j domain.Job) ([]kit.Notification, error) {
	if j.Outbox == "" {
		return nil, nil
	}
	var notes []kit.Notification
	if err := json.Unmarshal([]byte(j.Outbox), &notes); err != nil {
		return nil, fmt.Errorf("job %s outbox: %w", j.ID, err)
	}
	return notes, nil
}

// Undelivered returns fired jobs whose outbox was not fully sent.
func (s *Service) Undelivered(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = s.Config().BatchSize
	}
	return s.store.Queries().UndeliveredJobs(ctx, limit)
}

// ClaimRedelivery takes a delivering job for another send pass.
func (s *Service) ClaimRedelivery(ctx context.Context, j domain.Job) (bool, error) {
	return s.store.Queries().ClaimRedelivery(ctx, j.ID, s.now())
}

// Advance records that the first sent notifications of id went out.
func (s *Service) Advance(ctx context.Context, id uuid.UUID, sent int) error {
	return s.store.Queries().AdvanceSent(ctx, id, sent, s.now())
}

// Complete records the final state of a claimed job.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, state domain.JobState, attempts int, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.store.Queries().CompleteJob(ctx, id, state, attempts, msg, s.now())
	return err
}

// Release returns a running job to scheduled. Delivering jobs keep their
// state.
func (s *Service) Release(ctx context.Context, id uuid.UUID) error {
	_, err := s.store.Queries().ReleaseJob(ctx, id, s.now())
	return err
}

// Recover handles jobs a crash left running. Delivering jobs are left for
// the dispatcher to resend.
func (s *Service) Recover(ctx context.Context) (requeued, failed int64, err error) {
	requeued, failed, err = s.store.Queries().RecoverJobs(ctx, s.Config().MaxClaims, s.now())
	if err != nil {
		return 0, 0, err
	}
	if requeued > 0 || failed > 0 {
		s.log.Info("recovered running jobs", logx.Int64("requeued", requeued), logx.Int64("failed", failed))
	}
	return requeued, failed, nil
}

func (s *Service) TaskJobs(ctx context.Context, taskID uuid.UUID) ([]domain.Job, error) {
	return s.store.Queries().TaskJobs(ctx, taskID)
}

// Prune deletes finished jobs older than olderThan and expired dedup keys.
func (s *Service) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now()
	n, err := s.store.Queries().PruneJobs(ctx, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if _, err := s.store.Queries().PruneDedup(ctx, now); err != nil {
		return n, err
	}
	return n, nil
}
