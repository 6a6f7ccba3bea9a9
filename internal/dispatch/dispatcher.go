// Package dispatch moves due jobs from the scheduler into the execution
// engine and records how each one ended.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"shamebot/internal/domain"
	"shamebot/internal/eventbus"
	"shamebot/internal/task/engine"
	kit "shamebot/internal/transport"
	logx "shamebot/pkg/logx"
)

// Jobs is the scheduler surface the dispatcher drives.
type Jobs interface {
	Now() time.Time
	Wake() <-chan struct{}
	DueJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
	Claim(ctx context.Context, j domain.Job) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, state domain.JobState, attempts int, cause error) error
	Release(ctx context.Context, id uuid.UUID) error

	// Fired jobs whose outbox is not fully sent.
	Undelivered(ctx context.Context, limit int) ([]domain.Job, error)
	ClaimRedelivery(ctx context.Context, j domain.Job) (bool, error)
	Outbox(j domain.Job) ([]kit.Notification, error)
	Advance(ctx context.Context, id uuid.UUID, sent int) error
}

// Handler runs the kind-specific logic of a job and returns what to send.
// It must return an error wrapping domain.ErrStaleJob when the job was
// superseded.
type Handler interface {
	HandleJob(ctx context.Context, j domain.Job) ([]kit.Notification, error)
}

// Sink is the notification side: Deliver for job output, Alert for the
// operator channel.
type Sink interface {
	Deliver(ctx context.Context, n kit.Notification) error
	Alert(ctx context.Context, text string) error
}

type Executor interface {
	Enqueue(t engine.Task) error
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// JobTimeout bounds one delivery attempt; 0 uses the engine default.
	JobTimeout time.Duration
}

// Stats are cumulative since start.
type Stats struct {
	Claimed     uint64 `json:"claimed"`
	Redelivered uint64 `json:"redelivered"`
	Stale       uint64 `json:"stale"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
	Released    uint64 `json:"released"`
}

type Dispatcher struct {
	cfg     Config
	jobs    Jobs
	handler Handler
	sink    Sink
	exec    Executor
	log     logx.Logger
	bus     eventbus.Bus

	// inflight holds jobs handed to the engine and not finished yet.
	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}

	claimed     atomic.Uint64
	redelivered atomic.Uint64
	stale       atomic.Uint64
	delivered   atomic.Uint64
	failed      atomic.Uint64
	released    atomic.Uint64
}

func New(cfg Config, jobs Jobs, handler Handler, sink Sink, exec Executor, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Dispatcher{cfg: cfg, jobs: jobs, handler: handler, sink: sink, exec: exec, log: log, bus: bus,
		inflight: make(map[uuid.UUID]struct{})}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Claimed:     d.claimed.Load(),
		Redelivered: d.redelivered.Load(),
		Stale:       d.stale.Load(),
		Delivered:   d.delivered.Load(),
		Failed:      d.failed.Load(),
		Released:    d.released.Load(),
	}
}

// Run polls until ctx is done. A scheduler nudge triggers an immediate poll.
func (d *Dispatcher) Run(ctx context.Context) error {
	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()
	for {
		if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("poll failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-d.jobs.Wake():
		}
	}
}

// Poll resends fired jobs left undelivered, then dispatches one batch of
// due jobs. It returns how many tasks were handed to the engine.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	n, err := d.Redeliver(ctx)
	if err != nil {
		return n, err
	}
	due, err := d.jobs.DueJobs(ctx, d.jobs.Now(), d.cfg.BatchSize)
	if err != nil {
		return n, fmt.Errorf("due jobs: %w", err)
	}
	return n + d.Dispatch(ctx, due), nil
}

// Redeliver submits the unsent part of every delivering job that is not
// already in flight. These are jobs whose handler committed before a crash
// or stop; the handler is not run again.
func (d *Dispatcher) Redeliver(ctx context.Context) (int, error) {
	pending, err := d.jobs.Undelivered(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("undelivered jobs: %w", err)
	}
	n := 0
	for _, j := range pending {
		if ctx.Err() != nil {
			break
		}
		if !d.track(j.ID) {
			continue
		}
		notes, err := d.jobs.Outbox(j)
		if err != nil {
			// Nothing can send an outbox that does not decode.
			d.finish(j, engine.Result{Err: engine.NoRetry(err)})
			continue
		}
		ok, err := d.jobs.ClaimRedelivery(ctx, j)
		if err != nil || !ok {
			d.untrack(j.ID)
			if err != nil {
				d.log.Warn("claim redelivery failed", logx.Stringer("job", j.ID), logx.Err(err))
			}
			continue
		}
		d.redelivered.Add(1)
		if err := d.exec.Enqueue(d.resend(j, notes)); err != nil {
			d.untrack(j.ID)
			if errors.Is(err, engine.ErrQueueFull) {
				break
			}
			continue
		}
		d.log.Info("resending fired job", logx.Stringer("job", j.ID), logx.Stringer("kind", j.Kind),
			logx.Int("sent", j.Sent), logx.Int("total", len(notes)))
		n++
	}
	return n, nil
}

// track marks id in flight; false means it already was.
func (d *Dispatcher) track(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) untrack(id uuid.UUID) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// Dispatch claims and submits each job. Jobs whose generation moved on are
// counted stale and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, due []domain.Job) int {
	n := 0
	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := d.jobs.Claim(ctx, j)
		if err != nil {
			d.log.Warn("claim failed", logx.Stringer("job", j.ID), logx.Err(err))
			continue
		}
		if !ok {
			d.dropStale(j, "claim")
			continue
		}
		d.claimed.Add(1)
		d.bus.Publish(eventbus.Event{Type: eventbus.JobClaimed, Time: d.jobs.Now(), Data: jobEvent(j)})

		d.track(j.ID)
		if err := d.exec.Enqueue(d.task(j)); err != nil {
			// The queue refused it; hand the job back and retry next poll.
			d.release(j, err)
			d.untrack(j.ID)
			if errors.Is(err, engine.ErrQueueFull) {
				break
			}
			continue
		}
		n++
	}
	return n
}

func (d *Dispatcher) task(j domain.Job) engine.Task {
	var (
		handled bool
		notes   []kit.Notification
		next    int
	)
	// Attempts run sequentially on one worker, so the closure state needs
	// no locking. The handler runs once; retries only resend what is left.
	run := func(ctx context.Context) error {
		if !handled {
			out, err := d.handler.HandleJob(ctx, j)
			if err != nil {
				if errors.Is(err, domain.ErrStaleJob) {
					return engine.NoRetry(err)
				}
				return err
			}
			notes, handled = out, true
		}
		return d.send(ctx, j, notes, &next)
	}
	return d.engineTask(j, run)
}

// resend delivers the outbox of a fired job from its persisted position.
func (d *Dispatcher) resend(j domain.Job, notes []kit.Notification) engine.Task {
	next := j.Sent
	return d.engineTask(j, func(ctx context.Context) error {
		return d.send(ctx, j, notes, &next)
	})
}

// send delivers notes from *next on, keyed "<job id>/<index>", and records
// progress on the job row after each one.
func (d *Dispatcher) send(ctx context.Context, j domain.Job, notes []kit.Notification, next *int) error {
	for ; *next < len(notes); *next++ {
		n := notes[*next]
		n.Key = fmt.Sprintf("%s/%d", j.ID, *next)
		if err := d.sink.Deliver(ctx, n); err != nil {
			return err
		}
		// Progress is best effort; the sink dedups by key.
		if err := d.jobs.Advance(ctx, j.ID, *next+1); err != nil {
			d.log.Warn("record delivery progress failed", logx.Stringer("job", j.ID), logx.Err(err))
		}
	}
	return nil
}

func (d *Dispatcher) engineTask(j domain.Job, run func(context.Context) error) engine.Task {
	return engine.Task{
		ID:      j.ID.String(),
		Name:    "job." + j.Kind.String(),
		Timeout: d.cfg.JobTimeout,
		Run:     run,
		OnDone:  func(res engine.Result) { d.finish(j, res) },
	}
}

func (d *Dispatcher) finish(j domain.Job, res engine.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer d.untrack(j.ID)

	switch {
	case res.Err == nil:
		d.complete(ctx, j, domain.JobDelivered, res.Attempts, nil)
		d.delivered.Add(1)
		ev := jobEvent(j)
		ev.Attempts = res.Attempts
		d.bus.Publish(eventbus.Event{Type: eventbus.JobDelivered, Time: d.jobs.Now(), Data: ev})
		d.log.Debug("job delivered", logx.Stringer("job", j.ID), logx.Stringer("kind", j.Kind), logx.Int("attempts", res.Attempts))

	case errors.Is(res.Err, domain.ErrStaleJob):
		d.complete(ctx, j, domain.JobCancelled, res.Attempts, nil)
		d.dropStale(j, "handler")

	case errors.Is(res.Err, engine.ErrStopping), errors.Is(res.Err, engine.ErrQueueStale):
		// A running job goes back to scheduled. A fired one stays
		// delivering and the next poll resends its outbox.
		d.release(j, res.Err)

	default:
		failure := &domain.DeliveryFailure{JobID: j.ID, TaskID: j.TaskID, Kind: j.Kind, Attempts: res.Attempts, Err: res.Err}
		d.complete(ctx, j, domain.JobFailed, res.Attempts, failure)
		d.failed.Add(1)
		d.log.Error("job delivery failed", logx.Stringer("job", j.ID), logx.Stringer("task", j.TaskID),
			logx.Stringer("kind", j.Kind), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
		ev := jobEvent(j)
		ev.Attempts, ev.Error = res.Attempts, res.Err.Error()
		d.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Time: d.jobs.Now(), Data: ev})
		if err := d.sink.Alert(ctx, failure.Error()); err != nil {
			d.log.Warn("ops alert failed", logx.Err(err))
		}
	}
}

func (d *Dispatcher) complete(ctx context.Context, j domain.Job, state domain.JobState, attempts int, cause error) {
	if err := d.jobs.Complete(ctx, j.ID, state, attempts, cause); err != nil {
		d.log.Warn("complete job failed", logx.Stringer("job", j.ID), logx.String("state", string(state)), logx.Err(err))
	}
}

func (d *Dispatcher) release(j domain.Job, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.jobs.Release(ctx, j.ID); err != nil {
		d.log.Warn("release job failed", logx.Stringer("job", j.ID), logx.Err(err))
		return
	}
	d.released.Add(1)
	d.log.Debug("job released", logx.Stringer("job", j.ID), logx.Err(cause))
}

func (d *Dispatcher) dropStale(j domain.Job, at string) {
	d.stale.Add(1)
	d.log.Debug("stale job dropped", logx.Stringer("job", j.ID), logx.Stringer("kind", j.Kind),
		logx.Uint64("gen", j.Generation), logx.String("at", at))
	d.bus.Publish(eventbus.Event{Type: eventbus.JobStale, Time: d.jobs.Now(), Data: jobEvent(j)})
}

func jobEvent(j domain.Job) eventbus.JobEvent {
	return eventbus.JobEvent{JobID: j.ID, TaskID: j.TaskID, Kind: j.Kind.String(), Generation: j.Generation, FireAt: j.FireAt}
}
