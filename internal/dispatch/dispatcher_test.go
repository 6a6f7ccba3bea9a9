package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shamebot/internal/domain"
	"shamebot/internal/storage"
	"shamebot/internal/task/engine"
	"shamebot/internal/task/scheduler"
	kit "shamebot/internal/transport"
	logx "shamebot/pkg/logx"
)

type fakeSink struct {
	mu      sync.Mutex
	fails   int
	sent    []kit.Notification
	alerts  []string
	seenKey map[string]bool
}

func (f *fakeSink) Deliver(_ context.Context, n kit.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails != 0 {
		if f.fails > 0 {
			f.fails--
		}
		return errors.New("sink down")
	}
	if f.seenKey == nil {
		f.seenKey = map[string]bool{}
	}
	if f.seenKey[n.Key] {
		return nil
	}
	f.seenKey[n.Key] = true
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeSink) Alert(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, text)
	return nil
}

func (f *fakeSink) snapshot() ([]kit.Notification, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kit.Notification(nil), f.sent...), append([]string(nil), f.alerts...)
}

type handlerFunc func(ctx context.Context, j domain.Job) ([]kit.Notification, error)

func (f handlerFunc) HandleJob(ctx context.Context, j domain.Job) ([]kit.Notification, error) {
	return f(ctx, j)
}

type harness struct {
	store *storage.Store
	sched *scheduler.Service
	eng   *engine.Service
	sink  *fakeSink
	d     *Dispatcher
	now   time.Time
}

func newHarness(t *testing.T, h Handler, sink *fakeSink) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hs := &harness{store: st, sink: sink, now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	hs.sched = scheduler.New(scheduler.Config{Timezone: "UTC"}, st, logx.Nop(), nil)
	hs.sched.SetClock(func() time.Time { return hs.now })
	hs.eng = engine.New(engine.Config{Workers: 2, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, logx.Nop(), nil)
	hs.eng.Start(ctx)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hs.eng.Stop(sctx)
	})
	hs.d = New(Config{}, hs.sched, h, sink, hs.eng, logx.Nop(), nil)
	return hs
}

func (h *harness) schedule(t *testing.T, taskID uuid.UUID, kind domain.JobKind, at time.Time) domain.JobHandle {
	t.Helper()
	var out domain.JobHandle
	require.NoError(t, h.store.InTx(context.Background(), func(q *storage.Queries) error {
		var err error
		out, err = h.sched.Schedule(context.Background(), q, taskID, kind, at)
		return err
	}))
	return out
}

func (h *harness) waitState(t *testing.T, id uuid.UUID, want domain.JobState) domain.Job {
	t.Helper()
	var j domain.Job
	require.Eventually(t, func() bool {
		var err error
		j, err = h.store.Queries().GetJob(context.Background(), id)
		return err == nil && j.State == want
	}, 3*time.Second, 10*time.Millisecond)
	return j
}

func TestDeliversOnceWithJobKeys(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	h := handlerFunc(func(_ context.Context, j domain.Job) ([]kit.Notification, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return []kit.Notification{
			{Channel: "task", Target: kit.ChatTarget{ChatID: 1}, Text: "get to work"},
			{Channel: "task", Target: kit.ChatTarget{ChatID: 1}, Text: "partner line"},
		}, nil
	})
	sink := &fakeSink{fails: 1}
	hs := newHarness(t, h, sink)

	jh := hs.schedule(t, uuid.New(), domain.JobPester, hs.now.Add(-time.Second))
	n, err := hs.d.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j := hs.waitState(t, jh.ID, domain.JobDelivered)
	assert.Equal(t, 2, j.Attempts)

	sent, alerts := sink.snapshot()
	require.Len(t, sent, 2)
	assert.Equal(t, fmt.Sprintf("%s/0", jh.ID), sent[0].Key)
	assert.Equal(t, fmt.Sprintf("%s/1", jh.ID), sent[1].Key)
	assert.Empty(t, alerts)

	mu.Lock()
	assert.Equal(t, 1, calls, "handler runs once across retries")
	mu.Unlock()
	require.Eventually(t, func() bool { return hs.d.Stats() == Stats{Claimed: 1, Delivered: 1} }, time.Second, 10*time.Millisecond)

	n, err = hs.d.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "delivered job never re-fires")
}

func TestExhaustedRetriesFailJobAndAlert(t *testing.T) {
	h := handlerFunc(func(context.Context, domain.Job) ([]kit.Notification, error) {
		return []kit.Notification{{Channel: "task", Text: "overdue"}}, nil
	})
	sink := &fakeSink{fails: -1}
	hs := newHarness(t, h, sink)

	taskID := uuid.New()
	jh := hs.schedule(t, taskID, domain.JobOverdue, hs.now)
	_, err := hs.d.Poll(context.Background())
	require.NoError(t, err)

	j := hs.waitState(t, jh.ID, domain.JobFailed)
	assert.Equal(t, 3, j.Attempts)
	assert.Contains(t, j.LastError, "sink down")

	require.Eventually(t, func() bool {
		_, alerts := sink.snapshot()
		return len(alerts) == 1
	}, time.Second, 10*time.Millisecond)
	_, alerts := sink.snapshot()
	assert.Contains(t, alerts[0], taskID.String())
	assert.Contains(t, alerts[0], "failed after 3 attempt(s)")
	assert.Equal(t, uint64(1), hs.d.Stats().Failed)
}

func TestStaleSnapshotIsDropped(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	h := handlerFunc(func(context.Context, domain.Job) ([]kit.Notification, error) {
		mu.Lock()
		fired++
		mu.Unlock()
		return nil, nil
	})
	hs := newHarness(t, h, &fakeSink{})
	taskID := uuid.New()
	hs.schedule(t, taskID, domain.JobReminder, hs.now.Add(-time.Minute))

	before, err := hs.sched.DueJobs(context.Background(), hs.now, 0)
	require.NoError(t, err)
	require.Len(t, before, 1)

	// An edit reschedules the pair after the snapshot was taken.
	hs.schedule(t, taskID, domain.JobReminder, hs.now.Add(time.Hour))

	assert.Zero(t, hs.d.Dispatch(context.Background(), before))
	assert.GreaterOrEqual(t, hs.d.Stats().Stale, uint64(1))
	mu.Lock()
	assert.Zero(t, fired)
	mu.Unlock()
}

func TestHandlerStaleCancelsJob(t *testing.T) {
	h := handlerFunc(func(context.Context, domain.Job) ([]kit.Notification, error) {
		return nil, fmt.Errorf("pester: %w", domain.ErrStaleJob)
	})
	sink := &fakeSink{}
	hs := newHarness(t, h, sink)
	jh := hs.schedule(t, uuid.New(), domain.JobPester, hs.now)

	_, err := hs.d.Poll(context.Background())
	require.NoError(t, err)
	j := hs.waitState(t, jh.ID, domain.JobCancelled)
	assert.Equal(t, 1, j.Attempts)
	require.Eventually(t, func() bool { return hs.d.Stats().Stale == 1 }, time.Second, 10*time.Millisecond)
	_, alerts := sink.snapshot()
	assert.Empty(t, alerts)
}

type refusingExec struct{}

func (refusingExec) Enqueue(engine.Task) error { return engine.ErrQueueFull }

func TestFullQueueReleasesJob(t *testing.T) {
	hs := newHarness(t, handlerFunc(func(context.Context, domain.Job) ([]kit.Notification, error) { return nil, nil }), &fakeSink{})
	hs.d.exec = refusingExec{}
	jh := hs.schedule(t, uuid.New(), domain.JobOverdue, hs.now)

	n, err := hs.d.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	j, err := hs.store.Queries().GetJob(context.Background(), jh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobScheduled, j.State)
	assert.Equal(t, uint64(1), hs.d.Stats().Released)
}

func TestFiredJobIsResentWithoutHandler(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	h := handlerFunc(func(context.Context, domain.Job) ([]kit.Notification, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, nil
	})
	sink := &fakeSink{}
	hs := newHarness(t, h, sink)
	ctx := context.Background()

	jh := hs.schedule(t, uuid.New(), domain.JobOverdue, hs.now)
	due, err := hs.sched.DueJobs(ctx, hs.now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	ok, err := hs.sched.Claim(ctx, due[0])
	require.NoError(t, err)
	require.True(t, ok)

	// The handler committed and the first note went out, then the process
	// died.
	notes := []kit.Notification{
		{Channel: "task", Target: kit.ChatTarget{ChatID: 7}, Text: "one"},
		{Channel: "task", Target: kit.ChatTarget{ChatID: 7}, Text: "two"},
		{Channel: "task", Target: kit.ChatTarget{ChatID: 7, ThreadID: 3}, Text: "three"},
	}
	require.NoError(t, hs.store.InTx(ctx, func(q *storage.Queries) error {
		fired, err := hs.sched.MarkFired(ctx, q, due[0])
		if err != nil {
			return err
		}
		require.True(t, fired)
		return hs.sched.StoreOutbox(ctx, q, due[0], notes)
	}))
	require.NoError(t, hs.sched.Advance(ctx, jh.ID, 1))
	_, _, err = hs.sched.Recover(ctx)
	require.NoError(t, err)

	n, err := hs.d.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	j := hs.waitState(t, jh.ID, domain.JobDelivered)
	assert.Equal(t, 3, j.Sent)

	sent, _ := sink.snapshot()
	require.Len(t, sent, 2)
	assert.Equal(t, "two", sent[0].Text)
	assert.Equal(t, fmt.Sprintf("%s/1", jh.ID), sent[0].Key)
	assert.Equal(t, 3, sent[1].Target.ThreadID)
	assert.Equal(t, fmt.Sprintf("%s/2", jh.ID), sent[1].Key)

	mu.Lock()
	assert.Zero(t, calls, "a fired job never re-runs its handler")
	mu.Unlock()
	require.Eventually(t, func() bool { return hs.d.Stats() == Stats{Redelivered: 1, Delivered: 1} }, time.Second, 10*time.Millisecond)

	n, err = hs.d.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnreadableOutboxFailsJob(t *testing.T) {
	sink := &fakeSink{}
	hs := newHarness(t, handlerFunc(func(context.Context, domain.Job) ([]kit.Notification, error) { return nil, nil }), sink)
	ctx := context.Background()

	now := hs.now
	j := domain.Job{ID: uuid.New(), TaskID: uuid.New(), Kind: domain.JobReminder, FireAt: now, Generation: 1,
		State: domain.JobDelivering, Claims: 1, Outbox: "{not json", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, hs.store.Queries().InsertJob(ctx, j))

	n, err := hs.d.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	hs.waitState(t, j.ID, domain.JobFailed)
	_, alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], j.ID.String())
}
