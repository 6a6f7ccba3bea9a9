package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shamebot/internal/dispatch"
	"shamebot/internal/domain"
	"shamebot/internal/task/engine"
	kit "shamebot/internal/transport"
	logx "shamebot/pkg/logx"
)

type chatSink struct {
	mu     sync.Mutex
	sent   []kit.Notification
	alerts []string
}

func (c *chatSink) Deliver(_ context.Context, n kit.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *chatSink) Alert(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, text)
	return nil
}

func (c *chatSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newDispatcher(t *testing.T, f *fixture, sink *chatSink) *dispatch.Dispatcher {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 1, RetryMax: 1, RetryBase: time.Millisecond}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return dispatch.New(dispatch.Config{}, f.sched, f.svc, sink, eng, logx.Nop(), nil)
}

func TestDuePesterIsDeliveredOnceAndRescheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sink := &chatSink{}
	d := newDispatcher(t, f, sink)

	task := f.create(t, CreateInput{GuildID: -42, Pester: "30m"})
	first := f.liveJobs(t, task.ID)[domain.JobPester]

	f.now = f.now.Add(30 * time.Minute)
	n, err := d.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		j, err := f.store.Queries().GetJob(ctx, first.ID)
		return err == nil && j.State == domain.JobDelivered
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, int64(-42), sink.sent[0].Target.ChatID)
	assert.Equal(t, first.ID.String()+"/0", sink.sent[0].Key)

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PesterCount)
	next := f.liveJobs(t, task.ID)[domain.JobPester]
	assert.NotEqual(t, first.ID, next.ID)
	assert.Equal(t, f.now.Add(30*time.Minute), next.FireAt)

	// Nothing else is due yet.
	n, err = d.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, sink.count())
}

func TestRescheduleRaceDropsOldSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sink := &chatSink{}
	d := newDispatcher(t, f, sink)

	task := f.create(t, CreateInput{DueAt: f.now.Add(30 * time.Minute)})
	snapshot, err := f.sched.DueJobs(ctx, f.now, 0)
	require.NoError(t, err)
	require.Len(t, snapshot, 1, "the clamped reminder")

	due := f.now.Add(6 * time.Hour)
	_, err = f.svc.EditTask(ctx, EditInput{Actor: owner, TaskID: task.ID, DueAt: &due})
	require.NoError(t, err)

	assert.Zero(t, d.Dispatch(ctx, snapshot))
	assert.GreaterOrEqual(t, d.Stats().Stale, uint64(1))
	assert.Zero(t, sink.count())
}

func TestCrashAfterHandlerResendsWithoutRefiring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sink := &chatSink{}

	task := f.create(t, CreateInput{GuildID: -7, Pester: "30m", PesterMax: 1})
	f.now = f.now.Add(30 * time.Minute)
	j := f.claim(t, f.liveJobs(t, task.ID)[domain.JobPester])

	// The handler commits, then the process dies before anything is sent.
	notes, err := f.svc.HandleJob(ctx, j)
	require.NoError(t, err)
	require.Len(t, notes, 1)

	// Stopping hands running jobs back; this one already fired.
	require.NoError(t, f.sched.Release(ctx, j.ID))
	require.NoError(t, f.svc.Resume(ctx))
	fired, err := f.store.Queries().GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobDelivering, fired.State)

	d := newDispatcher(t, f, sink)
	n, err := d.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Eventually(t, func() bool {
		return d.Stats() == dispatch.Stats{Redelivered: 1, Delivered: 1}
	}, 3*time.Second, 10*time.Millisecond)
	done, err := f.store.Queries().GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDelivered, done.State)

	require.Equal(t, 1, sink.count())
	assert.Equal(t, j.ID.String()+"/0", sink.sent[0].Key)
	assert.Equal(t, notes[0].Text, sink.sent[0].Text)

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PesterCount, "the handler ran once")
	_, live := f.liveJobs(t, task.ID)[domain.JobPester]
	assert.False(t, live, "the cap of one was reached")
}
