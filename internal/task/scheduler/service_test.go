package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shamebot/internal/domain"
	"shamebot/internal/storage"
	logx "shamebot/pkg/logx"
)

func newTestService(t *testing.T) (*Service, *storage.Store, *time.Time) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(Config{Timezone: "UTC"}, st, logx.Nop(), nil)
	s.SetClock(func() time.Time { return now })
	return s, st, &now
}

func schedule(t *testing.T, s *Service, st *storage.Store, taskID uuid.UUID, kind domain.JobKind, at time.Time) domain.JobHandle {
	t.Helper()
	var h domain.JobHandle
	require.NoError(t, st.InTx(context.Background(), func(q *storage.Queries) error {
		var err error
		h, err = s.Schedule(context.Background(), q, taskID, kind, at)
		return err
	}))
	return h
}

func TestRescheduleSupersedesOldHandle(t *testing.T) {
	s, st, now := newTestService(t)
	ctx := context.Background()
	taskID := uuid.New()

	h1 := schedule(t, s, st, taskID, domain.JobPester, now.Add(-time.Minute))
	due, err := s.DueJobs(ctx, *now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	old := due[0]

	h2 := schedule(t, s, st, taskID, domain.JobPester, now.Add(-time.Second))
	assert.Greater(t, h2.Generation, h1.Generation)

	ok, err := s.Claim(ctx, old)
	require.NoError(t, err)
	assert.False(t, ok, "old generation must not be claimable")

	jobs, err := s.TaskJobs(ctx, taskID)
	require.NoError(t, err)
	live := 0
	for _, j := range jobs {
		if j.State.Live() {
			live++
			assert.Equal(t, h2.ID, j.ID)
		}
	}
	assert.Equal(t, 1, live)

	due, err = s.DueJobs(ctx, *now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	ok, err = s.Claim(ctx, due[0])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCancelIsIdempotentAndBumpsGeneration(t *testing.T) {
	s, st, now := newTestService(t)
	ctx := context.Background()
	taskID := uuid.New()
	h := schedule(t, s, st, taskID, domain.JobReminder, now.Add(time.Hour))

	due, err := s.store.Queries().TaskJobs(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, due, 1)
	snapshot := due[0]

	for i := 0; i < 2; i++ {
		require.NoError(t, st.InTx(ctx, func(q *storage.Queries) error { return s.Cancel(ctx, q, h) }))
	}
	require.NoError(t, st.InTx(ctx, func(q *storage.Queries) error {
		return s.Cancel(ctx, q, domain.JobHandle{ID: uuid.New(), Generation: 1})
	}))

	cur, err := s.IsCurrent(ctx, st.Queries(), snapshot)
	require.NoError(t, err)
	assert.False(t, cur)

	gen, err := st.Queries().CurrentGeneration(ctx, taskID, domain.JobReminder)
	require.NoError(t, err)
	assert.Equal(t, h.Generation+1, gen, "second cancel must not bump again")
}

func TestCancelTaskHidesJobsFromDue(t *testing.T) {
	s, st, now := newTestService(t)
	ctx := context.Background()
	taskID := uuid.New()
	for _, k := range domain.JobKinds {
		schedule(t, s, st, taskID, k, now.Add(-time.Minute))
	}
	due, err := s.DueJobs(ctx, *now, 0)
	require.NoError(t, err)
	assert.Len(t, due, 3)

	require.NoError(t, st.InTx(ctx, func(q *storage.Queries) error { return s.CancelTask(ctx, q, taskID) }))
	due, err = s.DueJobs(ctx, now.Add(24*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRollbackDiscardsSchedule(t *testing.T) {
	s, st, now := newTestService(t)
	ctx := context.Background()
	taskID := uuid.New()
	err := st.InTx(ctx, func(q *storage.Queries) error {
		if _, err := s.Schedule(ctx, q, taskID, domain.JobOverdue, *now); err != nil {
			return err
		}
		return domain.ErrConflict
	})
	require.ErrorIs(t, err, domain.ErrConflict)
	jobs, err := s.TaskJobs(ctx, taskID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCompleteReleaseRecoverPrune(t *testing.T) {
	s, st, now := newTestService(t)
	ctx := context.Background()
	taskID := uuid.New()
	schedule(t, s, st, taskID, domain.JobOverdue, now.Add(-time.Minute))

	due, err := s.DueJobs(ctx, *now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	j := due[0]

	ok, err := s.Claim(ctx, j)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Release(ctx, j.ID))

	ok, err = s.Claim(ctx, j)
	require.NoError(t, err)
	require.True(t, ok)
	requeued, failed, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)
	assert.Zero(t, failed)

	ok, err = s.Claim(ctx, j)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Complete(ctx, j.ID, domain.JobDelivered, 1, nil))

	got, err := st.Queries().GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDelivered, got.State)
	assert.Equal(t, 3, got.Claims)

	*now = now.Add(8 * 24 * time.Hour)
	n, err := s.Prune(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNextPester(t *testing.T) {
	s, _, now := newTestService(t)
	next, err := s.NextPester("30m", *now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Minute), next)

	next, err = s.NextPester("0 13 * * *", *now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC), next)

	_, err = s.NextPester("whenever", *now)
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestNudgeCoalesces(t *testing.T) {
	s, _, _ := newTestService(t)
	s.Nudge()
	s.Nudge()
	<-s.Wake()
	select {
	case <-s.Wake():
		t.Fatal("nudges should coalesce")
	default:
	}
}
