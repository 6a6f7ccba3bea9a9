package tracker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shamebot/internal/domain"
	"shamebot/internal/storage"
	"shamebot/internal/task/scheduler"
	kit "shamebot/internal/transport"
	logx "shamebot/pkg/logx"
)

const (
	owner   int64 = 100
	partner int64 = 200
	other   int64 = 300
)

type recNotifier struct {
	mu   sync.Mutex
	sent []kit.Notification
}

func (r *recNotifier) Notify(_ context.Context, n kit.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recNotifier) all() []kit.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kit.Notification(nil), r.sent...)
}

type fixture struct {
	store *storage.Store
	sched *scheduler.Service
	svc   *Service
	notes *recNotifier
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "t.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st, notes: &recNotifier{}, now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	f.sched = scheduler.New(scheduler.Config{Timezone: "UTC"}, st, logx.Nop(), nil)
	f.sched.SetClock(func() time.Time { return f.now })
	f.svc = New(Config{}, st, f.sched, f.notes, logx.Nop(), nil)
	return f
}

func (f *fixture) create(t *testing.T, in CreateInput) domain.Task {
	t.Helper()
	if in.Actor == 0 {
		in.Actor = owner
	}
	if in.Title == "" {
		in.Title = "write report"
	}
	task, err := f.svc.CreateTask(context.Background(), in)
	require.NoError(t, err)
	return task
}

func (f *fixture) liveJobs(t *testing.T, taskID uuid.UUID) map[domain.JobKind]domain.Job {
	t.Helper()
	jobs, err := f.svc.TaskJobs(context.Background(), taskID)
	require.NoError(t, err)
	out := map[domain.JobKind]domain.Job{}
	for _, j := range jobs {
		if j.State.Live() {
			_, dup := out[j.Kind]
			require.False(t, dup, "two live %s jobs", j.Kind)
			out[j.Kind] = j
		}
	}
	return out
}

func (f *fixture) claim(t *testing.T, j domain.Job) domain.Job {
	t.Helper()
	ok, err := f.sched.Claim(context.Background(), j)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := f.store.Queries().GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) partnerUp(t *testing.T, taskID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.RequestAccountability(ctx, owner, partner, taskID)
	require.NoError(t, err)
	_, err = f.svc.RespondAccountability(ctx, partner, taskID, true)
	require.NoError(t, err)
}

func strp(s string) *string { return &s }

func TestCreateDerivesJobsAndCheckCancelsThem(t *testing.T) {
	f := newFixture(t)
	due := f.now.Add(3600 * time.Second)
	task := f.create(t, CreateInput{DueAt: due, Pester: "1800s"})

	live := f.liveJobs(t, task.ID)
	require.Len(t, live, 3)
	assert.True(t, live[domain.JobReminder].FireAt.Before(due))
	assert.Equal(t, due, live[domain.JobOverdue].FireAt)
	assert.Equal(t, f.now.Add(1800*time.Second), live[domain.JobPester].FireAt)
	for _, k := range domain.JobKinds {
		assert.True(t, task.JobRef(k).Valid, k.String())
		assert.Equal(t, live[k].ID, task.JobRef(k).Handle.ID)
	}

	checked, err := f.svc.CheckTask(context.Background(), owner, task.ID)
	require.NoError(t, err)
	assert.True(t, checked.Checked)
	assert.Empty(t, f.liveJobs(t, task.ID))

	due2, err := f.sched.DueJobs(context.Background(), f.now.Add(48*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due2)

	_, err = f.svc.CheckTask(context.Background(), owner, task.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCreateEdgeSchedules(t *testing.T) {
	f := newFixture(t)

	past := f.create(t, CreateInput{DueAt: f.now.Add(-time.Hour)})
	live := f.liveJobs(t, past.ID)
	require.Len(t, live, 1, "only the overdue job")
	assert.Equal(t, f.now, live[domain.JobOverdue].FireAt)

	soon := f.create(t, CreateInput{DueAt: f.now.Add(20 * time.Minute)})
	live = f.liveJobs(t, soon.ID)
	assert.Equal(t, f.now, live[domain.JobReminder].FireAt, "reminder clamps to now inside the lead window")

	// The first pester falls after due, so none is scheduled.
	late := f.create(t, CreateInput{DueAt: f.now.Add(10 * time.Minute), Pester: "30m"})
	_, ok := f.liveJobs(t, late.ID)[domain.JobPester]
	assert.False(t, ok)

	open := f.create(t, CreateInput{Pester: "every:2h"})
	live = f.liveJobs(t, open.ID)
	require.Len(t, live, 1)
	assert.Equal(t, f.now.Add(2*time.Hour), live[domain.JobPester].FireAt)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateTask(ctx, CreateInput{Actor: owner, Title: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalid)

	_, err = f.svc.CreateTask(ctx, CreateInput{Actor: owner, Title: "x", Pester: "whenever"})
	assert.ErrorIs(t, err, domain.ErrInvalid)

	long := make([]byte, 257)
	for i := range long {
		long[i] = 'a'
	}
	_, err = f.svc.CreateTask(ctx, CreateInput{Actor: owner, Title: string(long)})
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestEditReschedulesAndOldHandleGoesStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, CreateInput{DueAt: f.now.Add(2 * time.Hour), Pester: "30m"})
	before := f.liveJobs(t, task.ID)

	newDue := f.now.Add(5 * time.Hour)
	edited, err := f.svc.EditTask(ctx, EditInput{Actor: owner, TaskID: task.ID, DueAt: &newDue})
	require.NoError(t, err)
	assert.Equal(t, newDue, edited.DueAt)

	after := f.liveJobs(t, task.ID)
	require.Len(t, after, 3)
	assert.Equal(t, newDue, after[domain.JobOverdue].FireAt)
	for k, old := range before {
		assert.NotEqual(t, old.ID, after[k].ID, k.String())
		assert.Greater(t, after[k].Generation, old.Generation)

		_, err := f.svc.HandleJob(ctx, old)
		assert.ErrorIs(t, err, domain.ErrStaleJob, k.String())
	}

	// Title edits leave jobs alone.
	_, err = f.svc.EditTask(ctx, EditInput{Actor: owner, TaskID: task.ID, Title: strp("write the report")})
	require.NoError(t, err)
	assert.Equal(t, after, f.liveJobs(t, task.ID))
}

func TestEditClearsOverdueAndPesterCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, CreateInput{DueAt: f.now.Add(-time.Minute)})

	j := f.claim(t, f.liveJobs(t, task.ID)[domain.JobOverdue])
	notes, err := f.svc.HandleJob(ctx, j)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Overdue)
	assert.Equal(t, "overdue", got.Status())

	due := f.now.Add(time.Hour)
	edited, err := f.svc.EditTask(ctx, EditInput{Actor: owner, TaskID: task.ID, DueAt: &due, Pester: strp("20m")})
	require.NoError(t, err)
	assert.False(t, edited.Overdue)
	assert.Zero(t, edited.PesterCount)
	assert.Len(t, f.liveJobs(t, task.ID), 3)
}

func TestOnlyOwnerMutates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, CreateInput{})

	_, err := f.svc.EditTask(ctx, EditInput{Actor: other, TaskID: task.ID, Title: strp("mine now")})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.CheckTask(ctx, other, task.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.ErrorIs(t, f.svc.DeleteTask(ctx, other, task.ID), domain.ErrForbidden)
	_, err = f.svc.RequestAccountability(ctx, other, partner, task.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.View(ctx, other, task.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.CheckTask(ctx, owner, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNoPartnerOrRejectedChecksFreely(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	solo := f.create(t, CreateInput{})
	_, err := f.svc.CheckTask(ctx, owner, solo.ID)
	require.NoError(t, err)

	declined := f.create(t, CreateInput{})
	_, err = f.svc.RequestAccountability(ctx, owner, partner, declined.ID)
	require.NoError(t, err)
	req, err := f.svc.RespondAccountability(ctx, partner, declined.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestRejected, req.Status)

	_, err = f.svc.SubmitProof(ctx, ProofInput{Actor: owner, TaskID: declined.ID, Content: strp("done")})
	assert.ErrorIs(t, err, domain.ErrGateNotSatisfied, "proof needs an accepted partner")

	_, err = f.svc.CheckTask(ctx, owner, declined.ID)
	require.NoError(t, err)
}

func TestProofGateScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, CreateInput{GuildID: -500})
	f.partnerUp(t, task.ID)

	_, err := f.svc.CheckTask(ctx, owner, task.ID)
	assert.ErrorIs(t, err, domain.ErrGateNotSatisfied, "no proof yet")

	_, err = f.svc.SubmitProof(ctx, ProofInput{Actor: owner, TaskID: task.ID})
	assert.ErrorIs(t, err, domain.ErrInvalid)

	p1, err := f.svc.SubmitProof(ctx, ProofInput{Actor: owner, TaskID: task.ID, Content: strp("done")})
	require.NoError(t, err)
	_, err = f.svc.CheckTask(ctx, owner, task.ID)
	assert.ErrorIs(t, err, domain.ErrGateNotSatisfied, "proof not reviewed")

	_, err = f.svc.ReviewProof(ctx, other, p1.ID, true)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	rejected, err := f.svc.ReviewProof(ctx, partner, p1.ID, false)
	require.NoError(t, err)
	assert.True(t, rejected.Rejected)
	_, err = f.svc.ReviewProof(ctx, partner, p1.ID, true)
	assert.ErrorIs(t, err, domain.ErrConflict, "reviewed proofs are immutable")
	_, err = f.svc.CheckTask(ctx, owner, task.ID)
	assert.ErrorIs(t, err, domain.ErrGateNotSatisfied)

	p2, err := f.svc.SubmitProof(ctx, ProofInput{Actor: owner, TaskID: task.ID, Image: strp("photo.png")})
	require.NoError(t, err)
	_, err = f.svc.ReviewProof(ctx, partner, p1.ID, true)
	assert.ErrorIs(t, err, domain.ErrNotFound, "the old proof was discarded")

	approved, err := f.svc.ReviewProof(ctx, partner, p2.ID, true)
	require.NoError(t, err)
	assert.True(t, approved.Approved)

	checked, err := f.svc.CheckTask(ctx, owner, task.ID)
	require.NoError(t, err)
	assert.True(t, checked.Checked)

	v, err := f.svc.View(ctx, partner, task.ID)
	require.NoError(t, err)
	assert.True(t, v.Gated())
	require.NotNil(t, v.Proof)
	assert.Equal(t, p2.ID, v.Proof.ID)

	// request, accept, proof, reject, proof, approve; all in the task chat.
	notes := f.notes.all()
	require.Len(t, notes, 6)
	for _, n := range notes {
		assert.Equal(t, int64(-500), n.Target.ChatID)
		assert.Equal(t, "HTML", n.Options.ParseMode)
	}
	assert.Contains(t, notes[3].Text, "rejected")
	assert.Contains(t, notes[5].Text, "approved")
}

func TestRespondTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, CreateInput{})

	_, err := f.svc.RespondAccountability(ctx, partner, task.ID, true)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.RequestAccountability(ctx, owner, partner, task.ID)
	require.NoError(t, err)
	_, err = f.svc.RequestAccountability(ctx, owner, partner, task.ID)
	assert.ErrorIs(t, err, domain.ErrConflict, "pending request already exists")

	_, err = f.svc.RespondAccountability(ctx, partner, task.ID, true)
	require.NoError(t, err)
	_, err = f.svc.RespondAccountability(ctx, partner, task.ID, false)
	assert.ErrorIs(t, err, domain.ErrConflict)

	req, err := f.store.Queries().GetRequest(ctx, task.ID, partner)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestAccepted, req.Status, "first response stands")
}

func TestRequestRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, CreateInput{})

	_, err := f.svc.RequestAccountability(ctx, owner, owner, task.ID)
	assert.ErrorIs(t, err, domain.ErrInvalid)

	_, err = f.svc.RequestAccountability(ctx, owner, partner, task.ID)
	require.NoError(t, err)
	_, err = f.svc.RespondAccountability(ctx, partner, task.ID, false)
	require.NoError(t, err)

	// A rejected request can be reopened.
	req, err := f.svc.RequestAccountability(ctx, owner, partner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, req.Status)

	_, err = f.svc.RespondAccountability(ctx, partner, task.ID, false)
	require.NoError(t, err)
	_, err = f.svc.CheckTask(ctx, owner, task.ID)
	require.NoError(t, err)
	_, err = f.svc.RequestAccountability(ctx, owner, other, task.ID)
	assert.ErrorIs(t, err, domain.ErrConflict, "checked task")
}

func TestDeleteDropsJobsAndRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, CreateInput{DueAt: f.now.Add(time.Hour), Pester: "10m"})
	f.partnerUp(t, task.ID)
	p, err := f.svc.SubmitProof(ctx, ProofInput{Actor: owner, TaskID: task.ID, Content: strp("half done")})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteTask(ctx, owner, task.ID))

	due, err := f.sched.DueJobs(ctx, f.now.Add(24*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
	_, err = f.svc.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.store.Queries().GetProof(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.store.Queries().GetRequest(ctx, task.ID, partner)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	audit, err := f.store.Queries().AuditForTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "task.delete", audit[len(audit)-1].Action)
}

func TestPesterHandlerCountsAndReschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, CreateInput{DueAt: f.now.Add(3 * time.Hour), Pester: "1h", PesterMax: 2})
	f.partnerUp(t, task.ID)

	f.now = f.now.Add(time.Hour)
	j := f.claim(t, f.liveJobs(t, task.ID)[domain.JobPester])
	notes, err := f.svc.HandleJob(ctx, j)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Text, "still isn't finished yet")
	assert.Contains(t, notes[0].Text, "upset with you")
	assert.Contains(t, notes[0].Text, "use your time wisely")

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PesterCount)
	next := f.liveJobs(t, task.ID)[domain.JobPester]
	assert.Equal(t, f.now.Add(time.Hour), next.FireAt)
	assert.Equal(t, next.ID, got.PesterJob.Handle.ID)

	fired, err := f.store.Queries().GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDelivering, fired.State)

	// The second pester hits the cap; nothing follows it.
	f.now = f.now.Add(time.Hour)
	_, err = f.svc.HandleJob(ctx, f.claim(t, next))
	require.NoError(t, err)
	_, ok := f.liveJobs(t, task.ID)[domain.JobPester]
	assert.False(t, ok)
}

func TestCheckWinsOverInFlightJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, CreateInput{DueAt: f.now.Add(30 * time.Minute)})
	j := f.claim(t, f.liveJobs(t, task.ID)[domain.JobReminder])

	_, err := f.svc.CheckTask(ctx, owner, task.ID)
	require.NoError(t, err)

	notes, err := f.svc.HandleJob(ctx, j)
	assert.ErrorIs(t, err, domain.ErrStaleJob)
	assert.Empty(t, notes)
}

func TestReconcileAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, CreateInput{DueAt: f.now.Add(4 * time.Hour)})
	before := f.liveJobs(t, task.ID)

	jobs, err := f.svc.Reconcile(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	after := f.liveJobs(t, task.ID)
	assert.NotEqual(t, before[domain.JobOverdue].ID, after[domain.JobOverdue].ID)

	_, err = f.svc.Reconcile(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// A task removed behind the tracker's back leaves live jobs; Resume
	// drops them.
	require.NoError(t, f.store.InTx(ctx, func(q *storage.Queries) error {
		return q.DeleteTask(ctx, task.ID)
	}))
	require.NoError(t, f.svc.Resume(ctx))
	jobsLeft, err := f.sched.TaskJobs(ctx, task.ID)
	require.NoError(t, err)
	for _, j := range jobsLeft {
		assert.False(t, j.State.Live(), j.Kind.String())
	}
}

func TestTaskLocksAreReleased(t *testing.T) {
	l := newTaskLocks()
	id := uuid.New()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(id)
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Zero(t, l.size())
}

func TestOverdueCancelsLivePester(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := f.now.Add(2 * time.Hour)
	task := f.create(t, CreateInput{DueAt: due, Pester: "1m"})
	jobs := f.liveJobs(t, task.ID)
	require.Contains(t, jobs, domain.JobPester)

	// A pester claimed just before the deadline is still in flight when
	// the overdue job fires.
	f.now = due
	pester := f.claim(t, jobs[domain.JobPester])
	overdue := f.claim(t, jobs[domain.JobOverdue])

	notes, err := f.svc.HandleJob(ctx, overdue)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Text, "disappointed")

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Overdue)
	assert.False(t, got.PesterJob.Valid)
	_, live := f.liveJobs(t, task.ID)[domain.JobPester]
	assert.False(t, live)

	cancelled, err := f.store.Queries().GetJob(ctx, pester.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, cancelled.State)

	late, err := f.svc.HandleJob(ctx, pester)
	assert.ErrorIs(t, err, domain.ErrStaleJob)
	assert.Empty(t, late)
	ok, err := f.sched.Claim(ctx, jobs[domain.JobPester])
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Zero(t, got.PesterCount)
}
