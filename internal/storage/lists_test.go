package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shamebot/internal/domain"
	logx "shamebot/pkg/logx"
)

func TestListQueries(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	q := s.Queries()
	now := time.Now().UTC().Truncate(time.Millisecond)

	l := domain.List{ID: uuid.New(), UserID: 42, GuildID: -3, Title: "chores", CreatedAt: now}
	require.NoError(t, q.InsertList(ctx, l))
	got, err := q.GetList(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l, got)
	assert.Error(t, q.InsertList(ctx, l), "ids are unique")

	created, err := q.EnsureList(ctx, domain.List{ID: l.ID, UserID: 42, Title: "renamed", CreatedAt: now})
	require.NoError(t, err)
	assert.False(t, created)
	got, err = q.GetList(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "chores", got.Title, "an existing list is left alone")

	empty := domain.List{ID: uuid.New(), UserID: 42, Title: "later", CreatedAt: now.Add(time.Second)}
	created, err = q.EnsureList(ctx, empty)
	require.NoError(t, err)
	assert.True(t, created)

	for i, checked := range []bool{true, false, false} {
		task := sampleTask(now.Add(time.Duration(i) * time.Millisecond))
		task.ListID = l.ID
		task.Checked = checked
		require.NoError(t, q.InsertTask(ctx, task))
	}
	stray := sampleTask(now)
	require.NoError(t, q.InsertTask(ctx, stray))

	tasks, err := q.TasksInList(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.True(t, tasks[0].Checked)
	assert.False(t, tasks[2].Checked)

	sums, err := q.ListsByUser(ctx, 42)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, l.ID, sums[0].ID)
	assert.Equal(t, 3, sums[0].Tasks)
	assert.Equal(t, 1, sums[0].Checked)
	assert.Equal(t, empty.ID, sums[1].ID)
	assert.Zero(t, sums[1].Tasks)

	_, err = q.GetList(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListsMigrationAdoptsExistingTasks(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	gooseMu.Lock()
	goose.SetBaseFS(migrationsFS)
	require.NoError(t, goose.SetDialect("sqlite3"))
	err := goose.DownTo(s.db, "migrations", 2)
	goose.SetBaseFS(nil)
	gooseMu.Unlock()
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	a, b := sampleTask(now), sampleTask(now.Add(time.Second))
	b.ListID = a.ListID
	require.NoError(t, s.Queries().InsertTask(ctx, a))
	require.NoError(t, s.Queries().InsertTask(ctx, b))

	require.NoError(t, migrate(s.db, dialectSQLite, logx.Nop()))
	l, err := s.Queries().GetList(ctx, a.ListID)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultListTitle, l.Title)
	assert.Equal(t, int64(42), l.UserID)
	assert.True(t, now.Equal(l.CreatedAt))
}
