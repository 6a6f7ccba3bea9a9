package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "shamebot/internal/transport"
	logx "shamebot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fails int
	err   error
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, f.err
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = until
	return nil
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.m[key]
	return u, ok, nil
}

func TestDeliverKeyedIsSentOnce(t *testing.T) {
	fs := &fakeSender{}
	store := &memDedup{m: map[string]time.Time{}}
	s := New(Config{RatePerSec: 100}, fs, logx.Nop(), nil, store)

	n := kit.Notification{Channel: "task", Target: kit.ChatTarget{ChatID: 7}, Text: "hi", Key: "job-1/0"}
	require.NoError(t, s.Deliver(context.Background(), n))
	require.NoError(t, s.Deliver(context.Background(), n))
	assert.Equal(t, []string{"hi"}, fs.texts())

	_, ok, _ := store.GetDedup(context.Background(), "job-1/0")
	assert.True(t, ok, "keyed deliveries are persisted")

	// A fresh service sharing the store (a restart) still suppresses it.
	s2 := New(Config{RatePerSec: 100}, fs, logx.Nop(), nil, store)
	require.NoError(t, s2.Deliver(context.Background(), n))
	assert.Len(t, fs.texts(), 1)
}

func TestDeliverReturnsTransportError(t *testing.T) {
	down := errors.New("telegram down")
	fs := &fakeSender{fails: 1, err: down}
	s := New(Config{RatePerSec: 100}, fs, logx.Nop(), nil, nil)

	n := kit.Notification{Channel: "task", Target: kit.ChatTarget{ChatID: 1}, Text: "x", Key: "k"}
	err := s.Deliver(context.Background(), n)
	require.ErrorIs(t, err, down)

	// Failure does not mark the key; the retry goes out.
	require.NoError(t, s.Deliver(context.Background(), n))
	assert.Equal(t, []string{"x"}, fs.texts())
}

func TestAlertUsesOpsTarget(t *testing.T) {
	fs := &fakeSender{}
	s := New(Config{RatePerSec: 100}, fs, logx.Nop(), nil, nil)
	require.NoError(t, s.Alert(context.Background(), "dropped"))
	assert.Empty(t, fs.texts(), "no ops chat, nothing sent")

	s.SetOpsTarget(kit.ChatTarget{ChatID: -100})
	require.NoError(t, s.Alert(context.Background(), "job failed"))
	assert.Equal(t, []string{"🚨 job failed"}, fs.texts())
}

func TestNotifyRetriesAndDedups(t *testing.T) {
	fs := &fakeSender{fails: 2, err: errors.New("flaky")}
	s := New(Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    100,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		DedupWindow:   time.Minute,
	}, fs, logx.Nop(), nil, nil)
	s.Start(context.Background())

	n := kit.Notification{Channel: "accountability", Target: kit.ChatTarget{ChatID: 3}, Text: "please review"}
	require.NoError(t, s.Notify(context.Background(), n))
	require.NoError(t, s.Notify(context.Background(), n))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	assert.Equal(t, []string{"please review"}, fs.texts())
	assert.ErrorIs(t, s.Notify(context.Background(), n), ErrStopped)
}

func TestNotifyDisabled(t *testing.T) {
	s := New(Config{}, &fakeSender{}, logx.Nop(), nil, nil)
	assert.ErrorIs(t, s.Notify(context.Background(), kit.Notification{Text: "x"}), ErrDisabled)
}

type floodErr struct{ after time.Duration }

func (e floodErr) Error() string             { return "flood" }
func (e floodErr) RetryAfter() time.Duration { return e.after }

func TestRetryDelayHonorsFloodWait(t *testing.T) {
	cfg := Config{RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Second}
	d := retryDelay(cfg, 1, floodErr{after: 3 * time.Second})
	assert.Equal(t, 3*time.Second, d)

	d = retryDelay(cfg, 1, floodErr{after: time.Minute})
	assert.Equal(t, 5*time.Second, d)
}
