package bot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shamebot/internal/domain"
	"shamebot/internal/storage"
	"shamebot/internal/task/scheduler"
	"shamebot/internal/tracker"
	kit "shamebot/internal/transport"
	logx "shamebot/pkg/logx"
)

type sentMsg struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
	menu []kit.BotCommand
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = cmds
	return nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].text
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type env struct {
	r    *Router
	out  *fakeSender
	tr   *tracker.Service
	now  time.Time
	user int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "b.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	e := &env{out: &fakeSender{}, now: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), user: 11}
	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, st, logx.Nop(), nil)
	sched.SetClock(func() time.Time { return e.now })
	e.tr = tracker.New(tracker.Config{}, st, sched, nil, logx.Nop(), nil)
	e.r = New(Config{Location: time.UTC}, e.out, e.tr, logx.Nop())
	e.r.now = func() time.Time { return e.now }
	return e
}

func (e *env) send(t *testing.T, from int64, text string) string {
	t.Helper()
	return e.sendMsg(t, &kit.Message{ChatID: from, FromID: from, Text: text})
}

func (e *env) sendMsg(t *testing.T, msg *kit.Message) string {
	t.Helper()
	before := e.out.count()
	_ = e.r.Handle(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: msg})
	if e.out.count() == before {
		return ""
	}
	return e.out.last()
}

var reID = regexp.MustCompile(`<code>([0-9a-f-]{36})</code>`)

func idFrom(t *testing.T, reply string) string {
	t.Helper()
	m := reID.FindStringSubmatch(reply)
	require.Len(t, m, 2, reply)
	return m[1]
}

func TestNewListAndCheck(t *testing.T) {
	e := newEnv(t)
	reply := e.send(t, e.user, "/new write <essay> | due=2025-03-10T18:00 | pester=2h | max=3")
	assert.Contains(t, reply, "added <b>write &lt;essay&gt;</b>")
	assert.Contains(t, reply, "due Mon Mar 10 18:00 UTC")
	id := idFrom(t, reply)

	tasks, err := e.tr.UserTasks(context.Background(), e.user)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "2h", tasks[0].Pester)
	assert.Equal(t, 3, tasks[0].PesterMax)

	assert.Contains(t, e.send(t, e.user, "/tasks"), id)
	detail := e.send(t, e.user, "/task "+id)
	assert.Contains(t, detail, "pester: <code>2h</code> (0 sent of 3)")
	assert.Contains(t, detail, "⏰ overdue at Mon Mar 10 18:00 UTC")

	assert.Contains(t, e.send(t, 99, "/check "+id), "not yours")
	assert.Contains(t, e.send(t, e.user, "/done "+id), "is done")
	assert.Contains(t, e.send(t, e.user, "/check "+id), "already been settled")
}

func TestGroupTaskReportsToChat(t *testing.T) {
	e := newEnv(t)
	reply := e.sendMsg(t, &kit.Message{ChatID: -77, FromID: e.user, IsGroup: true, Text: "/new@shamebot clean up"})
	id := idFrom(t, reply)
	tasks, err := e.tr.UserTasks(context.Background(), e.user)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(-77), tasks[0].GuildID)
	assert.Equal(t, id, tasks[0].ID.String())

	assert.Empty(t, e.sendMsg(t, &kit.Message{ChatID: -77, FromID: e.user, IsGroup: true, Text: "/nope"}), "unknown commands are ignored in groups")
	assert.Contains(t, e.send(t, e.user, "/nope"), "/help")
	assert.Empty(t, e.send(t, e.user, "just chatting"))
}

func TestListCommands(t *testing.T) {
	e := newEnv(t)
	assert.Contains(t, e.send(t, e.user, "/lists"), "no lists yet")

	reply := e.send(t, e.user, "/newlist groceries")
	assert.Contains(t, reply, "created <b>groceries</b>")
	listID := idFrom(t, reply)

	milk := idFrom(t, e.send(t, e.user, "/new milk | list="+listID))
	idFrom(t, e.send(t, e.user, "/new eggs | list="+listID))
	idFrom(t, e.send(t, e.user, "/new call mom"))
	assert.Contains(t, e.send(t, e.user, "/check "+milk), "is done")

	view := e.send(t, e.user, "/list "+listID)
	assert.Contains(t, view, "<b>groceries</b> (1/2 done)")
	assert.Contains(t, view, "☑ <b>milk</b>")
	assert.Contains(t, view, "☐ <b>eggs</b>")
	assert.NotContains(t, view, "call mom")

	all := e.send(t, e.user, "/lists")
	assert.Contains(t, all, "groceries (1/2 done)")
	assert.Contains(t, all, domain.DefaultListTitle+" (0/1 done)")
	assert.Contains(t, all, tracker.DefaultListID(e.user).String())

	tests := []struct {
		name string
		from int64
		text string
		want string
	}{
		{"someone else's list", 99, "/list " + listID, "not yours"},
		{"add to someone else's list", 99, "/new bread | list=" + listID, "not yours"},
		{"unknown list", e.user, "/list " + uuid.NewString(), "couldn't find"},
		{"add to unknown list", e.user, "/new bread | list=" + uuid.NewString(), "couldn't find"},
		{"bad list id", e.user, "/new bread | list=groceries", "doesn't look right"},
		{"untitled list", e.user, "/newlist   ", "doesn't look right"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Contains(t, e.send(t, tc.from, tc.text), tc.want)
		})
	}
}

func TestAccountabilityFlowOverCommands(t *testing.T) {
	e := newEnv(t)
	const friend int64 = 22
	id := idFrom(t, e.send(t, e.user, "/new run 5k"))

	assert.Contains(t, e.send(t, e.user, "/partner "+id+" "+fmt.Sprint(e.user)), "doesn't look right")
	assert.Contains(t, e.send(t, e.user, "/partner "+id+" "+fmt.Sprint(friend)), "request sent")
	assert.Contains(t, e.send(t, friend, "/accept "+id), "accountability partner")
	assert.Contains(t, e.send(t, friend, "/accept "+id), "already been settled")

	assert.Contains(t, e.send(t, e.user, "/check "+id), "approve your /proof")

	reply := e.sendMsg(t, &kit.Message{ChatID: e.user, FromID: e.user, Text: "/proof " + id, PhotoID: "AgADphoto"})
	proofID := idFrom(t, reply)
	v, err := e.tr.View(context.Background(), e.user, uuid.MustParse(id))
	require.NoError(t, err)
	require.NotNil(t, v.Proof)
	require.NotNil(t, v.Proof.Image)
	assert.Equal(t, "AgADphoto", *v.Proof.Image)
	assert.Nil(t, v.Proof.Content)

	assert.Contains(t, e.send(t, e.user, "/approve "+proofID), "not yours")
	assert.Contains(t, e.send(t, friend, "/approve "+proofID), "approved")
	assert.Contains(t, e.send(t, e.user, "/check "+id), "is done")
}

func TestDueCommand(t *testing.T) {
	e := newEnv(t)
	id := idFrom(t, e.send(t, e.user, "/new stretch"))

	assert.Contains(t, e.send(t, e.user, "/due "+id+" 90m"), "due Mon Mar 10 09:30 UTC")
	assert.Contains(t, e.send(t, e.user, "/due "+id+" none"), "no longer has a due date")
	assert.Contains(t, e.send(t, e.user, "/due "+id+" someday"), "usage: <code>/due &lt;id&gt; &lt;time|none&gt;</code>")
	assert.Contains(t, e.send(t, e.user, "/due nope 1h"), "doesn't look right")
}

func TestHelpAndMenu(t *testing.T) {
	e := newEnv(t)
	help := e.send(t, e.user, "/help")
	assert.Contains(t, help, "/partner &lt;id&gt; &lt;user_id&gt;")
	assert.Contains(t, help, "/approve &lt;proof_id&gt;")

	require.NoError(t, e.r.PublishMenu(context.Background()))
	names := make([]string, 0, len(e.out.menu))
	for _, c := range e.out.menu {
		names = append(names, c.Command)
	}
	assert.Contains(t, names, "new")
	assert.Contains(t, names, "help")
	assert.NotContains(t, names, "add", "aliases stay out of the menu")
}

func TestDispatchLoopRunsCommands(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 1)
	done := make(chan error, 1)
	go func() { done <- e.r.DispatchLoop(ctx, updates) }()

	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: e.user, FromID: e.user, Text: "/tasks"}}
	require.Eventually(t, func() bool { return e.out.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, e.out.last(), "no tasks yet")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}

func TestPanicBecomesReply(t *testing.T) {
	out := &fakeSender{}
	req := &Request{Chat: kit.ChatTarget{ChatID: 1}, Sender: out, Command: "boom"}
	h := Chain(func(context.Context, *Request) error { panic("kaboom") },
		MWReplyError(""), MWRequestLog(logx.Nop()), MWPanicRecover(logx.Nop()))
	err := h(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, out.last(), "something went wrong")
}

func TestErrorText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", domain.ErrNotFound), "couldn't find"},
		{fmt.Errorf("x: %w", domain.ErrGateNotSatisfied), "approve"},
		{fmt.Errorf("x: %w", domain.ErrInvalid), "/help"},
		{errors.New("disk on fire"), "my side"},
	}
	for _, tt := range tests {
		assert.Contains(t, errorText(tt.err, ""), tt.want)
	}
}

func TestParseDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	loc := time.FixedZone("WIB", 7*3600)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "+2h", want: now.Add(2 * time.Hour)},
		{in: "45m", want: now.Add(45 * time.Minute)},
		{in: "2025-03-11T09:30", want: time.Date(2025, 3, 11, 9, 30, 0, 0, loc)},
		{in: "2025-03-11 09:30", want: time.Date(2025, 3, 11, 9, 30, 0, 0, loc)},
		{in: "2025-03-11", want: time.Date(2025, 3, 11, 23, 59, 0, 0, loc)},
		{in: "2025-03-11T09:30:00Z", want: time.Date(2025, 3, 11, 9, 30, 0, 0, time.UTC)},
		{in: "-1h", wantErr: true},
		{in: "tomorrow", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseDue(tt.in, now, loc)
		if tt.wantErr {
			assert.ErrorIs(t, err, domain.ErrInvalid, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.in, got)
	}
}

func TestParseDueBareDateOnDSTDay(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, loc)
	// Clocks jump forward on this day, so it is 23 hours long.
	got, err := parseDue("2025-03-09", now, loc)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Day())
	assert.Equal(t, 23, got.Hour())
	assert.Equal(t, 59, got.Minute())
}

func TestParseNewTask(t *testing.T) {
	t.Parallel()
	a, err := parseNewTask("read | due=+1h | pester=every:30m | max=2")
	require.NoError(t, err)
	assert.Equal(t, newTaskArgs{title: "read", due: "+1h", pester: "every:30m", pesterMax: 2}, a)

	list := uuid.New()
	a, err = parseNewTask("read | list=" + list.String())
	require.NoError(t, err)
	assert.Equal(t, list, a.list)

	_, err = parseNewTask("read | colour=blue")
	assert.ErrorIs(t, err, domain.ErrInvalid)
	_, err = parseNewTask("read | max=lots")
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestSanitizeCommand(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "my_cmd", sanitizeCommand(" My-Cmd "))
	assert.Equal(t, "a_b", sanitizeCommand("a//b"))
	assert.Equal(t, "", sanitizeCommand("!!!"))
}
