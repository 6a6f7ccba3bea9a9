// Package bot routes Telegram commands to the tracker.
package bot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"shamebot/internal/runtime/supervisor"
	kit "shamebot/internal/transport"
	logx "shamebot/pkg/logx"
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	// Args are the whitespace-separated words after the command; Rest is
	// the raw text after it.
	Args    []string
	Rest    string
	PhotoID string
	ReqID   string

	Sender kit.Sender
	Logger logx.Logger
}

// Reply sends HTML text to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

type Config struct {
	Workers   int           // default 2
	QueueSize int           // default 64
	Timeout   time.Duration // per command; default 15s
	// Location is used to read due times typed by users.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type Router struct {
	cfg     Config
	sender  kit.Sender
	tracker Tracker
	log     logx.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cmds  []Command
	index map[string]*Command

	jobs chan func()

	supMu sync.Mutex
	sup   *supervisor.Supervisor
}

func New(cfg Config, sender kit.Sender, tr Tracker, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	r := &Router{
		cfg:     cfg,
		sender:  sender,
		tracker: tr,
		log:     log,
		now:     time.Now,
		jobs:    make(chan func(), cfg.QueueSize),
	}
	r.setRegistry(r.commands())
	return r
}

// Supervisor returns the worker pool supervisor while DispatchLoop runs.
func (r *Router) Supervisor() *supervisor.Supervisor {
	r.supMu.Lock()
	defer r.supMu.Unlock()
	return r.sup
}

func (r *Router) setRegistry(cmds []Command) {
	help := Command{
		Name:        "help",
		Aliases:     []string{"h", "start"},
		Description: "show this help",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText())
		},
	}
	cmds = append(cmds, help)

	index := make(map[string]*Command, len(cmds)*2)
	for i := range cmds {
		c := &cmds[i]
		index[c.Name] = c
		for _, a := range c.Aliases {
			if a = strings.TrimSpace(a); a != "" {
				if _, taken := index[a]; !taken {
					index[a] = c
				}
			}
		}
	}
	r.mu.Lock()
	r.cmds = cmds
	r.index = index
	r.mu.Unlock()
}

// PublishMenu pushes the command list to the chat client when the sender
// supports it.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.sender.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	r.mu.RLock()
	menu := buildMenu(r.cmds)
	r.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, menu)
}

// DispatchLoop routes updates until ctx is done or updates closes. Commands
// run on a bounded worker pool.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	r.supMu.Lock()
	r.sup = sup
	r.supMu.Unlock()

	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("queue_cap", cap(r.jobs)))
	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	req, cmd, ok := r.match(up)
	if !ok {
		return
	}
	run := r.handler(cmd)
	select {
	case r.jobs <- func() { _ = run(ctx, req) }:
	default:
		_ = req.Reply(ctx, "busy, try again in a moment.")
	}
}

// Handle runs one update synchronously. Tests and tools use it.
func (r *Router) Handle(ctx context.Context, up kit.Update) error {
	req, cmd, ok := r.match(up)
	if !ok {
		return nil
	}
	return r.handler(cmd)(ctx, req)
}

func (r *Router) handler(cmd Command) HandlerFunc {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	return Chain(cmd.Handle,
		MWReplyError(cmd.Usage),
		MWRequestLog(r.log),
		MWPanicRecover(r.log),
		MWTimeout(timeout),
	)
}

// match parses a message update into a request for a known command. Unknown
// commands get a hint in private chats and are ignored in groups.
func (r *Router) match(up kit.Update) (*Request, Command, bool) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return nil, Command{}, false
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil, Command{}, false
	}
	word, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	rest = strings.TrimSpace(rest)
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	c := r.index[word]
	r.mu.RUnlock()
	if c == nil {
		if !msg.IsGroup {
			_, _ = r.sender.SendText(context.Background(), chat, "i don't know that one. try /help", nil)
		}
		return nil, Command{}, false
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: c.Name,
		Args:    strings.Fields(rest),
		Rest:    rest,
		PhotoID: msg.PhotoID,
		ReqID:   rid,
		Sender:  r.sender,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", c.Name),
		),
	}
	return req, *c, true
}

func newReqID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b[:])
}
