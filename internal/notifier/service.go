package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"shamebot/internal/eventbus"
	rtsup "shamebot/internal/runtime/supervisor"
	kit "shamebot/internal/transport"
	logx "shamebot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Keyed deliveries stay suppressed at least this long.
const keyedDedupTTL = 7 * 24 * time.Hour

const sendTimeout = 10 * time.Second

type job struct {
	n   kit.Notification
	key string
}

// Service implements both delivery paths. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	store  DedupStore

	cfg     Config
	limiter *rate.Limiter
	ops     kit.ChatTarget

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

type dedupWrite struct {
	key   string
	until time.Time
}

// New builds the service. store may be nil; keyed dedup then lives in memory
// only.
func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
		now:    time.Now,
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// Burst = rate per sec so short spikes don't block.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetOpsTarget sets where Alert sends. A zero ChatID disables alerts.
func (s *Service) SetOpsTarget(to kit.ChatTarget) {
	s.mu.Lock()
	s.ops = to
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	pch := s.persistCh
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch)
			return s.exitReason(c)
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitReason(c)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("queue", cap(q)))
}

func (s *Service) exitReason(c context.Context) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return errors.New("notifier loop exited unexpectedly")
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	pch := s.persistCh
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes.
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("notifier stopped")
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Deliver sends n now and returns the transport error unchanged in its
// chain, so flood waits reach the caller's retry policy. A notification
// already delivered under the same key is skipped.
func (s *Service) Deliver(ctx context.Context, n kit.Notification) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	key, window, persist := n.Key, cfg.DedupWindow, cfg.PersistDedup
	if key != "" {
		window, persist = max(window, keyedDedupTTL), true
	} else {
		key = dedupKey(n)
	}
	if window > 0 && key != "" && s.suppressed(ctx, key, persist) {
		s.publish(eventbus.NotifyDeduped, n, key, nil)
		return nil
	}
	if err := s.send(ctx, n); err != nil {
		s.publish(eventbus.NotifyFailed, n, key, err)
		return err
	}
	if window > 0 && key != "" {
		until := s.now().Add(window)
		s.remember(key, until, cfg.DedupMaxEntries)
		if persist && n.Key != "" {
			s.persistNow(ctx, key, until)
		}
	}
	s.publish(eventbus.NotifySent, n, key, nil)
	return nil
}

// Notify queues n for async delivery with retries. Duplicates inside the
// dedup window are dropped.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := n.Key
	if key == "" {
		key = dedupKey(n)
	}
	if cfg.DedupWindow > 0 && key != "" {
		if s.suppressed(ctx, key, cfg.PersistDedup) {
			s.publish(eventbus.NotifyDeduped, n, key, nil)
			return nil
		}
		until := s.now().Add(cfg.DedupWindow)
		s.remember(key, until, cfg.DedupMaxEntries)
		if pch != nil {
			select {
			case pch <- dedupWrite{key: key, until: until}:
			default:
			}
		}
	}

	select {
	case q <- job{n: n, key: key}:
		return nil
	default:
		s.publish(eventbus.NotifyFailed, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// Alert sends a high-priority line to the operator chat.
func (s *Service) Alert(ctx context.Context, text string) error {
	s.mu.Lock()
	to := s.ops
	s.mu.Unlock()
	if to.ChatID == 0 {
		s.log.Warn("ops alert dropped: no ops chat configured", logx.String("text", text))
		return nil
	}
	return s.Deliver(ctx, kit.Notification{Channel: "ops", Priority: 9, Target: to, Text: text, Options: &kit.SendOptions{DisablePreview: true}})
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(n kit.Notification, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), Channel: n.Channel, ChatID: n.Target.ChatID, Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, n kit.Notification, key string, err error) {
	ev := eventbus.NotifyEvent{Channel: n.Channel, ChatID: n.Target.ChatID, Key: key}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

// send does one rate-limited transport call.
func (s *Service) send(ctx context.Context, n kit.Notification) error {
	s.mu.Lock()
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return errors.New("notifier: no sender")
	}
	text := prefixForPriority(n.Priority) + n.Text
	if text == "" {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := sender.SendText(callCtx, n.Target, text, n.Options); err != nil {
		return fmt.Errorf("send to chat %d: %w", n.Target.ChatID, err)
	}
	s.appendHistory(n, text)
	return nil
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) persistNow(ctx context.Context, key string, until time.Time) {
	if s.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.store.PutDedup(cctx, key, until); err != nil {
		s.log.Warn("dedup persist failed", logx.String("key", key), logx.Err(err))
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.send(ctx, j.n)
		if err == nil {
			s.publish(eventbus.NotifySent, j.n, j.key, nil)
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt, err))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("notification dropped after retries", logx.String("channel", j.n.Channel), logx.Int64("chat", j.n.Target.ChatID), logx.Err(lastErr))
	s.publish(eventbus.NotifyFailed, j.n, j.key, lastErr)
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}

func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d:%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) suppressed(ctx context.Context, key string, persist bool) bool {
	now := s.now()
	s.dmu.Lock()
	until, ok := s.dedup[key]
	s.dmu.Unlock()
	if ok && now.Before(until) {
		return true
	}
	if !persist || s.store == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 250*time.Millisecond)
	defer cancel()
	until, ok, err := s.store.GetDedup(cctx, key)
	if err != nil {
		s.log.Debug("dedup lookup failed", logx.String("key", key), logx.Err(err))
		return false
	}
	if ok && now.Before(until) {
		s.dmu.Lock()
		s.dedup[key] = until
		s.dmu.Unlock()
		return true
	}
	return false
}

func (s *Service) remember(key string, until time.Time, maxEntries int) {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// Evict earliest expiry until within cap.
	for maxEntries > 0 && len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
}

// retryDelay is exponential from RetryBase with 0.7..1.3 jitter. A flood
// wait from the transport wins when it is longer.
func retryDelay(cfg Config, attempt int, err error) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	var ra interface{ RetryAfter() time.Duration }
	if errors.As(err, &ra) && ra.RetryAfter() > d {
		d = ra.RetryAfter()
	}
	return min(d, cfg.RetryMaxDelay)
}
