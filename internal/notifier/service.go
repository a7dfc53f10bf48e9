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

	"assistd/internal/eventbus"
	rtsup "assistd/internal/runtime/supervisor"
	"assistd/internal/storage"
	"assistd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoSender  = errors.New("no sender for channel")
)

type job struct {
	d        Delivery
	dedupKey string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service implements the delivery pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	cfg     Config
	limiter *rate.Limiter
	senders map[string]Sender

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
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		log:     log,
		bus:     bus,
		store:   store,
		senders: map[string]Sender{},
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// SetSender registers (or with nil, removes) the sender for channel.
func (s *Service) SetSender(channel string, sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sender == nil {
		delete(s.senders, channel)
		return
	}
	s.senders[channel] = sender
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
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
		cfg.RatePerSec = 3
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
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// burst = rate per sec so short spikes don't block too hard
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. A disabled pipeline does not start.
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
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// delivery is best-effort and must not take the app down
		rtsup.WithCancelOnError(false),
	)
	sup, q, pch, st, workers := s.sup, s.queue, s.persistCh, s.store, s.cfg.Workers
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.loopExit(c, "dedup persist")
		})
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.loopExit(c, "worker")
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// loopExit maps a returned loop to nil on shutdown and an error otherwise, so
// the supervisor restarts unexpected exits only.
func (s *Service) loopExit(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping || c.Err() != nil {
		return nil
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
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
		// in-flight Deliver calls finish before the queue closes
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.persistCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = sup.Stop(ctx)
	}
}

// Deliver queues d. Duplicates inside the dedup window are dropped silently.
func (s *Service) Deliver(ctx context.Context, d Delivery) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if d.Channel == "" {
		d.Channel = ChannelInApp
	}
	if d.Created.IsZero() {
		d.Created = time.Now()
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
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	persist, st, pch := s.cfg.PersistDedup, s.store, s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(d)
	if window > 0 && !s.dedupAllow(ctx, key, window, maxEntries, persist, st, pch) {
		s.publish(eventbus.DeliveryDeduped, d, key, nil)
		return nil
	}
	s.publish(eventbus.DeliveryQueued, d, key, nil)

	select {
	case q <- job{d: d, dedupKey: key}:
		return nil
	default:
		s.publish(eventbus.DeliveryDropped, d, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(d Delivery, channel string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ID: d.ID, Channel: channel, Text: d.Text()})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, d Delivery, key string, err error) {
	now := time.Now()
	ev := DeliveryEvent{ID: d.ID, Channel: d.Channel, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
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

// senderFor resolves the sender for channel, falling back to in_app.
func (s *Service) senderFor(channel string) (Sender, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snd, ok := s.senders[channel]; ok {
		return snd, channel, nil
	}
	if snd, ok := s.senders[ChannelInApp]; ok {
		return snd, ChannelInApp, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNoSender, channel)
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	snd, channel, err := s.senderFor(j.d.Channel)
	if err != nil {
		s.log.Warn("delivery dropped", logx.String("id", j.d.ID), logx.Err(err))
		s.publish(eventbus.DeliveryFailed, j.d, j.dedupKey, err)
		return
	}
	if channel != j.d.Channel {
		s.log.Debug("channel fallback", logx.String("from", j.d.Channel), logx.String("to", channel))
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(runCtx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
		err := snd.Send(callCtx, j.d)
		cancel()
		if err == nil {
			s.appendHistory(j.d, channel)
			s.publish(eventbus.DeliverySent, j.d, j.dedupKey, nil)
			return
		}
		lastErr = err
		s.log.Debug("delivery failed", logx.String("channel", channel), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("delivery gave up", logx.String("id", j.d.ID), logx.String("channel", channel), logx.Err(lastErr))
	s.publish(eventbus.DeliveryFailed, j.d, j.dedupKey, lastErr)
}

// dedupKey includes the delivery ID so only a repeat of the same delivery is
// suppressed; distinct deliveries with identical text all go out.
func dedupKey(d Delivery) string {
	h := fnv.New64a()
	for _, part := range []string{d.ID, d.Channel, d.Recipient, d.Priority, d.Title, d.Body} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte("|"))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, maxEntries int, persist bool, st storage.Store, pch chan dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// cross-restart check, best-effort
	if persist && st != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// evict earliest expiry until within cap
	for maxEntries > 0 && len(s.dedup) > maxEntries {
		var minKey string
		var minT time.Time
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return max(d, 0)
}
