package notifications

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistd/internal/eventbus"
	"assistd/internal/notifier"
	"assistd/internal/storage"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

const (
	sweepJobName = "notifications:expire-sweep"
	fireTimeout  = time.Minute
)

func timerName(id string) string { return "notification:" + id }

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithTimer(t Timer) Option { return func(s *Service) { s.timer = t } }

func WithContextProvider(p ContextProvider) Option { return func(s *Service) { s.ctxp = p } }

func WithMeetings(m Meetings) Option { return func(s *Service) { s.meetings = m } }

func WithDeliverer(d Deliverer) Option { return func(s *Service) { s.out = d } }

// WithTimezone sets the zone quiet hours are evaluated in.
func WithTimezone(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

// Service is the notification scheduler. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	clock    clock.Clock
	loc      *time.Location
	timer    Timer
	ctxp     ContextProvider
	meetings Meetings
	out      Deliverer

	cfg   Config
	prefs Preferences
	// customPrefs is set once preferences come from UpdatePreferences or the
	// store; config reloads then leave them alone.
	customPrefs bool
	items       map[string]*Notification
	vips        map[string]*VIPContact
	started     bool
}

func New(cfg Config, store storage.Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		log:   log,
		bus:   bus,
		store: store,
		clock: clock.Real(),
		loc:   time.Local,
		cfg:   cfg,
		prefs: clonePrefs(cfg.Preferences),
		items: map[string]*Notification{},
		vips:  map[string]*VIPContact{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply updates tunables. Configured preferences take effect unless the
// user has customized them through UpdatePreferences.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	if !s.customPrefs {
		s.prefs = clonePrefs(s.cfg.Preferences)
	}
	s.mu.Unlock()
}

// Load replaces in-memory notifications, VIP contacts and preferences with the persisted state.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	list, err := storage.LoadAll[Notification](ctx, s.store, storage.CollectionNotifications)
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}
	contacts, err := storage.LoadAll[VIPContact](ctx, s.store, storage.CollectionVIPs)
	if err != nil {
		return fmt.Errorf("load vip contacts: %w", err)
	}
	var prefs Preferences
	havePrefs, err := storage.LoadValue(ctx, s.store, storage.CollectionPreferences, &prefs)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}

	s.mu.Lock()
	s.items = make(map[string]*Notification, len(list))
	for i := range list {
		n := list[i]
		s.items[n.ID] = &n
	}
	s.vips = make(map[string]*VIPContact, len(contacts))
	for i := range contacts {
		c := contacts[i]
		s.vips[c.ID] = &c
	}
	if havePrefs {
		s.prefs = prefs
		s.customPrefs = true
	}
	s.mu.Unlock()
	s.log.Info("notifications loaded", logx.Int("count", len(list)), logx.Int("vips", len(contacts)))
	return nil
}

// Start loads state, re-arms timers of pending notifications (delivering
// past-due ones at once) and schedules the expiry sweep.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	now := s.clock.Now()
	var due []string
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	for id, n := range s.items {
		if n.Status != StatusPending && n.Status != StatusSnoozed {
			continue
		}
		if n.ScheduledFor != nil && n.ScheduledFor.After(now) {
			s.armLocked(id, *n.ScheduledFor)
			continue
		}
		due = append(due, id)
	}
	if s.timer != nil && s.cfg.ExpireSweep > 0 {
		if _, err := s.timer.AddSchedule(sweepJobName, s.cfg.ExpireSweep.String(), fireTimeout, func(c context.Context) error {
			s.ExpireOverdue(c)
			return nil
		}); err != nil {
			s.log.Warn("expiry sweep not scheduled", logx.Err(err))
		}
	}
	s.mu.Unlock()

	sort.Strings(due)
	for _, id := range due {
		s.fire(ctx, id)
	}
	return nil
}

func (s *Service) Stop(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	if s.timer == nil {
		return
	}
	s.timer.Remove(sweepJobName)
	for id := range s.items {
		s.timer.Remove(timerName(id))
	}
}

// CreateNotification fills defaults, derives the VIP level and either
// delivers n now or stores it pending with a timer for ScheduledFor.
func (s *Service) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" && strings.TrimSpace(n.Message) == "" {
		return Notification{}, fmt.Errorf("%w: title or message is required", ErrInvalid)
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	if !n.Priority.Valid() {
		return Notification{}, fmt.Errorf("%w: unknown priority %q", ErrInvalid, n.Priority)
	}
	if n.Type == "" {
		n.Type = TypeSystem
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Context.Urgency == 0 {
		n.Context.Urgency = 5
	}
	n.Context.Urgency = min(max(n.Context.Urgency, 1), 10)
	now := s.clock.Now()
	n.Timestamp = now
	n.Status = StatusPending
	n.ScheduledFor, n.DeliveredAt, n.DeliveryChannel = nil, nil, ""

	s.mu.Lock()
	if _, exists := s.items[n.ID]; exists {
		s.mu.Unlock()
		return Notification{}, fmt.Errorf("%w: duplicate id %q", ErrInvalid, n.ID)
	}
	if n.ExpiresAt == nil && s.cfg.DefaultTTL > 0 {
		exp := now.Add(s.cfg.DefaultTTL)
		n.ExpiresAt = &exp
	}
	var contact *VIPContact
	n.VIPLevel, contact = s.vipLevelLocked(n)
	at := s.deliveryTimeLocked(n, contact, now)
	later := at.After(now)
	if later {
		n.ScheduledFor = &at
	}
	stored := cloneNotification(n)
	s.items[n.ID] = &stored
	s.pruneLocked()
	s.saveLocked(ctx)
	if later {
		s.armLocked(n.ID, at)
	}
	s.mu.Unlock()

	if later {
		s.log.Info("notification scheduled", logx.String("id", n.ID), logx.Time("at", at), logx.String("vip", string(n.VIPLevel)))
		s.bus.Publish(eventbus.Event{Type: eventbus.NotificationScheduled, Time: now, Data: map[string]any{"id": n.ID, "at": at}})
		return n, nil
	}
	if err := s.deliver(ctx, n.ID); err != nil {
		return Notification{}, err
	}
	return s.GetNotification(n.ID)
}

// DismissNotification marks id dismissed and cancels any pending timer.
func (s *Service) DismissNotification(ctx context.Context, id string) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return Notification{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	n.Status = StatusDismissed
	s.disarmLocked(id)
	s.saveLocked(ctx)
	return cloneNotification(*n), nil
}

// SnoozeNotification re-arms delivery at now + minutes.
func (s *Service) SnoozeNotification(ctx context.Context, id string, minutes int) (Notification, error) {
	if minutes <= 0 {
		return Notification{}, fmt.Errorf("%w: snooze minutes must be > 0", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return Notification{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n.Status == StatusDismissed || n.Status == StatusExpired {
		return Notification{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, id, n.Status)
	}
	at := s.clock.Now().Add(time.Duration(minutes) * time.Minute)
	n.Status = StatusSnoozed
	n.ScheduledFor = &at
	s.armLocked(id, at)
	s.saveLocked(ctx)
	return cloneNotification(*n), nil
}

func (s *Service) GetNotification(id string) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return Notification{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneNotification(*n), nil
}

// GetNotifications returns matching notifications, newest first.
func (s *Service) GetNotifications(f Filter) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, 0, len(s.items))
	for _, n := range s.items {
		if f.Status != "" && n.Status != f.Status {
			continue
		}
		if f.Priority != "" && n.Priority != f.Priority {
			continue
		}
		if f.Type != "" && n.Type != f.Type {
			continue
		}
		if f.Since != nil && n.Timestamp.Before(*f.Since) {
			continue
		}
		out = append(out, cloneNotification(*n))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// ExpireOverdue marks pending and snoozed notifications past ExpiresAt expired.
func (s *Service) ExpireOverdue(ctx context.Context) int {
	now := s.clock.Now()
	var expired []string
	s.mu.Lock()
	for id, n := range s.items {
		if n.Status != StatusPending && n.Status != StatusSnoozed {
			continue
		}
		if n.ExpiresAt != nil && !now.Before(*n.ExpiresAt) {
			n.Status = StatusExpired
			s.disarmLocked(id)
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		s.saveLocked(ctx)
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.bus.Publish(eventbus.Event{Type: eventbus.NotificationExpired, Time: now, Data: map[string]any{"id": id}})
	}
	if len(expired) > 0 {
		s.log.Info("notifications expired", logx.Int("count", len(expired)))
	}
	return len(expired)
}

// fire is the timer callback: a snoozed notification goes back to pending and is delivered.
func (s *Service) fire(ctx context.Context, id string) {
	now := s.clock.Now()
	s.mu.Lock()
	n, ok := s.items[id]
	if !ok || (n.Status != StatusPending && n.Status != StatusSnoozed) {
		s.mu.Unlock()
		return
	}
	if n.ExpiresAt != nil && !now.Before(*n.ExpiresAt) {
		n.Status = StatusExpired
		s.saveLocked(ctx)
		s.mu.Unlock()
		s.bus.Publish(eventbus.Event{Type: eventbus.NotificationExpired, Time: now, Data: map[string]any{"id": id}})
		return
	}
	n.Status = StatusPending
	s.mu.Unlock()

	if err := s.deliver(ctx, id); err != nil {
		s.log.Warn("scheduled delivery failed", logx.String("id", id), logx.Err(err))
	}
}

// deliver marks id delivered on its chosen channel and hands it to the delivery pipeline.
func (s *Service) deliver(ctx context.Context, id string) error {
	now := s.clock.Now()
	s.mu.Lock()
	n, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	n.DeliveryChannel = s.channelLocked(*n)
	n.Status = StatusDelivered
	n.DeliveredAt = &now
	s.saveLocked(ctx)
	out := cloneNotification(*n)
	s.mu.Unlock()

	if s.out != nil {
		d := notifier.Delivery{
			ID:       out.ID,
			Channel:  out.DeliveryChannel,
			Priority: string(out.Priority),
			Title:    out.Title,
			Body:     out.Message,
			Data:     map[string]any{"type": out.Type, "vipLevel": string(out.VIPLevel)},
			Created:  now,
		}
		if err := s.out.Deliver(ctx, d); err != nil {
			s.log.Warn("delivery not queued", logx.String("id", id), logx.String("channel", d.Channel), logx.Err(err))
		}
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.NotificationDelivered, Time: now, Data: map[string]any{"id": id, "channel": out.DeliveryChannel}})
	return nil
}

func (s *Service) armLocked(id string, at time.Time) {
	if s.timer == nil {
		return
	}
	if _, err := s.timer.AddOnce(timerName(id), at, fireTimeout, func(ctx context.Context) error {
		s.fire(ctx, id)
		return nil
	}); err != nil {
		s.log.Warn("timer not armed", logx.String("id", id), logx.Err(err))
	}
}

func (s *Service) disarmLocked(id string) {
	if s.timer != nil {
		s.timer.Remove(timerName(id))
	}
}

// pruneLocked drops the oldest finished notifications above MaxStored.
func (s *Service) pruneLocked() {
	over := len(s.items) - s.cfg.MaxStored
	if over <= 0 {
		return
	}
	var finished []*Notification
	for _, n := range s.items {
		if n.Status != StatusPending && n.Status != StatusSnoozed {
			finished = append(finished, n)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].Timestamp.Before(finished[j].Timestamp) })
	for i := 0; i < over && i < len(finished); i++ {
		delete(s.items, finished[i].ID)
	}
}

func (s *Service) saveLocked(ctx context.Context) {
	if s.store == nil {
		return
	}
	list := make([]Notification, 0, len(s.items))
	for _, n := range s.items {
		list = append(list, *n)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	if err := storage.SaveAll(ctx, s.store, storage.CollectionNotifications, list); err != nil {
		s.log.Error("notifications not persisted", logx.Err(err))
	}
}

func cloneNotification(n Notification) Notification {
	for _, p := range []**time.Time{&n.ScheduledFor, &n.ExpiresAt, &n.DeliveredAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	if n.Context.Traffic != nil {
		t := *n.Context.Traffic
		n.Context.Traffic = &t
	}
	n.Actions = append([]Action(nil), n.Actions...)
	return n
}
