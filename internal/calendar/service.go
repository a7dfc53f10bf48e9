package calendar

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistd/internal/eventbus"
	"assistd/internal/storage"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }
func WithLocationResolver(r LocationResolver) Option { return func(s *Service) { s.resolver = r } }
func WithTravelEstimator(t TravelEstimator) Option { return func(s *Service) { s.travel = t } }
func WithMeetingPrep(p MeetingPrep) Option { return func(s *Service) { s.prep = p } }

// WithTimezone sets the zone used for working hours and day boundaries.
func WithTimezone(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

// Service is the calendar scheduler. It is safe for concurrent use;
// collaborators are called without the lock held.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	clock clock.Clock
	loc   *time.Location

	resolver LocationResolver
	travel   TravelEstimator
	prep     MeetingPrep

	cfg    Config
	events map[string]*Event
}

func New(cfg Config, store storage.Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		log:    log,
		bus:    bus,
		store:  store,
		clock:  clock.Real(),
		loc:    time.Local,
		cfg:    cfg.withDefaults(),
		events: map[string]*Event{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Load replaces in-memory events with the persisted collection.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	list, err := storage.LoadAll[Event](ctx, s.store, storage.CollectionEvents)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	s.mu.Lock()
	s.events = make(map[string]*Event, len(list))
	for i := range list {
		e := list[i]
		s.events[e.ID] = &e
	}
	s.mu.Unlock()
	s.log.Info("calendar loaded", logx.Int("count", len(list)))
	return nil
}

// CreateEvent fills defaults, applies travel time, detects conflicts and
// attaches meeting preparation before storing e.
func (s *Service) CreateEvent(ctx context.Context, e Event) (Event, error) {
	cfg := s.config()
	e.Title = strings.TrimSpace(e.Title)
	if e.Title == "" {
		return Event{}, fmt.Errorf("%w: title is required", ErrInvalidEvent)
	}
	if e.Start.IsZero() {
		return Event{}, fmt.Errorf("%w: start is required", ErrInvalidEvent)
	}
	if e.End.IsZero() {
		e.End = e.Start.Add(cfg.DefaultDuration)
	}
	if !e.End.After(e.Start) {
		return Event{}, fmt.Errorf("%w: end must be after start", ErrInvalidEvent)
	}
	if e.Status == "" {
		e.Status = StatusConfirmed
	}
	if len(e.Reminders) == 0 {
		e.Reminders = []Reminder{{Minutes: cfg.ReminderMinutes, Method: "popup"}}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Travel = nil
	e.Conflicts = nil
	s.applyTravel(ctx, cfg, &e, e.Start)
	if len(e.Preparation) == 0 {
		e.Preparation = s.preparation(ctx, e)
	}

	now := s.clock.Now()
	e.CreatedAt, e.UpdatedAt = now, now

	s.mu.Lock()
	if _, exists := s.events[e.ID]; exists {
		s.mu.Unlock()
		return Event{}, fmt.Errorf("%w: duplicate id %q", ErrInvalidEvent, e.ID)
	}
	e.Conflicts = s.resolveConflictsLocked(e)
	stored := cloneEvent(e)
	s.events[e.ID] = &stored
	s.refreshNeighborsLocked(e.ID, span{e.Start, e.End})
	s.saveLocked(ctx)
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.CalendarCreated, Time: now, Data: map[string]any{"id": e.ID, "title": e.Title}})
	s.publishConflicts(e, now)
	s.log.Info("event created", logx.String("event", e.ID), logx.Time("start", e.Start), logx.Int("conflicts", len(e.Conflicts)))
	return cloneEvent(e), nil
}

// UpdateEvent applies p to event id. Travel is recomputed when the start or
// location changes; conflicts are always recomputed, on both sides.
func (s *Service) UpdateEvent(ctx context.Context, id string, p Patch) (Event, error) {
	cfg := s.config()
	cur, err := s.GetEvent(id)
	if err != nil {
		return Event{}, err
	}
	e := cloneEvent(cur)
	arrival := cur.MeetingStart()
	length := cur.End.Sub(arrival)

	if p.Title != nil {
		e.Title = strings.TrimSpace(*p.Title)
		if e.Title == "" {
			return Event{}, fmt.Errorf("%w: title is required", ErrInvalidEvent)
		}
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.Attendees != nil {
		e.Attendees = append([]Attendee(nil), (*p.Attendees)...)
	}
	if p.Recurrence != nil {
		e.Recurrence = *p.Recurrence
	}
	if p.Reminders != nil {
		e.Reminders = append([]Reminder(nil), (*p.Reminders)...)
	}
	if p.Category != nil {
		e.Category = *p.Category
	}
	if p.Priority != nil {
		e.Priority = *p.Priority
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.MeetingType != nil {
		e.MeetingType = *p.MeetingType
	}

	moved := false
	if p.Start != nil && !p.Start.Equal(arrival) {
		arrival = *p.Start
		moved = true
	}
	if p.End != nil {
		e.End = *p.End
	} else if moved {
		e.End = arrival.Add(length)
	}
	relocated := false
	switch {
	case p.ClearLocation:
		relocated = e.Location != nil
		e.Location = nil
	case p.Location != nil:
		loc := *p.Location
		relocated = e.Location == nil || e.Location.Address != loc.Address
		e.Location = &loc
	}
	if !e.End.After(arrival) {
		return Event{}, fmt.Errorf("%w: end must be after start", ErrInvalidEvent)
	}
	if moved || relocated {
		e.Travel = nil
		e.Start = arrival
		s.applyTravel(ctx, cfg, &e, arrival)
	}
	if len(e.Preparation) == 0 {
		e.Preparation = s.preparation(ctx, e)
	}

	now := s.clock.Now()
	e.UpdatedAt = now

	s.mu.Lock()
	if _, ok := s.events[id]; !ok {
		s.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.Conflicts = s.resolveConflictsLocked(e)
	stored := cloneEvent(e)
	s.events[id] = &stored
	s.refreshNeighborsLocked(id, span{cur.Start, cur.End}, span{e.Start, e.End})
	s.saveLocked(ctx)
	s.mu.Unlock()

	s.publishConflicts(e, now)
	return cloneEvent(e), nil
}

func (s *Service) DeleteEvent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.events[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.events, id)
	s.refreshNeighborsLocked(id, span{old.Start, old.End})
	s.saveLocked(ctx)
	return nil
}

func (s *Service) GetEvent(id string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneEvent(*e), nil
}

// GetEvents returns events whose start falls in [from, to), ordered by start.
// A nil bound is open.
func (s *Service) GetEvents(from, to *time.Time) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		if from != nil && e.Start.Before(*from) {
			continue
		}
		if to != nil && !e.Start.Before(*to) {
			continue
		}
		out = append(out, cloneEvent(*e))
	}
	sortByStart(out)
	return out
}

// DetectConflicts returns stored, non-cancelled events overlapping e, excluding e itself.
func (s *Service) DetectConflicts(e Event) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflictsLocked(e)
}

// IsTimeSlotAvailable reports whether [start, start+durationMinutes) overlaps no
// stored non-cancelled event.
func (s *Service) IsTimeSlotAvailable(start time.Time, durationMinutes int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeLocked(start, start.Add(time.Duration(durationMinutes)*time.Minute), "")
}

// SuggestAvailableTimes searches the coming days in working hours for free
// slots, skipping weekends for work intents.
func (s *Service) SuggestAvailableTimes(intent Intent) []time.Time {
	cfg := s.config()
	dur := time.Duration(intent.DurationMinutes) * time.Minute
	if dur <= 0 {
		dur = cfg.DefaultDuration
	}
	sh, sm, err := clock.ParseHHMM(cfg.WorkdayStart)
	if err != nil {
		sh, sm = 9, 0
	}
	eh, em, err := clock.ParseHHMM(cfg.WorkdayEnd)
	if err != nil {
		eh, em = 17, 0
	}
	now := s.clock.Now().In(s.loc)
	work := strings.EqualFold(intent.Category, CategoryWork)

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Time
	for day := 0; day < cfg.SearchDays; day++ {
		date := now.AddDate(0, 0, day)
		if work && (date.Weekday() == time.Saturday || date.Weekday() == time.Sunday) {
			continue
		}
		dayEnd := clock.At(date, eh, em)
		for slot := clock.At(date, sh, sm); slot.Before(dayEnd); slot = slot.Add(cfg.SlotStep) {
			if slot.Before(now) {
				continue
			}
			if s.freeLocked(slot, slot.Add(dur), "") {
				out = append(out, slot)
				if len(out) >= cfg.MaxSuggestions {
					return out
				}
			}
		}
	}
	return out
}

// CurrentMeeting returns the meeting in progress at now, if any. Travel time
// before a meeting does not count as being in it.
func (s *Service) CurrentMeeting(now time.Time) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Event
	for _, e := range s.events {
		if e.Status == StatusCancelled || !e.IsMeeting() {
			continue
		}
		if e.MeetingStart().After(now) || !now.Before(e.End) {
			continue
		}
		if best == nil || e.End.After(best.End) {
			best = e
		}
	}
	if best == nil {
		return Event{}, false
	}
	return cloneEvent(*best), true
}

// NextMeeting returns the earliest meeting starting after now.
func (s *Service) NextMeeting(now time.Time) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Event
	for _, e := range s.events {
		if e.Status == StatusCancelled || !e.IsMeeting() || !e.MeetingStart().After(now) {
			continue
		}
		if best == nil || e.MeetingStart().Before(best.MeetingStart()) {
			best = e
		}
	}
	if best == nil {
		return Event{}, false
	}
	return cloneEvent(*best), true
}

func (s *Service) saveLocked(ctx context.Context) {
	if s.store == nil {
		return
	}
	list := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		list = append(list, *e)
	}
	sortByStart(list)
	if err := storage.SaveAll(ctx, s.store, storage.CollectionEvents, list); err != nil {
		s.log.Error("events not persisted", logx.Err(err))
	}
}

func (s *Service) publishConflicts(e Event, now time.Time) {
	if len(e.Conflicts) == 0 {
		return
	}
	ids := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		ids = append(ids, c.ConflictingEventID)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.CalendarConflict, Time: now, Data: map[string]any{"id": e.ID, "conflicts": ids}})
}

func sortByStart(list []Event) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Start.Equal(list[j].Start) {
			return list[i].Start.Before(list[j].Start)
		}
		return list[i].ID < list[j].ID
	})
}

func cloneEvent(e Event) Event {
	if e.Location != nil {
		l := *e.Location
		if l.Coordinates != nil {
			c := *l.Coordinates
			l.Coordinates = &c
		}
		l.Amenities = append([]string(nil), l.Amenities...)
		e.Location = &l
	}
	if e.Travel != nil {
		t := *e.Travel
		e.Travel = &t
	}
	e.Attendees = append([]Attendee(nil), e.Attendees...)
	e.Reminders = append([]Reminder(nil), e.Reminders...)
	e.Preparation = append([]PrepItem(nil), e.Preparation...)
	if e.Conflicts != nil {
		cs := make([]ConflictResolution, len(e.Conflicts))
		for i, c := range e.Conflicts {
			c.SuggestedTimes = append([]time.Time(nil), c.SuggestedTimes...)
			cs[i] = c
		}
		e.Conflicts = cs
	}
	return e
}
