package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistd/internal/condition"
	"assistd/internal/eventbus"
	"assistd/internal/storage"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

// Scheduler is the timer service used for time ticks and schedule triggers.
type Scheduler interface {
	AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
}

const tickJobName = "rules:time-tick"

func scheduleJobName(ruleID string) string { return "rule:" + ruleID }

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithScheduler(sched Scheduler) Option { return func(s *Service) { s.sched = sched } }

// Service is the rule engine. It is safe for concurrent use; actions run
// without the lock held.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	clock clock.Clock
	sched Scheduler

	cfg      Config
	handlers map[ActionType]Handler

	rules   map[string]*Rule
	execs   []*Execution
	started bool
}

func New(cfg Config, handlers Handlers, store storage.Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		log:      log,
		bus:      bus,
		store:    store,
		clock:    clock.Real(),
		cfg:      cfg.withDefaults(),
		handlers: handlers.table(),
		rules:    map[string]*Rule{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply updates tunables. A changed tick cadence takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.trimHistoryLocked()
	s.mu.Unlock()
}

// Load replaces in-memory rules with the persisted collection.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	list, err := storage.LoadAll[Rule](ctx, s.store, storage.CollectionRules)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	s.mu.Lock()
	s.rules = make(map[string]*Rule, len(list))
	for i := range list {
		r := list[i]
		s.rules[r.ID] = &r
	}
	s.mu.Unlock()
	s.log.Info("rules loaded", logx.Int("count", len(list)))
	return nil
}

// Start loads rules and registers the time tick and schedule triggers.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	if s.sched == nil {
		return nil
	}
	if s.cfg.TimeTick > 0 {
		if _, err := s.sched.AddSchedule(tickJobName, s.cfg.TimeTick.String(), s.cfg.JobTimeout, s.tick); err != nil {
			s.log.Warn("time tick not scheduled", logx.Err(err))
		}
	}
	for _, r := range s.rules {
		s.registerLocked(r)
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
	if s.sched == nil {
		return
	}
	s.sched.Remove(tickJobName)
	for id := range s.rules {
		s.sched.Remove(scheduleJobName(id))
	}
}

func (s *Service) tick(ctx context.Context) error {
	s.EvaluateTriggers(ctx, string(TriggerTime), TickData(s.clock.Now()))
	return nil
}

// TickData is the payload of time and schedule trigger events.
func TickData(now time.Time) map[string]any {
	return map[string]any{
		"time":    now.Format(time.RFC3339),
		"hour":    now.Hour(),
		"minute":  now.Minute(),
		"weekday": strings.ToLower(now.Weekday().String()),
		"date":    now.Format("2006-01-02"),
	}
}

// registerLocked keeps the timer registration of a schedule rule in sync with its definition.
func (s *Service) registerLocked(r *Rule) {
	if s.sched == nil || !s.started {
		return
	}
	name := scheduleJobName(r.ID)
	if r.Trigger.Type != TriggerSchedule || !r.Enabled {
		s.sched.Remove(name)
		return
	}
	id := r.ID
	_, err := s.sched.AddSchedule(name, r.Trigger.Schedule, s.cfg.JobTimeout, func(ctx context.Context) error {
		s.fire(ctx, id, TickData(s.clock.Now()))
		return nil
	})
	if err != nil {
		s.log.Warn("schedule trigger not registered", logx.String("rule", id), logx.Err(err))
	}
}

// CreateRule validates r, assigns IDs and timestamps and persists it. Counters start at zero.
func (s *Service) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	r = normalize(r)
	if err := validate(r); err != nil {
		return Rule{}, err
	}
	now := s.clock.Now()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.ExecutionCount, r.SuccessCount, r.FailureCount = 0, 0, 0
	r.Trigger.FireCount, r.Trigger.LastTriggered, r.LastExecuted = 0, nil, nil
	r.CreatedAt, r.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[r.ID]; exists {
		return Rule{}, fmt.Errorf("%w: duplicate id %q", ErrInvalidRule, r.ID)
	}
	stored := cloneRule(r)
	s.rules[r.ID] = &stored
	s.saveLocked(ctx)
	s.registerLocked(&stored)
	s.log.Info("rule created", logx.String("rule", r.ID), logx.String("name", r.Name))
	return cloneRule(stored), nil
}

// UpdateRule replaces the definition of an existing rule. Counters, fire
// statistics and CreatedAt are kept from the stored rule.
func (s *Service) UpdateRule(ctx context.Context, r Rule) (Rule, error) {
	r = normalize(r)
	if err := validate(r); err != nil {
		return Rule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rules[r.ID]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	r.ExecutionCount, r.SuccessCount, r.FailureCount = cur.ExecutionCount, cur.SuccessCount, cur.FailureCount
	r.Trigger.FireCount, r.Trigger.LastTriggered = cur.Trigger.FireCount, cur.Trigger.LastTriggered
	r.LastExecuted = cur.LastExecuted
	r.CreatedAt = cur.CreatedAt
	r.UpdatedAt = s.clock.Now()

	stored := cloneRule(r)
	s.rules[r.ID] = &stored
	s.saveLocked(ctx)
	s.registerLocked(&stored)
	return cloneRule(stored), nil
}

func (s *Service) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.rules, id)
	if s.sched != nil && s.started {
		s.sched.Remove(scheduleJobName(id))
	}
	s.saveLocked(ctx)
	return nil
}

// GetRules returns all rules ordered by creation time.
func (s *Service) GetRules() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Service) GetRule(id string) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneRule(*r), nil
}

// EvaluateTriggers executes every enabled rule whose trigger type equals
// eventType and whose conditions match data. A failing rule is logged and the
// scan continues. It returns the matched rules after execution.
func (s *Service) EvaluateTriggers(ctx context.Context, eventType string, data map[string]any) []Rule {
	s.mu.Lock()
	var matched []string
	for _, r := range s.listLocked() {
		if !r.Enabled || string(r.Trigger.Type) != eventType {
			continue
		}
		if condition.Match(data, r.Trigger.Conditions, r.Trigger.Logic) {
			matched = append(matched, r.ID)
		}
	}
	s.mu.Unlock()

	out := make([]Rule, 0, len(matched))
	for _, id := range matched {
		if r, ok := s.fire(ctx, id, data); ok {
			out = append(out, r)
		}
	}
	return out
}

// fire stamps the trigger statistics and executes the rule.
func (s *Service) fire(ctx context.Context, id string, data map[string]any) (Rule, bool) {
	s.mu.Lock()
	r, ok := s.rules[id]
	if !ok || !r.Enabled {
		s.mu.Unlock()
		return Rule{}, false
	}
	if r.Trigger.Type == TriggerSchedule && !condition.Match(data, r.Trigger.Conditions, r.Trigger.Logic) {
		s.mu.Unlock()
		return Rule{}, false
	}
	now := s.clock.Now()
	r.Trigger.FireCount++
	r.Trigger.LastTriggered = &now
	s.saveLocked(ctx)
	name := r.Name
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.RuleTriggered, Time: now, Data: map[string]any{"rule": id, "name": name}})

	if _, err := s.ExecuteRule(ctx, id, data); err != nil {
		s.log.Warn("rule execution failed", logx.String("rule", id), logx.Err(err))
	}
	got, err := s.GetRule(id)
	if err != nil {
		return Rule{}, false
	}
	return got, true
}

func (s *Service) saveLocked(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := storage.SaveAll(ctx, s.store, storage.CollectionRules, s.listLocked()); err != nil {
		s.log.Error("rules not persisted", logx.Err(err))
	}
}

func (s *Service) listLocked() []Rule {
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, cloneRule(*r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func normalize(r Rule) Rule {
	r.Name = strings.TrimSpace(r.Name)
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
	if r.Trigger.Logic == "" {
		r.Trigger.Logic = condition.And
	}
	r.Trigger.Logic = condition.Logic(strings.ToUpper(string(r.Trigger.Logic)))
	r.Trigger.Schedule = strings.TrimSpace(r.Trigger.Schedule)
	for i := range r.Actions {
		if r.Actions[i].ID == "" {
			r.Actions[i].ID = uuid.NewString()
		}
	}
	return r
}

func validate(r Rule) error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if !r.Trigger.Type.Valid() {
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidRule, r.Trigger.Type)
	}
	if r.Trigger.Type == TriggerSchedule && r.Trigger.Schedule == "" {
		return fmt.Errorf("%w: schedule trigger needs a schedule", ErrInvalidRule)
	}
	if r.Trigger.Logic != condition.And && r.Trigger.Logic != condition.Or {
		return fmt.Errorf("%w: logic must be AND or OR", ErrInvalidRule)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidRule, r.Priority)
	}
	for i, c := range r.Trigger.Conditions {
		if strings.TrimSpace(c.Field) == "" || !c.Operator.Valid() {
			return fmt.Errorf("%w: condition %d: field and a known operator are required", ErrInvalidRule, i)
		}
	}
	seen := map[string]bool{}
	for i, a := range r.Actions {
		if !a.Type.Valid() {
			return fmt.Errorf("%w: action %d: unknown type %q", ErrInvalidRule, i, a.Type)
		}
		if seen[a.ID] {
			return fmt.Errorf("%w: action %d: duplicate id %q", ErrInvalidRule, i, a.ID)
		}
		seen[a.ID] = true
		if a.Timeout != "" {
			if _, err := time.ParseDuration(a.Timeout); err != nil {
				return fmt.Errorf("%w: action %d: timeout: %v", ErrInvalidRule, i, err)
			}
		}
	}
	return nil
}

func cloneRule(r Rule) Rule {
	r.Trigger.Conditions = append([]condition.Condition(nil), r.Trigger.Conditions...)
	if r.Trigger.LastTriggered != nil {
		t := *r.Trigger.LastTriggered
		r.Trigger.LastTriggered = &t
	}
	if r.LastExecuted != nil {
		t := *r.LastExecuted
		r.LastExecuted = &t
	}
	actions := make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		if a.Params != nil {
			p := make(map[string]any, len(a.Params))
			for k, v := range a.Params {
				p[k] = v
			}
			a.Params = p
		}
		actions[i] = a
	}
	r.Actions = actions
	return r
}
