package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"assistd/internal/task/engine"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// AddSchedule parses schedule and registers a cron or interval trigger.
// Scheduled jobs skip a tick while the previous run is still queued or running.
//
// Supported formats:
//   - Cron: "*/5 * * * *", "0 8 * * 1-5", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	opt := TaskOptions{Overlap: OverlapSkipIfRunning}
	if ps.Kind == SpecInterval {
		return s.AddIntervalOpt(name, ps.Every, timeout, opt, job)
	}
	return s.AddCronOpt(name, ps.Cron, timeout, opt, job)
}

func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	return s.upsert(name, spec, timeout, opt, job)
}

func (s *Service) AddIntervalOpt(name string, every time.Duration, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be > 0")
	}
	return s.upsert(name, "@every "+every.String(), timeout, opt, job)
}

// AddDaily runs job every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	h, m, err := clock.ParseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCronOpt(name, fmt.Sprintf("%d %d * * *", m, h), timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// upsert replaces any schedule or one-shot with the same name.
func (s *Service) upsert(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s.removeOnce(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeScheduleLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: spec, timeout: timeout, job: job, opt: opt, state: &engine.RunState{}})
	if s.c == nil {
		// registered on Start
		return name, nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return name, nil
}

// AddOnce arms a one-shot timer. Re-adding a name replaces the pending timer;
// a superseded timer that already fired is ignored through its version.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if at.IsZero() {
		return "", errors.New("at required")
	}
	if job == nil {
		return "", errors.New("job required")
	}

	s.mu.Lock()
	s.removeScheduleLocked(name)
	running := s.c != nil
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
	s.seq++
	d := &onceDef{at: at, timeout: timeout, job: job, ver: s.seq}
	s.once[name] = d
	if running {
		s.armLocked(name, d)
	}
	return name, nil
}

// Has reports whether a schedule or pending one-shot exists under name.
func (s *Service) Has(name string) bool {
	s.tmu.Lock()
	_, ok := s.once[name]
	s.tmu.Unlock()
	if ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return true
		}
	}
	return false
}

// Remove unschedules everything registered under name.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	removed = s.removeOnce(name) || removed
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) removeOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	_, ok := s.once[name]
	if t, tok := s.timers[name]; tok {
		t.Stop()
		delete(s.timers, name)
	}
	delete(s.once, name)
	return ok
}

// rearmOnce recreates runtime timers for pending one-shots.
func (s *Service) rearmOnce() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for name, d := range s.once {
		s.armLocked(name, d)
	}
}

func (s *Service) armLocked(name string, d *onceDef) {
	ver := d.ver
	delay := max(time.Until(d.at), 0)
	s.timers[name] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		cur, ok := s.once[name]
		if !ok || cur.ver != ver {
			s.tmu.Unlock()
			return
		}
		// drop the definition first so a restart cannot fire it twice
		delete(s.once, name)
		delete(s.timers, name)
		s.tmu.Unlock()

		s.enqueue(engine.Task{Name: name, Timeout: cur.timeout, Run: cur.job, State: &engine.RunState{}})
	})
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() {
		s.enqueue(engine.Task{Name: def.name, Timeout: def.timeout, Run: def.job, Opt: def.opt, State: def.state})
	})

	if every, ok := strings.CutPrefix(strings.TrimSpace(d.spec), "@every"); ok {
		if dur, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && dur > 0 {
			d.entryID = s.c.Schedule(makeIntervalScheduleWithSpread(dur, time.Now().In(s.loc), d.name), job)
			return nil
		}
	}
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) enqueue(t engine.Task) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(t)
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", t.Name))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[t.Name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[t.Name] = now
	s.enqMu.Unlock()
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", t.Name), logx.Err(err))
}
