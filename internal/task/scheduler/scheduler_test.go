package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"assistd/internal/task/engine"
	"assistd/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 8 * * 1-5", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:1h", kind: SpecInterval, source: "duration", duration: time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "interval:-5m", "00:00"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func newRunning(t *testing.T) *Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s
}

func TestAddOnceFires(t *testing.T) {
	s := newRunning(t)
	fired := make(chan struct{})
	if _, err := s.AddOnce("notify:1", time.Now().Add(20*time.Millisecond), 0, func(ctx context.Context) error {
		close(fired)
		return nil
	}); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot did not fire")
	}
	if s.Has("notify:1") {
		t.Fatal("fired one-shot still registered")
	}
}

func TestAddOnceReplaceAndRemove(t *testing.T) {
	s := newRunning(t)
	var first, second atomic.Int32
	at := time.Now().Add(30 * time.Millisecond)
	_, _ = s.AddOnce("snooze:n1", at, 0, func(ctx context.Context) error { first.Add(1); return nil })
	_, _ = s.AddOnce("snooze:n1", at, 0, func(ctx context.Context) error { second.Add(1); return nil })

	_, _ = s.AddOnce("gone", at, 0, func(ctx context.Context) error { first.Add(1); return nil })
	if !s.Remove("gone") {
		t.Fatal("Remove returned false")
	}

	time.Sleep(300 * time.Millisecond)
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("first=%d second=%d", first.Load(), second.Load())
	}
}

func TestScheduleRegistration(t *testing.T) {
	s := newRunning(t)
	if _, err := s.AddSchedule("rules:tick", "1m", 0, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if _, err := s.AddSchedule("digest", "0 8 * * *", 0, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("AddSchedule cron: %v", err)
	}
	if _, err := s.AddSchedule("bad", "61 * * * *", 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected invalid cron error")
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 2 {
		t.Fatalf("schedules = %d", len(snap.Schedules))
	}
	for _, it := range snap.Schedules {
		if it.Next.IsZero() {
			t.Fatalf("schedule %s has no next run", it.Name)
		}
	}
}
