package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistd/internal/condition"
	"assistd/internal/eventbus"
	"assistd/internal/storage"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

type fakeSched struct {
	mu    sync.Mutex
	jobs  map[string]func(ctx context.Context) error
	specs map[string]string
}

func newFakeSched() *fakeSched {
	return &fakeSched{jobs: map[string]func(ctx context.Context) error{}, specs: map[string]string{}}
}

func (f *fakeSched) AddSchedule(name, schedule string, _ time.Duration, job func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[name] = job
	f.specs[name] = schedule
	return name, nil
}

func (f *fakeSched) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[name]
	delete(f.jobs, name)
	delete(f.specs, name)
	return ok
}

func (f *fakeSched) run(t *testing.T, name string) {
	t.Helper()
	f.mu.Lock()
	job := f.jobs[name]
	f.mu.Unlock()
	require.NotNil(t, job, name)
	require.NoError(t, job(context.Background()))
}

type recorder struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (r *recorder) handler(fail bool) Handler {
	return HandlerFunc(func(_ context.Context, params map[string]any, _ map[string]any) (any, error) {
		r.mu.Lock()
		r.calls = append(r.calls, params)
		r.mu.Unlock()
		if fail {
			return nil, errors.New("channel down")
		}
		return "ok", nil
	})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, h Handlers, st storage.Store, opts ...Option) (*Service, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	opts = append([]Option{WithClock(clk)}, opts...)
	return New(Config{HistorySize: 50}, h, st, logx.Nop(), eventbus.New(), opts...), clk
}

func mailRule(priority Priority, actions ...Action) Rule {
	return Rule{
		Name:     "boss mail",
		Enabled:  true,
		Priority: priority,
		Trigger: Trigger{
			Type:       TriggerEmailReceived,
			Conditions: []condition.Condition{{Field: "from", Operator: condition.EndsWith, Value: "@example.com"}},
		},
		Actions: actions,
	}
}

func TestEvaluateTriggersCountsExecutions(t *testing.T) {
	rec := &recorder{}
	svc, _ := newTestService(t, Handlers{Notification: rec.handler(false)}, nil)
	ctx := context.Background()

	r, err := svc.CreateRule(ctx, mailRule(PriorityMedium, Action{Type: ActionNotification, Enabled: true}))
	require.NoError(t, err)

	const n = 4
	for i := 0; i < n; i++ {
		got := svc.EvaluateTriggers(ctx, string(TriggerEmailReceived), map[string]any{"from": "boss@example.com"})
		require.Len(t, got, 1)
	}
	none := svc.EvaluateTriggers(ctx, string(TriggerEmailReceived), map[string]any{"from": "spam@elsewhere.net"})
	assert.Empty(t, none)
	none = svc.EvaluateTriggers(ctx, string(TriggerWebhook), map[string]any{"from": "boss@example.com"})
	assert.Empty(t, none)

	got, err := svc.GetRule(r.ID)
	require.NoError(t, err)
	assert.EqualValues(t, n, got.ExecutionCount)
	assert.EqualValues(t, n, got.SuccessCount)
	assert.EqualValues(t, 0, got.FailureCount)
	assert.EqualValues(t, n, got.Trigger.FireCount)
	require.NotNil(t, got.LastExecuted)
	require.NotNil(t, got.Trigger.LastTriggered)
	assert.Equal(t, n, rec.count())
	assert.Len(t, svc.Executions(r.ID), n)
}

func TestCriticalRuleAbortsOnFirstFailure(t *testing.T) {
	ok, bad := &recorder{}, &recorder{}
	svc, _ := newTestService(t, Handlers{
		Notification: ok.handler(false),
		Email:        bad.handler(true),
		TaskCreation: ok.handler(false),
	}, nil)
	ctx := context.Background()

	r, err := svc.CreateRule(ctx, mailRule(PriorityCritical,
		Action{Type: ActionNotification, Enabled: true},
		Action{Type: ActionEmail, Enabled: true},
		Action{Type: ActionTaskCreation, Enabled: true},
	))
	require.NoError(t, err)

	exec, err := svc.ExecuteRule(ctx, r.ID, map[string]any{"from": "boss@example.com"})
	require.NoError(t, err)
	assert.Equal(t, ExecFailed, exec.Status)
	require.Len(t, exec.Actions, 3)
	assert.Equal(t, ActionCompleted, exec.Actions[0].Status)
	assert.Equal(t, ActionFailed, exec.Actions[1].Status)
	assert.Equal(t, "channel down", exec.Actions[1].Error)
	assert.NotEqual(t, ActionCompleted, exec.Actions[2].Status)
	assert.Equal(t, 1, ok.count())
	require.NotNil(t, exec.EndTime)

	got, _ := svc.GetRule(r.ID)
	assert.EqualValues(t, 1, got.ExecutionCount)
	assert.EqualValues(t, 1, got.FailureCount)
	assert.EqualValues(t, 0, got.SuccessCount)
}

func TestNonCriticalRuleCompletesDespiteFailure(t *testing.T) {
	ok, bad := &recorder{}, &recorder{}
	svc, _ := newTestService(t, Handlers{
		Notification: ok.handler(false),
		Email:        bad.handler(true),
		TaskCreation: ok.handler(false),
	}, nil)
	ctx := context.Background()

	r, err := svc.CreateRule(ctx, mailRule(PriorityHigh,
		Action{Type: ActionNotification, Enabled: true},
		Action{Type: ActionEmail, Enabled: true},
		Action{Type: ActionTaskCreation, Enabled: true},
	))
	require.NoError(t, err)

	exec, err := svc.ExecuteRule(ctx, r.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, exec.Status)
	assert.Equal(t, ActionCompleted, exec.Actions[0].Status)
	assert.Equal(t, ActionFailed, exec.Actions[1].Status)
	assert.Equal(t, ActionCompleted, exec.Actions[2].Status)
	assert.Equal(t, "ok", exec.Actions[2].Result)

	got, _ := svc.GetRule(r.ID)
	assert.EqualValues(t, 1, got.ExecutionCount)
	assert.EqualValues(t, 1, got.SuccessCount)
	assert.EqualValues(t, 0, got.FailureCount)
}

func TestDisabledRuleAndActions(t *testing.T) {
	rec := &recorder{}
	svc, _ := newTestService(t, Handlers{Notification: rec.handler(false)}, nil)
	ctx := context.Background()

	rule := mailRule(PriorityLow,
		Action{Type: ActionNotification, Enabled: false},
		Action{Type: ActionNotification, Enabled: true},
	)
	r, err := svc.CreateRule(ctx, rule)
	require.NoError(t, err)

	exec, err := svc.ExecuteRule(ctx, r.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, exec.Actions[0].Status)
	assert.Equal(t, ActionCompleted, exec.Actions[1].Status)
	assert.Equal(t, 1, rec.count())

	r.Enabled = false
	_, err = svc.UpdateRule(ctx, r)
	require.NoError(t, err)

	_, err = svc.ExecuteRule(ctx, r.ID, nil)
	require.ErrorIs(t, err, ErrRuleDisabled)
	assert.Empty(t, svc.EvaluateTriggers(ctx, string(TriggerEmailReceived), map[string]any{"from": "a@example.com"}))

	got, _ := svc.GetRule(r.ID)
	assert.EqualValues(t, 1, got.ExecutionCount)
	assert.EqualValues(t, 0, got.Trigger.FireCount)

	_, err = svc.ExecuteRule(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestActionParamsInterpolated(t *testing.T) {
	rec := &recorder{}
	svc, _ := newTestService(t, Handlers{Notification: rec.handler(false)}, nil)
	ctx := context.Background()

	r, err := svc.CreateRule(ctx, mailRule(PriorityMedium, Action{
		Type:    ActionNotification,
		Enabled: true,
		Params:  map[string]any{"title": "Mail from {{from}}", "body": "{{subject}} {{missing.path}}"},
	}))
	require.NoError(t, err)

	_, err = svc.ExecuteRule(ctx, r.ID, map[string]any{"from": "boss@example.com", "subject": "Budget"})
	require.NoError(t, err)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, "Mail from boss@example.com", rec.calls[0]["title"])
	assert.Equal(t, "Budget {{missing.path}}", rec.calls[0]["body"])

	stored, _ := svc.GetRule(r.ID)
	assert.Equal(t, "Mail from {{from}}", stored.Actions[0].Params["title"])
}

func TestMissingHandlerAndPanicsAreRecorded(t *testing.T) {
	rec := &recorder{}
	svc, _ := newTestService(t, Handlers{
		Notification: HandlerFunc(func(context.Context, map[string]any, map[string]any) (any, error) {
			panic("boom")
		}),
		Email: rec.handler(false),
	}, nil)
	ctx := context.Background()

	panicky, err := svc.CreateRule(ctx, mailRule(PriorityCritical, Action{Type: ActionNotification, Enabled: true}))
	require.NoError(t, err)
	unhandled, err := svc.CreateRule(ctx, mailRule(PriorityMedium, Action{Type: ActionBackup, Enabled: true}))
	require.NoError(t, err)
	healthy, err := svc.CreateRule(ctx, mailRule(PriorityMedium, Action{Type: ActionEmail, Enabled: true}))
	require.NoError(t, err)

	fired := svc.EvaluateTriggers(ctx, string(TriggerEmailReceived), map[string]any{"from": "x@example.com"})
	assert.Len(t, fired, 3)
	assert.Equal(t, 1, rec.count())

	execs := svc.Executions(panicky.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, ExecFailed, execs[0].Status)
	assert.Contains(t, execs[0].Actions[0].Error, "panic")

	execs = svc.Executions(unhandled.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, ExecCompleted, execs[0].Status)
	assert.Contains(t, execs[0].Actions[0].Error, ErrNoHandler.Error())

	got, _ := svc.GetRule(healthy.ID)
	assert.EqualValues(t, 1, got.SuccessCount)
}

func TestRulesRoundTripThroughStore(t *testing.T) {
	st := storage.NewMemory()
	rec := &recorder{}
	svc, clk := newTestService(t, Handlers{Notification: rec.handler(false)}, st)
	ctx := context.Background()

	r, err := svc.CreateRule(ctx, mailRule(PriorityHigh, Action{Type: ActionNotification, Enabled: true}))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	svc.EvaluateTriggers(ctx, string(TriggerEmailReceived), map[string]any{"from": "a@example.com"})
	clk.Advance(time.Minute)
	svc.EvaluateTriggers(ctx, string(TriggerEmailReceived), map[string]any{"from": "a@example.com"})
	want, _ := svc.GetRule(r.ID)

	reloaded, _ := newTestService(t, Handlers{}, st)
	require.NoError(t, reloaded.Load(ctx))
	got, err := reloaded.GetRule(r.ID)
	require.NoError(t, err)

	assert.Equal(t, want.ExecutionCount, got.ExecutionCount)
	assert.Equal(t, want.SuccessCount, got.SuccessCount)
	assert.Equal(t, want.Trigger.FireCount, got.Trigger.FireCount)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.LastExecuted)
	assert.True(t, want.LastExecuted.Equal(*got.LastExecuted))
	assert.Equal(t, want.Trigger.Conditions, got.Trigger.Conditions)

	audit := st.(storage.AuditLister).Audit()
	require.Len(t, audit, 2)
	assert.Equal(t, "rule.execution", audit[0].Kind)
	assert.Equal(t, string(ExecCompleted), audit[0].Status)
}

func TestCancelExecution(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	rec := &recorder{}
	svc, _ := newTestService(t, Handlers{
		Notification: HandlerFunc(func(context.Context, map[string]any, map[string]any) (any, error) {
			close(started)
			<-release
			return nil, nil
		}),
		Email: rec.handler(false),
	}, nil)
	ctx := context.Background()

	r, err := svc.CreateRule(ctx, mailRule(PriorityMedium,
		Action{Type: ActionNotification, Enabled: true},
		Action{Type: ActionEmail, Enabled: true},
	))
	require.NoError(t, err)

	done := make(chan Execution, 1)
	go func() {
		exec, _ := svc.ExecuteRule(ctx, r.ID, nil)
		done <- exec
	}()
	<-started

	running := svc.Executions(r.ID)
	require.Len(t, running, 1)
	assert.Equal(t, ExecRunning, running[0].Status)
	require.NoError(t, svc.CancelExecution(running[0].ID))
	close(release)

	exec := <-done
	assert.Equal(t, ExecCancelled, exec.Status)
	assert.Equal(t, ActionPending, exec.Actions[1].Status)
	assert.Equal(t, 0, rec.count())

	require.ErrorIs(t, svc.CancelExecution(exec.ID), ErrNotCancellable)
	require.ErrorIs(t, svc.CancelExecution("nope"), ErrExecutionAbsent)

	got, _ := svc.GetRule(r.ID)
	assert.EqualValues(t, 1, got.ExecutionCount)
	assert.EqualValues(t, 0, got.SuccessCount)
	assert.EqualValues(t, 0, got.FailureCount)
}

func TestScheduleTriggersAndTimeTick(t *testing.T) {
	rec := &recorder{}
	sched := newFakeSched()
	svc, clk := newTestService(t, Handlers{Reminder: rec.handler(false), Notification: rec.handler(false)}, nil, WithScheduler(sched))
	svc.Apply(Config{HistorySize: 50, TimeTick: time.Minute})
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))

	sched.mu.Lock()
	assert.Equal(t, "1m0s", sched.specs[tickJobName])
	sched.mu.Unlock()

	morning, err := svc.CreateRule(ctx, Rule{
		Name:    "morning reminder",
		Enabled: true,
		Trigger: Trigger{Type: TriggerSchedule, Schedule: "0 9 * * 1-5"},
		Actions: []Action{{Type: ActionReminder, Enabled: true}},
	})
	require.NoError(t, err)
	nine, err := svc.CreateRule(ctx, Rule{
		Name:    "nine o'clock",
		Enabled: true,
		Trigger: Trigger{
			Type:       TriggerTime,
			Conditions: []condition.Condition{{Field: "hour", Operator: condition.Equals, Value: 9}},
		},
		Actions: []Action{{Type: ActionNotification, Enabled: true}},
	})
	require.NoError(t, err)

	sched.run(t, scheduleJobName(morning.ID))
	sched.run(t, tickJobName)
	clk.Advance(time.Hour)
	sched.run(t, tickJobName)

	got, _ := svc.GetRule(morning.ID)
	assert.EqualValues(t, 1, got.ExecutionCount)
	got, _ = svc.GetRule(nine.ID)
	assert.EqualValues(t, 1, got.ExecutionCount)

	morning.Enabled = false
	_, err = svc.UpdateRule(ctx, morning)
	require.NoError(t, err)
	sched.mu.Lock()
	_, registered := sched.jobs[scheduleJobName(morning.ID)]
	sched.mu.Unlock()
	assert.False(t, registered)

	svc.Stop(ctx)
	sched.mu.Lock()
	assert.Empty(t, sched.jobs)
	sched.mu.Unlock()
}

func TestHistoryCapAndPrune(t *testing.T) {
	svc, clk := newTestService(t, Handlers{Notification: (&recorder{}).handler(false)}, nil)
	svc.Apply(Config{HistorySize: 3})
	ctx := context.Background()
	r, err := svc.CreateRule(ctx, mailRule(PriorityLow, Action{Type: ActionNotification, Enabled: true}))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := svc.ExecuteRule(ctx, r.ID, nil)
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}
	require.Len(t, svc.Executions(""), 3)

	assert.Equal(t, 2, svc.PruneExecutions(epoch.Add(4*time.Minute)))
	assert.Len(t, svc.Executions(r.ID), 1)
}

func TestRuleValidation(t *testing.T) {
	svc, _ := newTestService(t, Handlers{}, nil)
	ctx := context.Background()
	cases := map[string]Rule{
		"no name":          {Trigger: Trigger{Type: TriggerManual}},
		"bad trigger":      {Name: "x", Trigger: Trigger{Type: "carrier_pigeon"}},
		"schedule missing": {Name: "x", Trigger: Trigger{Type: TriggerSchedule}},
		"bad logic":        {Name: "x", Trigger: Trigger{Type: TriggerManual, Logic: "XOR"}},
		"bad priority":     {Name: "x", Priority: "urgent", Trigger: Trigger{Type: TriggerManual}},
		"bad operator":     {Name: "x", Trigger: Trigger{Type: TriggerManual, Conditions: []condition.Condition{{Field: "a", Operator: "near"}}}},
		"bad action":       {Name: "x", Trigger: Trigger{Type: TriggerManual}, Actions: []Action{{Type: "fax"}}},
		"bad timeout":      {Name: "x", Trigger: Trigger{Type: TriggerManual}, Actions: []Action{{Type: ActionEmail, Timeout: "soon"}}},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateRule(ctx, r)
			require.ErrorIs(t, err, ErrInvalidRule)
		})
	}

	r, err := svc.CreateRule(ctx, Rule{Name: "ok", Trigger: Trigger{Type: TriggerManual, Logic: "or"}})
	require.NoError(t, err)
	assert.Equal(t, condition.Or, r.Trigger.Logic)
	assert.Equal(t, PriorityMedium, r.Priority)

	require.NoError(t, svc.DeleteRule(ctx, r.ID))
	require.ErrorIs(t, svc.DeleteRule(ctx, r.ID), ErrNotFound)
	_, err = svc.UpdateRule(ctx, r)
	require.ErrorIs(t, err, ErrNotFound)
}
