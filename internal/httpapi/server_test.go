package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistd/internal/backup"
	"assistd/internal/calendar"
	"assistd/internal/channels"
	"assistd/internal/notifications"
	"assistd/internal/notifier"
	"assistd/internal/presence"
	"assistd/internal/rules"
	"assistd/internal/storage"
	"assistd/internal/tasks"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

type env struct {
	srv   *httptest.Server
	rules *rules.Service
	inbox *channels.Inbox
}

type inboxDeliverer struct{ inbox *channels.Inbox }

func (d inboxDeliverer) Deliver(ctx context.Context, del notifier.Delivery) error {
	return d.inbox.Send(ctx, del)
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	st := storage.NewMemory()
	cal := calendar.New(calendar.Config{}, st, logx.Nop(), nil, calendar.WithClock(clk), calendar.WithTimezone(time.UTC))
	pres := presence.New(cal, clk, logx.Nop(), nil)
	inbox := channels.NewInbox(10, nil)
	ns := notifications.New(notifications.Config{}, st, logx.Nop(), nil,
		notifications.WithClock(clk),
		notifications.WithTimezone(time.UTC),
		notifications.WithContextProvider(pres),
		notifications.WithMeetings(cal),
		notifications.WithDeliverer(inboxDeliverer{inbox: inbox}),
	)
	rs := rules.New(rules.Config{}, rules.Handlers{
		Notification: rules.HandlerFunc(func(ctx context.Context, params, _ map[string]any) (any, error) {
			n, err := ns.CreateNotification(ctx, notifications.Notification{Title: params["title"].(string)})
			return n.ID, err
		}),
	}, st, logx.Nop(), nil, rules.WithClock(clk))
	ts := tasks.New(st, clk, logx.Nop(), nil)
	bk := backup.New(backup.Config{Dir: t.TempDir()}, st, logx.Nop(), nil, backup.WithClock(clk))

	s := New(cfg, Deps{
		Rules:         rs,
		Calendar:      cal,
		Notifications: ns,
		Presence:      pres,
		Inbox:         inbox,
		Tasks:         ts,
		Backup:        bk,
	}, logx.Nop())
	e := &env{srv: httptest.NewServer(s.Handler()), rules: rs, inbox: inbox}
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) do(t *testing.T, method, path string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decodeInto[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func TestHealthAndAuth(t *testing.T) {
	e := newEnv(t, Config{Token: "s3cret", WebhookToken: "hook"})
	resp, _ := e.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/rules", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/rules", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/rules", nil, "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/webhooks/webhook", map[string]any{}, "s3cret")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/webhooks/webhook", map[string]any{}, "hook")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestProfilerMount(t *testing.T) {
	e := newEnv(t, Config{Token: "s3cret"})
	resp, _ := e.do(t, http.MethodGet, "/debug/vars", nil, "s3cret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	e = newEnv(t, Config{Token: "s3cret", Pprof: true})
	resp, _ = e.do(t, http.MethodGet, "/debug/vars", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/debug/vars", nil, "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRulesAndWebhook(t *testing.T) {
	e := newEnv(t, Config{})
	resp, body := e.do(t, http.MethodPost, "/api/rules", map[string]any{
		"name":    "deploy alert",
		"enabled": true,
		"trigger": map[string]any{
			"type":       "webhook",
			"conditions": []map[string]any{{"field": "status", "operator": "equals", "value": "failed"}},
		},
		"actions": []map[string]any{{"type": "notification", "enabled": true, "params": map[string]any{"title": "Deploy {{status}}"}}},
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	r := decodeInto[rules.Rule](t, body)

	resp, body = e.do(t, http.MethodPost, "/webhooks/webhook", map[string]any{"status": "ok"}, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"matched":[]}`, string(body))

	resp, body = e.do(t, http.MethodPost, "/webhooks/webhook", map[string]any{"status": "failed"}, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"matched":["`+r.ID+`"]}`, string(body))
	require.Len(t, e.inbox.List(false), 1)
	assert.Equal(t, "Deploy failed", e.inbox.List(false)[0].Title)

	for _, path := range []string{"/webhooks/webhook", "/webhooks/email_received"} {
		resp, body = e.do(t, http.MethodPost, path, json.RawMessage(`null`), "")
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, path)
		assert.JSONEq(t, `{"matched":[]}`, string(body))
	}

	resp, _ = e.do(t, http.MethodPost, "/webhooks/schedule", map[string]any{}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/rules/"+r.ID+"/executions", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	execs := decodeInto[[]rules.Execution](t, body)
	require.Len(t, execs, 1)

	resp, _ = e.do(t, http.MethodPost, "/api/executions/"+execs[0].ID+"/cancel", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/rules/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/rules", map[string]any{"name": ""}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/rules", map[string]any{"bogus": 1}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, "/api/rules/"+r.ID, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRuleEnabledDefaultsToTrue(t *testing.T) {
	e := newEnv(t, Config{})
	resp, body := e.do(t, http.MethodPost, "/api/rules", map[string]any{
		"name":    "door watch",
		"trigger": map[string]any{"type": "webhook"},
		"actions": []map[string]any{
			{"type": "notification", "params": map[string]any{"title": "Door"}},
			{"type": "notification", "enabled": false, "params": map[string]any{"title": "Muted"}},
		},
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	r := decodeInto[rules.Rule](t, body)
	assert.True(t, r.Enabled)
	require.Len(t, r.Actions, 2)
	assert.True(t, r.Actions[0].Enabled)
	assert.False(t, r.Actions[1].Enabled)

	resp, body = e.do(t, http.MethodPost, "/webhooks/webhook", map[string]any{}, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"matched":["`+r.ID+`"]}`, string(body))
	require.Len(t, e.inbox.List(false), 1)
	assert.Equal(t, "Door", e.inbox.List(false)[0].Title)

	resp, body = e.do(t, http.MethodPut, "/api/rules/"+r.ID, map[string]any{
		"name":    "door watch",
		"enabled": false,
		"trigger": map[string]any{"type": "webhook"},
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.False(t, decodeInto[rules.Rule](t, body).Enabled)
}

func TestCalendarRoutes(t *testing.T) {
	e := newEnv(t, Config{})
	resp, body := e.do(t, http.MethodPost, "/api/events", map[string]any{
		"title": "Planning",
		"start": "2026-03-03T10:00:00Z",
		"end":   "2026-03-03T11:00:00Z",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	ev := decodeInto[calendar.Event](t, body)

	resp, body = e.do(t, http.MethodGet, "/api/calendar/availability?start=2026-03-03T10:30:00Z&minutes=30", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"available":false}`, string(body))
	resp, _ = e.do(t, http.MethodGet, "/api/calendar/availability", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodPatch, "/api/events/"+ev.ID, map[string]any{"title": "Planning v2"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Planning v2", decodeInto[calendar.Event](t, body).Title)

	resp, body = e.do(t, http.MethodGet, "/api/events?from=2026-03-03T00:00:00Z&to=2026-03-04T00:00:00Z", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeInto[[]calendar.Event](t, body), 1)

	resp, body = e.do(t, http.MethodPost, "/api/calendar/suggestions", map[string]any{"durationMinutes": 30}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, decodeInto[[]time.Time](t, body))

	resp, _ = e.do(t, http.MethodDelete, "/api/events/"+ev.ID, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/events/"+ev.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNotificationRoutes(t *testing.T) {
	e := newEnv(t, Config{})
	resp, body := e.do(t, http.MethodPost, "/api/notifications", map[string]any{"title": "Hello", "priority": "medium"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	n := decodeInto[notifications.Notification](t, body)
	assert.Equal(t, notifications.StatusDelivered, n.Status)

	resp, body = e.do(t, http.MethodPost, "/api/notifications/"+n.ID+"/snooze", map[string]any{"minutes": 15}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, notifications.StatusSnoozed, decodeInto[notifications.Notification](t, body).Status)

	resp, _ = e.do(t, http.MethodPost, "/api/notifications/"+n.ID+"/dismiss", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/notifications/"+n.ID+"/snooze", map[string]any{"minutes": 5}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/notifications?status=dismissed", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeInto[[]notifications.Notification](t, body), 1)

	resp, _ = e.do(t, http.MethodPost, "/api/vips", map[string]any{"id": "boss@corp.io", "relationship": "boss", "priority": "vip"}, "")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/vips", map[string]any{"id": "x@y", "relationship": "stranger"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body = e.do(t, http.MethodGet, "/api/vips", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeInto[[]notifications.VIPContact](t, body), 1)

	resp, body = e.do(t, http.MethodGet, "/api/preferences", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	prefs := decodeInto[notifications.Preferences](t, body)
	prefs.QuietHours.Start = "nope"
	resp, _ = e.do(t, http.MethodPut, "/api/preferences", prefs, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/inbox", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := decodeInto[[]channels.InboxItem](t, body)
	require.Len(t, items, 1)
	resp, _ = e.do(t, http.MethodPost, "/api/inbox/"+items[0].ID+"/read", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestPresenceTasksBackups(t *testing.T) {
	e := newEnv(t, Config{})
	resp, body := e.do(t, http.MethodPut, "/api/presence", map[string]any{"activity": "driving"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, presence.Driving, decodeInto[presence.Context](t, body).Activity)
	resp, _ = e.do(t, http.MethodPut, "/api/presence", map[string]any{"activity": "flying"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body = e.do(t, http.MethodDelete, "/api/presence", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, presence.Available, decodeInto[presence.Context](t, body).Activity)

	resp, body = e.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": "Renew passport"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	task := decodeInto[tasks.Task](t, body)
	resp, _ = e.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/complete", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = e.do(t, http.MethodGet, "/api/tasks", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeInto[[]tasks.Task](t, body))
	resp, body = e.do(t, http.MethodGet, "/api/tasks?all=true", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeInto[[]tasks.Task](t, body), 1)

	resp, body = e.do(t, http.MethodPost, "/api/backups?label=manual", nil, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	resp, body = e.do(t, http.MethodGet, "/api/backups", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeInto[[]string](t, body), 1)
}
