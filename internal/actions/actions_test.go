package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistd/internal/backup"
	"assistd/internal/calendar"
	"assistd/internal/channels"
	"assistd/internal/notifications"
	"assistd/internal/rules"
	"assistd/internal/tasks"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeNotes struct {
	got []notifications.Notification
}

func (f *fakeNotes) CreateNotification(_ context.Context, n notifications.Notification) (notifications.Notification, error) {
	n.ID = "n" + string(rune('0'+len(f.got)))
	n.Status = notifications.StatusDelivered
	f.got = append(f.got, n)
	return n, nil
}

type fakeMailer struct {
	sent []channels.Message
}

func (f *fakeMailer) SendMessage(_ context.Context, m channels.Message) error {
	f.sent = append(f.sent, m)
	return nil
}

type onceTimer struct {
	name string
	at   time.Time
	job  func(ctx context.Context) error
}

func (o *onceTimer) AddOnce(name string, at time.Time, _ time.Duration, job func(ctx context.Context) error) (string, error) {
	o.name, o.at, o.job = name, at, job
	return name, nil
}

type fakeBackup struct{ label string }

func (f *fakeBackup) Run(_ context.Context, label string) (backup.Result, error) {
	f.label = label
	return backup.Result{Name: "assistd-x.json.gz", Bytes: 42}, nil
}

func exec(t *testing.T, h rules.Handler, params map[string]any) map[string]any {
	t.Helper()
	res, err := h.Execute(context.Background(), params, map[string]any{"source": "test"})
	require.NoError(t, err)
	m, ok := res.(map[string]any)
	require.True(t, ok)
	return m
}

func TestBuildSkipsMissingDeps(t *testing.T) {
	h := Build(Deps{})
	assert.Nil(t, h.Notification)
	assert.Nil(t, h.Reminder)
	assert.Nil(t, h.Email)
	assert.Nil(t, h.FileOperation)
	assert.NotNil(t, h.ExternalCall)
	assert.Nil(t, h.TaskCreation)
	assert.Nil(t, h.CalendarEvent)
	assert.Nil(t, h.Backup)
}

func TestFileOperations(t *testing.T) {
	root := t.TempDir()
	h := Build(Deps{FileRoot: root}).FileOperation
	require.NotNil(t, h)

	exec(t, h, map[string]any{"operation": "write", "path": "notes/today.txt", "content": "one\n"})
	res := exec(t, h, map[string]any{"operation": "append", "path": "notes/today.txt", "content": "two\n"})
	assert.Equal(t, 4, res["bytes"])
	b, err := os.ReadFile(filepath.Join(root, "notes", "today.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(b))

	exec(t, h, map[string]any{"operation": "copy", "path": "notes/today.txt", "destination": "archive/copy.txt"})
	exec(t, h, map[string]any{"operation": "move", "path": "notes/today.txt", "destination": "archive/moved.txt"})
	_, err = os.Stat(filepath.Join(root, "notes", "today.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "archive", "copy.txt"))
	require.NoError(t, err)

	exec(t, h, map[string]any{"operation": "mkdir", "path": "inbox/2026"})
	exec(t, h, map[string]any{"operation": "delete", "path": "archive"})
	_, err = os.Stat(filepath.Join(root, "archive"))
	assert.True(t, os.IsNotExist(err))

	ctx := context.Background()
	_, err = h.Execute(ctx, map[string]any{"operation": "write", "path": "../escape.txt"}, nil)
	require.ErrorIs(t, err, ErrOutsideRoot)
	_, err = h.Execute(ctx, map[string]any{"operation": "copy", "path": "inbox", "destination": "../../etc/x"}, nil)
	require.ErrorIs(t, err, ErrOutsideRoot)
	_, err = h.Execute(ctx, map[string]any{"operation": "delete", "path": "."}, nil)
	require.ErrorIs(t, err, ErrOutsideRoot)
	_, err = h.Execute(ctx, map[string]any{"operation": "shred", "path": "x"}, nil)
	require.Error(t, err)
	_, err = h.Execute(ctx, map[string]any{"path": "x"}, nil)
	require.ErrorIs(t, err, ErrMissingParam)
}

func TestExternalCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"method": r.Method,
			"token":  r.Header.Get("X-Token"),
			"ctype":  r.Header.Get("Content-Type"),
			"body":   string(body),
		})
	}))
	defer srv.Close()

	h := Build(Deps{}).ExternalCall
	res := exec(t, h, map[string]any{
		"url":     srv.URL + "/hook",
		"method":  "post",
		"headers": map[string]any{"X-Token": "abc"},
		"body":    map[string]any{"event": "done"},
	})
	assert.Equal(t, 200, res["status"])
	body := res["body"].(map[string]any)
	assert.Equal(t, "POST", body["method"])
	assert.Equal(t, "abc", body["token"])
	assert.Equal(t, "application/json", body["ctype"])
	assert.JSONEq(t, `{"event":"done"}`, body["body"].(string))

	got, err := h.Execute(context.Background(), map[string]any{"url": srv.URL + "/fail"}, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, got.(map[string]any)["status"])

	_, err = h.Execute(context.Background(), map[string]any{"url": srv.URL, "timeout": "soon"}, nil)
	require.Error(t, err)
}

func TestNotificationAndReminder(t *testing.T) {
	notes := &fakeNotes{}
	timer := &onceTimer{}
	h := Build(Deps{Notifications: notes, Timer: timer, Clock: clock.NewManual(t0)})

	res := exec(t, h.Notification, map[string]any{"title": "Build", "message": "green", "priority": "high", "sender": "ci@corp.io"})
	assert.Equal(t, "delivered", res["status"])
	require.Len(t, notes.got, 1)
	assert.Equal(t, notifications.PriorityHigh, notes.got[0].Priority)
	assert.Equal(t, "ci@corp.io", notes.got[0].Context.Metadata["sender"])
	assert.Equal(t, "test", notes.got[0].Context.Source)

	_, err := h.Notification.Execute(context.Background(), map[string]any{}, nil)
	require.ErrorIs(t, err, ErrMissingParam)

	res = exec(t, h.Reminder, map[string]any{"title": "Stand up", "delay": "30m"})
	assert.Equal(t, t0.Add(30*time.Minute), res["at"])
	assert.Equal(t, "reminder:"+res["id"].(string), timer.name)
	require.Len(t, notes.got, 1, "reminder waits for its timer")
	require.NoError(t, timer.job(context.Background()))
	require.Len(t, notes.got, 2)
	assert.Equal(t, "reminder", notes.got[1].Type)

	res = exec(t, h.Reminder, map[string]any{"title": "Past", "at": "2026-03-01T09:00:00Z"})
	assert.Equal(t, t0, res["at"], "past times fire immediately")
	_, err = h.Reminder.Execute(context.Background(), map[string]any{"title": "x"}, nil)
	require.ErrorIs(t, err, ErrMissingParam)
}

func TestEmailAction(t *testing.T) {
	m := &fakeMailer{}
	h := Build(Deps{Mailer: m}).Email
	exec(t, h, map[string]any{"to": "a@x, b@x", "subject": "Hi", "body": "there"})
	require.Len(t, m.sent, 1)
	assert.Equal(t, []string{"a@x", "b@x"}, m.sent[0].To)
	exec(t, h, map[string]any{"to": []any{"c@x"}, "subject": "Again"})
	assert.Equal(t, []string{"c@x"}, m.sent[1].To)

	_, err := h.Execute(context.Background(), map[string]any{"subject": "no one"}, nil)
	require.ErrorIs(t, err, ErrMissingParam)
}

func TestServiceBackedActions(t *testing.T) {
	clk := clock.NewManual(t0)
	taskSvc := tasks.New(nil, clk, logx.Nop(), nil)
	cal := calendar.New(calendar.Config{}, nil, logx.Nop(), nil, calendar.WithClock(clk), calendar.WithTimezone(time.UTC))
	bk := &fakeBackup{}
	h := Build(Deps{Tasks: taskSvc, Calendar: cal, Backup: bk})

	exec(t, h.TaskCreation, map[string]any{"title": "Reply to Ana", "tags": "mail,followup", "due": "2026-03-03T12:00:00Z"})
	list := taskSvc.List(false)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"mail", "followup"}, list[0].Tags)
	assert.Equal(t, "test", list[0].Source)
	require.NotNil(t, list[0].Due)

	res := exec(t, h.CalendarEvent, map[string]any{"title": "Focus", "start": "2026-03-03T10:00:00Z", "durationMinutes": 90})
	assert.Equal(t, time.Date(2026, 3, 3, 11, 30, 0, 0, time.UTC), res["end"].(time.Time).UTC())
	assert.Len(t, cal.GetEvents(nil, nil), 1)
	_, err := h.CalendarEvent.Execute(context.Background(), map[string]any{"title": "x", "start": "whenever"}, nil)
	require.Error(t, err)

	res = exec(t, h.Backup, map[string]any{})
	assert.Equal(t, "rule", bk.label)
	assert.Equal(t, int64(42), res["bytes"])
}

func TestRuleRunsBuiltHandlers(t *testing.T) {
	root := t.TempDir()
	engine := rules.New(rules.Config{}, Build(Deps{FileRoot: root}), nil, logx.Nop(), nil)
	r, err := engine.CreateRule(context.Background(), rules.Rule{
		Name:    "log uploads",
		Enabled: true,
		Trigger: rules.Trigger{Type: rules.TriggerFileChange},
		Actions: []rules.Action{{
			Type:    rules.ActionFileOperation,
			Enabled: true,
			Params:  map[string]any{"operation": "append", "path": "log.txt", "content": "{{name}}\n"},
		}},
	})
	require.NoError(t, err)
	ex, err := engine.ExecuteRule(context.Background(), r.ID, map[string]any{"name": "a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, rules.ExecCompleted, ex.Status)
	b, err := os.ReadFile(filepath.Join(root, "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a.pdf\n", string(b))
}
