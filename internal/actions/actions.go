package actions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cast"

	"assistd/internal/backup"
	"assistd/internal/calendar"
	"assistd/internal/channels"
	"assistd/internal/notifications"
	"assistd/internal/rules"
	"assistd/internal/tasks"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

var ErrMissingParam = errors.New("missing action param")

type NotificationCreator interface {
	CreateNotification(ctx context.Context, n notifications.Notification) (notifications.Notification, error)
}

type MessageSender interface {
	SendMessage(ctx context.Context, msg channels.Message) error
}

type TaskCreator interface {
	Create(ctx context.Context, t tasks.Task) (tasks.Task, error)
}

type EventCreator interface {
	CreateEvent(ctx context.Context, e calendar.Event) (calendar.Event, error)
}

type BackupRunner interface {
	Run(ctx context.Context, label string) (backup.Result, error)
}

// Timer arms one-shot jobs for reminders.
type Timer interface {
	AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) (string, error)
}

// Deps are the collaborators handlers act on. A nil dependency leaves its
// action without a handler, so the engine records ErrNoHandler for it.
type Deps struct {
	Notifications NotificationCreator
	Mailer        MessageSender
	Tasks         TaskCreator
	Calendar      EventCreator
	Backup        BackupRunner
	Timer         Timer
	Clock         clock.Clock

	// FileRoot sandboxes file operations. Empty disables them.
	FileRoot    string
	HTTPClient  *http.Client
	HTTPTimeout time.Duration
	Log         logx.Logger
}

// Build wires the handler table for the rule engine.
func Build(d Deps) rules.Handlers {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	var h rules.Handlers
	if d.Notifications != nil {
		h.Notification = &notificationHandler{out: d.Notifications}
		if d.Timer != nil {
			h.Reminder = &reminderHandler{timer: d.Timer, out: d.Notifications, clock: d.Clock, log: d.Log}
		}
	}
	if d.Mailer != nil {
		h.Email = &emailHandler{mailer: d.Mailer}
	}
	if strings.TrimSpace(d.FileRoot) != "" {
		h.FileOperation = &fileHandler{root: d.FileRoot}
	}
	h.ExternalCall = newHTTPHandler(d.HTTPClient, d.HTTPTimeout)
	if d.Tasks != nil {
		h.TaskCreation = &taskHandler{tasks: d.Tasks}
	}
	if d.Calendar != nil {
		h.CalendarEvent = &calendarHandler{cal: d.Calendar}
	}
	if d.Backup != nil {
		h.Backup = &backupHandler{runner: d.Backup}
	}
	return h
}

func str(params map[string]any, key string) string {
	return strings.TrimSpace(cast.ToString(params[key]))
}

func required(params map[string]any, key string) (string, error) {
	v := str(params, key)
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	return v, nil
}

// strList accepts a list or a comma separated string.
func strList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		var out []string
		for _, p := range strings.Split(t, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return cast.ToStringSlice(v)
}

func stringMap(v any) map[string]any {
	m, err := cast.ToStringMapE(v)
	if err != nil {
		return nil
	}
	return m
}
