package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"assistd/internal/calendar"
	"assistd/internal/notifications"
	"assistd/internal/tasks"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

type notificationHandler struct {
	out NotificationCreator
}

func (h *notificationHandler) Execute(ctx context.Context, params, trigger map[string]any) (any, error) {
	n := notificationFromParams(params)
	if n.Title == "" && n.Message == "" {
		return nil, fmt.Errorf("%w: title or message", ErrMissingParam)
	}
	if n.Context.Source == "" {
		n.Context.Source = cast.ToString(trigger["source"])
	}
	got, err := h.out.CreateNotification(ctx, n)
	if err != nil {
		return nil, err
	}
	res := map[string]any{"id": got.ID, "status": string(got.Status)}
	if got.ScheduledFor != nil {
		res["scheduledFor"] = *got.ScheduledFor
	}
	return res, nil
}

func notificationFromParams(params map[string]any) notifications.Notification {
	n := notifications.Notification{
		Title:    str(params, "title"),
		Message:  str(params, "message"),
		Priority: notifications.Priority(str(params, "priority")),
		Type:     str(params, "type"),
		Context: notifications.Context{
			Source:          str(params, "source"),
			Category:        str(params, "category"),
			Urgency:         cast.ToInt(params["urgency"]),
			IsTimeSensitive: cast.ToBool(params["timeSensitive"]),
			Metadata:        stringMap(params["metadata"]),
		},
	}
	if sender := str(params, "sender"); sender != "" {
		if n.Context.Metadata == nil {
			n.Context.Metadata = map[string]any{}
		}
		n.Context.Metadata["sender"] = sender
	}
	return n
}

// reminderHandler raises a notification after delay or at a given time.
type reminderHandler struct {
	timer Timer
	out   NotificationCreator
	clock clock.Clock
	log   logx.Logger
}

func (h *reminderHandler) Execute(_ context.Context, params, _ map[string]any) (any, error) {
	n := notificationFromParams(params)
	if n.Title == "" && n.Message == "" {
		return nil, fmt.Errorf("%w: title or message", ErrMissingParam)
	}
	if n.Type == "" {
		n.Type = "reminder"
	}
	now := h.clock.Now()
	var at time.Time
	switch {
	case str(params, "at") != "":
		t, err := cast.ToTimeE(params["at"])
		if err != nil {
			return nil, fmt.Errorf("reminder at: %w", err)
		}
		at = t
	case str(params, "delay") != "":
		d, err := time.ParseDuration(str(params, "delay"))
		if err != nil {
			return nil, fmt.Errorf("reminder delay: %w", err)
		}
		at = now.Add(d)
	default:
		return nil, fmt.Errorf("%w: delay or at", ErrMissingParam)
	}
	if at.Before(now) {
		at = now
	}
	id := uuid.NewString()
	if _, err := h.timer.AddOnce("reminder:"+id, at, time.Minute, func(ctx context.Context) error {
		if _, err := h.out.CreateNotification(ctx, n); err != nil {
			h.log.Warn("reminder not raised", logx.String("id", id), logx.Err(err))
			return err
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "at": at}, nil
}

type taskHandler struct {
	tasks TaskCreator
}

func (h *taskHandler) Execute(ctx context.Context, params, trigger map[string]any) (any, error) {
	title, err := required(params, "title")
	if err != nil {
		return nil, err
	}
	t := tasks.Task{
		Title:    title,
		Notes:    str(params, "notes"),
		Priority: str(params, "priority"),
		Tags:     strList(params["tags"]),
		Source:   cast.ToString(trigger["source"]),
	}
	if str(params, "due") != "" {
		due, err := cast.ToTimeE(params["due"])
		if err != nil {
			return nil, fmt.Errorf("task due: %w", err)
		}
		t.Due = &due
	}
	got, err := h.tasks.Create(ctx, t)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": got.ID}, nil
}

type calendarHandler struct {
	cal EventCreator
}

func (h *calendarHandler) Execute(ctx context.Context, params, _ map[string]any) (any, error) {
	title, err := required(params, "title")
	if err != nil {
		return nil, err
	}
	start, err := cast.ToTimeE(params["start"])
	if err != nil {
		return nil, fmt.Errorf("calendar start: %w", err)
	}
	e := calendar.Event{
		Title:       title,
		Description: str(params, "description"),
		Start:       start,
		Category:    str(params, "category"),
		MeetingType: calendar.MeetingType(str(params, "meetingType")),
	}
	switch {
	case str(params, "end") != "":
		if e.End, err = cast.ToTimeE(params["end"]); err != nil {
			return nil, fmt.Errorf("calendar end: %w", err)
		}
	case str(params, "durationMinutes") != "":
		e.End = start.Add(time.Duration(cast.ToInt(params["durationMinutes"])) * time.Minute)
	}
	if loc := str(params, "location"); loc != "" {
		e.Location = &calendar.Location{Address: loc}
	}
	for _, a := range strList(params["attendees"]) {
		e.Attendees = append(e.Attendees, calendar.Attendee{Email: a})
	}
	got, err := h.cal.CreateEvent(ctx, e)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": got.ID, "start": got.Start, "end": got.End, "conflicts": len(got.Conflicts)}, nil
}

type backupHandler struct {
	runner BackupRunner
}

func (h *backupHandler) Execute(ctx context.Context, params, _ map[string]any) (any, error) {
	label := str(params, "label")
	if label == "" {
		label = "rule"
	}
	res, err := h.runner.Run(ctx, label)
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": res.Name, "bytes": res.Bytes, "uploaded": res.Uploaded}, nil
}
