package rules

import (
	"context"
	"fmt"
)

// Handler performs one action. params are already interpolated against the
// trigger data. Errors are recorded on the action, never propagated.
type Handler interface {
	Execute(ctx context.Context, params map[string]any, trigger map[string]any) (any, error)
}

type HandlerFunc func(ctx context.Context, params map[string]any, trigger map[string]any) (any, error)

func (f HandlerFunc) Execute(ctx context.Context, params map[string]any, trigger map[string]any) (any, error) {
	return f(ctx, params, trigger)
}

// Handlers holds one handler per action type. Nil fields fail their actions with ErrNoHandler.
type Handlers struct {
	Notification  Handler
	Email         Handler
	FileOperation Handler
	ExternalCall  Handler
	TaskCreation  Handler
	CalendarEvent Handler
	Backup        Handler
	Reminder      Handler
}

func (h Handlers) table() map[ActionType]Handler {
	return map[ActionType]Handler{
		ActionNotification:  h.Notification,
		ActionEmail:         h.Email,
		ActionFileOperation: h.FileOperation,
		ActionExternalCall:  h.ExternalCall,
		ActionTaskCreation:  h.TaskCreation,
		ActionCalendarEvent: h.CalendarEvent,
		ActionBackup:        h.Backup,
		ActionReminder:      h.Reminder,
	}
}

func lookup(tbl map[ActionType]Handler, t ActionType) (Handler, error) {
	h := tbl[t]
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, t)
	}
	return h, nil
}

// invoke turns handler panics into errors.
func invoke(ctx context.Context, h Handler, params, trigger map[string]any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, params, trigger)
}

// EventSink accepts external events for trigger evaluation. *Service implements it.
type EventSink interface {
	EvaluateTriggers(ctx context.Context, eventType string, data map[string]any) []Rule
}

var _ EventSink = (*Service)(nil)
