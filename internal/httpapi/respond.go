package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"assistd/internal/backup"
	"assistd/internal/calendar"
	"assistd/internal/notifications"
	"assistd/internal/presence"
	"assistd/internal/rules"
	"assistd/internal/tasks"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// fail maps service errors to status codes.
func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rules.ErrNotFound), errors.Is(err, rules.ErrExecutionAbsent),
		errors.Is(err, calendar.ErrNotFound), errors.Is(err, notifications.ErrNotFound),
		errors.Is(err, tasks.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, rules.ErrInvalidRule), errors.Is(err, calendar.ErrInvalidEvent),
		errors.Is(err, notifications.ErrInvalid), errors.Is(err, notifications.ErrInvalidVIP),
		errors.Is(err, notifications.ErrInvalidPrefs), errors.Is(err, tasks.ErrInvalid),
		errors.Is(err, presence.ErrInvalidActivity), errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, rules.ErrRuleDisabled), errors.Is(err, rules.ErrNotCancellable),
		errors.Is(err, notifications.ErrInvalidState):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, backup.ErrNoStore):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

var errBadRequest = errors.New("bad request")

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// decodeLoose accepts any JSON object. An empty body or a JSON null yields an
// empty, writable object.
func decodeLoose(r *http.Request) (map[string]any, error) {
	out := map[string]any{}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&out)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, key, err)
	}
	return &t, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, key)
	}
	return n, nil
}
