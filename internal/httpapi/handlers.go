package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"assistd/internal/calendar"
	"assistd/internal/notifications"
	"assistd/internal/presence"
	"assistd/internal/rules"
	"assistd/internal/tasks"
)

// ruleInput is the request body for rule writes. An omitted "enabled" on the
// rule or on an action means enabled.
type ruleInput struct {
	rules.Rule
	Enabled *bool         `json:"enabled"`
	Actions []actionInput `json:"actions"`
}

type actionInput struct {
	rules.Action
	Enabled *bool `json:"enabled"`
}

func (in ruleInput) rule() rules.Rule {
	r := in.Rule
	r.Enabled = in.Enabled == nil || *in.Enabled
	r.Actions = nil
	for _, a := range in.Actions {
		act := a.Action
		act.Enabled = a.Enabled == nil || *a.Enabled
		r.Actions = append(r.Actions, act)
	}
	return r
}

func (s *Server) mountRules(r chi.Router) {
	r.Get("/rules", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.deps.Rules.GetRules())
	})
	r.Post("/rules", func(w http.ResponseWriter, req *http.Request) {
		var in ruleInput
		if err := decode(req, &in); err != nil {
			fail(w, err)
			return
		}
		out, err := s.deps.Rules.CreateRule(req.Context(), in.rule())
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	})
	r.Get("/rules/{id}", func(w http.ResponseWriter, req *http.Request) {
		out, err := s.deps.Rules.GetRule(chi.URLParam(req, "id"))
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Put("/rules/{id}", func(w http.ResponseWriter, req *http.Request) {
		var in ruleInput
		if err := decode(req, &in); err != nil {
			fail(w, err)
			return
		}
		rule := in.rule()
		rule.ID = chi.URLParam(req, "id")
		out, err := s.deps.Rules.UpdateRule(req.Context(), rule)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Delete("/rules/{id}", func(w http.ResponseWriter, req *http.Request) {
		if err := s.deps.Rules.DeleteRule(req.Context(), chi.URLParam(req, "id")); err != nil {
			fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/rules/{id}/execute", func(w http.ResponseWriter, req *http.Request) {
		data, err := decodeLoose(req)
		if err != nil {
			fail(w, err)
			return
		}
		out, err := s.deps.Rules.ExecuteRule(req.Context(), chi.URLParam(req, "id"), data)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Get("/rules/{id}/executions", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, s.deps.Rules.Executions(chi.URLParam(req, "id")))
	})
	r.Get("/executions/{id}", func(w http.ResponseWriter, req *http.Request) {
		out, err := s.deps.Rules.Execution(chi.URLParam(req, "id"))
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Post("/executions/{id}/cancel", func(w http.ResponseWriter, req *http.Request) {
		if err := s.deps.Rules.CancelExecution(chi.URLParam(req, "id")); err != nil {
			fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) mountCalendar(r chi.Router) {
	cal := s.deps.Calendar
	r.Get("/events", func(w http.ResponseWriter, req *http.Request) {
		from, err := queryTime(req, "from")
		if err != nil {
			fail(w, err)
			return
		}
		to, err := queryTime(req, "to")
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cal.GetEvents(from, to))
	})
	r.Post("/events", func(w http.ResponseWriter, req *http.Request) {
		var in calendar.Event
		if err := decode(req, &in); err != nil {
			fail(w, err)
			return
		}
		out, err := cal.CreateEvent(req.Context(), in)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	})
	r.Get("/events/{id}", func(w http.ResponseWriter, req *http.Request) {
		out, err := cal.GetEvent(chi.URLParam(req, "id"))
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Patch("/events/{id}", func(w http.ResponseWriter, req *http.Request) {
		var p calendar.Patch
		if err := decode(req, &p); err != nil {
			fail(w, err)
			return
		}
		out, err := cal.UpdateEvent(req.Context(), chi.URLParam(req, "id"), p)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Delete("/events/{id}", func(w http.ResponseWriter, req *http.Request) {
		if err := cal.DeleteEvent(req.Context(), chi.URLParam(req, "id")); err != nil {
			fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/calendar/availability", func(w http.ResponseWriter, req *http.Request) {
		start, err := queryTime(req, "start")
		if err != nil {
			fail(w, err)
			return
		}
		if start == nil {
			fail(w, fmt.Errorf("%w: start is required", errBadRequest))
			return
		}
		minutes, err := queryInt(req, "minutes", 60)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"available": cal.IsTimeSlotAvailable(*start, minutes)})
	})
	r.Post("/calendar/suggestions", func(w http.ResponseWriter, req *http.Request) {
		var in calendar.Intent
		if err := decode(req, &in); err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cal.SuggestAvailableTimes(in))
	})
	r.Post("/calendar/conflicts", func(w http.ResponseWriter, req *http.Request) {
		var in calendar.Event
		if err := decode(req, &in); err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cal.DetectConflicts(in))
	})
}

func (s *Server) mountNotifications(r chi.Router) {
	ns := s.deps.Notifications
	r.Get("/notifications", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		limit, err := queryInt(req, "limit", 0)
		if err != nil {
			fail(w, err)
			return
		}
		since, err := queryTime(req, "since")
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ns.GetNotifications(notifications.Filter{
			Status:   notifications.Status(q.Get("status")),
			Priority: notifications.Priority(q.Get("priority")),
			Type:     q.Get("type"),
			Since:    since,
			Limit:    limit,
		}))
	})
	r.Post("/notifications", func(w http.ResponseWriter, req *http.Request) {
		var in notifications.Notification
		if err := decode(req, &in); err != nil {
			fail(w, err)
			return
		}
		out, err := ns.CreateNotification(req.Context(), in)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	})
	r.Get("/notifications/{id}", func(w http.ResponseWriter, req *http.Request) {
		out, err := ns.GetNotification(chi.URLParam(req, "id"))
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Post("/notifications/{id}/dismiss", func(w http.ResponseWriter, req *http.Request) {
		out, err := ns.DismissNotification(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Post("/notifications/{id}/snooze", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			Minutes int `json:"minutes"`
		}
		if err := decode(req, &in); err != nil {
			fail(w, err)
			return
		}
		out, err := ns.SnoozeNotification(req.Context(), chi.URLParam(req, "id"), in.Minutes)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/vips", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ns.VIPs())
	})
	r.Post("/vips", func(w http.ResponseWriter, req *http.Request) {
		var in notifications.VIPContact
		if err := decode(req, &in); err != nil {
			fail(w, err)
			return
		}
		out, err := ns.AddVIP(req.Context(), in)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	})
	r.Put("/vips/{id}", func(w http.ResponseWriter, req *http.Request) {
		var in notifications.VIPContact
		if err := decode(req, &in); err != nil {
			fail(w, err)
			return
		}
		in.ID = chi.URLParam(req, "id")
		out, err := ns.UpdateVIP(req.Context(), in)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Delete("/vips/{id}", func(w http.ResponseWriter, req *http.Request) {
		if err := ns.RemoveVIP(req.Context(), chi.URLParam(req, "id")); err != nil {
			fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/preferences", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ns.Preferences())
	})
	r.Put("/preferences", func(w http.ResponseWriter, req *http.Request) {
		var in notifications.Preferences
		if err := decode(req, &in); err != nil {
			fail(w, err)
			return
		}
		out, err := ns.UpdatePreferences(req.Context(), in)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
}

func (s *Server) getPresence(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Presence.Current())
}

func (s *Server) setPresence(w http.ResponseWriter, req *http.Request) {
	var in struct {
		Activity presence.Activity `json:"activity"`
		Until    *time.Time        `json:"until,omitempty"`
	}
	if err := decode(req, &in); err != nil {
		fail(w, err)
		return
	}
	if err := s.deps.Presence.SetOverride(in.Activity, in.Until); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Presence.Current())
}

func (s *Server) clearPresence(w http.ResponseWriter, _ *http.Request) {
	s.deps.Presence.ClearOverride()
	writeJSON(w, http.StatusOK, s.deps.Presence.Current())
}

func (s *Server) listInbox(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Inbox.List(req.URL.Query().Get("unread") == "true"))
}

func (s *Server) readInbox(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	if !s.deps.Inbox.MarkRead(id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("inbox item %s not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) mountTasks(r chi.Router) {
	ts := s.deps.Tasks
	r.Get("/tasks", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, ts.List(req.URL.Query().Get("all") == "true"))
	})
	r.Post("/tasks", func(w http.ResponseWriter, req *http.Request) {
		var in tasks.Task
		if err := decode(req, &in); err != nil {
			fail(w, err)
			return
		}
		out, err := ts.Create(req.Context(), in)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	})
	r.Post("/tasks/{id}/complete", func(w http.ResponseWriter, req *http.Request) {
		out, err := ts.Complete(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Delete("/tasks/{id}", func(w http.ResponseWriter, req *http.Request) {
		if err := ts.Delete(req.Context(), chi.URLParam(req, "id")); err != nil {
			fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) listBackups(w http.ResponseWriter, _ *http.Request) {
	names, err := s.deps.Backup.List()
	if err != nil {
		fail(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) runBackup(w http.ResponseWriter, req *http.Request) {
	res, err := s.deps.Backup.Run(req.Context(), req.URL.Query().Get("label"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// webhook pushes the JSON body as an event of the type named in the path.
func (s *Server) webhook(w http.ResponseWriter, req *http.Request) {
	typ := rules.TriggerType(chi.URLParam(req, "eventType"))
	if !typ.Valid() || typ == rules.TriggerTime || typ == rules.TriggerSchedule {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported event type %q", typ))
		return
	}
	data, err := decodeLoose(req)
	if err != nil {
		fail(w, err)
		return
	}
	if _, ok := data["source"]; !ok {
		data["source"] = "webhook"
	}
	matched := s.deps.Sink.EvaluateTriggers(req.Context(), string(typ), data)
	ids := make([]string, 0, len(matched))
	for _, r := range matched {
		ids = append(ids, r.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"matched": ids})
}
