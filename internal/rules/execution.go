package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"assistd/internal/condition"
	"assistd/internal/eventbus"
	"assistd/internal/storage"
	"assistd/pkg/logx"
)

// ExecuteRule runs the actions of rule id in order against trigger.
//
// Disabled actions are skipped. A failing action is recorded and the run
// continues, except for critical rules where the first failure aborts the
// remaining actions and fails the execution. The returned error is only
// non-nil when the rule cannot run at all (unknown or disabled).
func (s *Service) ExecuteRule(ctx context.Context, id string, trigger map[string]any) (Execution, error) {
	s.mu.Lock()
	r, ok := s.rules[id]
	if !ok {
		s.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !r.Enabled {
		s.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: %s", ErrRuleDisabled, id)
	}
	rule := cloneRule(*r)
	start := s.clock.Now()
	exec := &Execution{
		ID:          ulid.Make().String(),
		RuleID:      rule.ID,
		StartTime:   start,
		Status:      ExecRunning,
		TriggerData: trigger,
		Actions:     make([]ActionRecord, len(rule.Actions)),
	}
	for i, a := range rule.Actions {
		exec.Actions[i] = ActionRecord{ActionID: a.ID, Type: a.Type, Status: ActionPending}
	}
	s.appendLogLocked(exec, "info", fmt.Sprintf("execution started for rule %q", rule.Name))
	s.execs = append(s.execs, exec)
	s.trimHistoryLocked()
	s.mu.Unlock()

	log := s.log.With(logx.String("rule", rule.ID), logx.String("exec", exec.ID))
	aborted := false
	var abortErr error
	for i, a := range rule.Actions {
		if s.cancelled(exec) {
			break
		}
		if !a.Enabled {
			s.setAction(exec, i, func(rec *ActionRecord) { rec.Status = ActionSkipped })
			continue
		}
		at := s.clock.Now()
		s.setAction(exec, i, func(rec *ActionRecord) {
			rec.Status = ActionRunning
			rec.StartTime = &at
		})

		res, err := s.runAction(ctx, a, trigger)
		end := s.clock.Now()
		if err != nil {
			s.setAction(exec, i, func(rec *ActionRecord) {
				rec.Status = ActionFailed
				rec.EndTime = &end
				rec.Error = err.Error()
			})
			s.addLog(exec, "error", fmt.Sprintf("action %s (%s) failed: %v", a.ID, a.Type, err))
			log.Warn("action failed", logx.String("action", a.ID), logx.String("type", string(a.Type)), logx.Err(err))
			if rule.Priority == PriorityCritical {
				aborted = true
				abortErr = err
				break
			}
			continue
		}
		s.setAction(exec, i, func(rec *ActionRecord) {
			rec.Status = ActionCompleted
			rec.EndTime = &end
			rec.Result = res
		})
		s.addLog(exec, "info", fmt.Sprintf("action %s (%s) completed", a.ID, a.Type))
	}

	end := s.clock.Now()
	s.mu.Lock()
	switch {
	case exec.Status == ExecCancelled:
	case aborted:
		exec.Status = ExecFailed
		s.appendLogLocked(exec, "error", "execution aborted: "+abortErr.Error())
	default:
		exec.Status = ExecCompleted
		s.appendLogLocked(exec, "info", "execution completed")
	}
	if exec.EndTime == nil {
		exec.EndTime = &end
	}
	if cur, ok := s.rules[rule.ID]; ok {
		cur.ExecutionCount++
		switch {
		case aborted:
			cur.FailureCount++
		case exec.Status == ExecCompleted:
			cur.SuccessCount++
		}
		cur.LastExecuted = &end
		s.saveLocked(ctx)
	}
	out := cloneExecution(exec)
	s.mu.Unlock()

	s.audit(ctx, out, end.Sub(start))
	s.bus.Publish(eventbus.Event{Type: eventbus.RuleExecuted, Time: end, Data: map[string]any{
		"rule": out.RuleID, "execution": out.ID, "status": string(out.Status),
	}})
	log.Info("rule executed", logx.String("status", string(out.Status)), logx.Duration("took", end.Sub(start)))
	return out, nil
}

func (s *Service) runAction(ctx context.Context, a Action, trigger map[string]any) (any, error) {
	h, err := lookup(s.handlers, a.Type)
	if err != nil {
		return nil, err
	}
	return invoke(ctx, h, condition.Interpolate(a.Params, trigger), trigger)
}

func (s *Service) cancelled(exec *Execution) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return exec.Status == ExecCancelled
}

func (s *Service) setAction(exec *Execution, i int, fn func(rec *ActionRecord)) {
	s.mu.Lock()
	fn(&exec.Actions[i])
	s.mu.Unlock()
}

func (s *Service) addLog(exec *Execution, level, msg string) {
	s.mu.Lock()
	s.appendLogLocked(exec, level, msg)
	s.mu.Unlock()
}

func (s *Service) appendLogLocked(exec *Execution, level, msg string) {
	exec.Logs = append(exec.Logs, LogEntry{At: s.clock.Now(), Level: level, Message: msg})
}

func (s *Service) audit(ctx context.Context, e Execution, took time.Duration) {
	if s.store == nil {
		return
	}
	entry := storage.AuditEntry{
		At:      s.clock.Now(),
		Kind:    "rule.execution",
		Subject: e.RuleID,
		Status:  string(e.Status),
		TookMS:  took.Milliseconds(),
	}
	for _, a := range e.Actions {
		switch a.Status {
		case ActionCompleted:
			entry.OK++
		case ActionFailed:
			entry.Fail++
			if entry.Error == "" {
				entry.Error = a.Error
			}
		}
	}
	if b, err := json.Marshal(map[string]string{"execution": e.ID}); err == nil {
		entry.Meta = string(b)
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.log.Warn("audit append failed", logx.Err(err))
	}
}

// CancelExecution marks a pending or running execution cancelled. Actions not
// yet started are left pending.
func (s *Service) CancelExecution(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.ID != id {
			continue
		}
		if e.Status.Finished() {
			return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, e.Status)
		}
		now := s.clock.Now()
		e.Status = ExecCancelled
		e.EndTime = &now
		s.appendLogLocked(e, "warn", "execution cancelled")
		return nil
	}
	return fmt.Errorf("%w: %s", ErrExecutionAbsent, id)
}

func (s *Service) Execution(id string) (Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.ID == id {
			return cloneExecution(e), nil
		}
	}
	return Execution{}, fmt.Errorf("%w: %s", ErrExecutionAbsent, id)
}

// Executions lists retained executions, newest first. Empty ruleID lists all.
func (s *Service) Executions(ruleID string) []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Execution, 0, len(s.execs))
	for i := len(s.execs) - 1; i >= 0; i-- {
		e := s.execs[i]
		if ruleID != "" && e.RuleID != ruleID {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	return out
}

// PruneExecutions drops finished executions that ended before cutoff.
func (s *Service) PruneExecutions(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.execs[:0]
	n := 0
	for _, e := range s.execs {
		if e.Status.Finished() && e.EndTime != nil && e.EndTime.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.execs); i++ {
		s.execs[i] = nil
	}
	s.execs = kept
	return n
}

// trimHistoryLocked drops the oldest finished executions above the cap.
func (s *Service) trimHistoryLocked() {
	over := len(s.execs) - s.cfg.HistorySize
	if over <= 0 {
		return
	}
	kept := make([]*Execution, 0, s.cfg.HistorySize)
	for _, e := range s.execs {
		if over > 0 && e.Status.Finished() {
			over--
			continue
		}
		kept = append(kept, e)
	}
	s.execs = kept
}

func cloneExecution(e *Execution) Execution {
	out := *e
	out.Actions = append([]ActionRecord(nil), e.Actions...)
	out.Logs = append([]LogEntry(nil), e.Logs...)
	if e.EndTime != nil {
		t := *e.EndTime
		out.EndTime = &t
	}
	return out
}
