// Package rules owns automation rules and their executions.
//
// A rule pairs one trigger (event type + conditions) with an ordered list of
// actions. EvaluateTriggers matches incoming events against enabled rules and
// executes every match; ExecuteRule runs actions strictly in order on the
// calling goroutine. Action failures are recorded per action and only fail the
// whole execution when the rule priority is critical.
package rules
