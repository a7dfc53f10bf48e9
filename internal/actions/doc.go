// Package actions implements the rule engine's action handlers. Each handler
// reads its settings from the interpolated action params and returns a small
// result map that is recorded on the execution.
package actions
