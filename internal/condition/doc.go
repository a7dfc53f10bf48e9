// Package condition evaluates rule conditions against event data and resolves
// {{field.path}} placeholders in action parameters.
//
// Evaluation never fails loudly: Check reports problems (a malformed regex, a
// non-numeric operand) as errors, and Evaluate maps every error to false.
package condition
