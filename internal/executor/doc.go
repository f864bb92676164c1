// Package executor runs the steps of a plan against the tool registry, one at
// a time in ascending index order. Transient tool failures are retried with
// exponential backoff; every selected step yields exactly one StepResult and
// a failing step never aborts the round.
package executor
