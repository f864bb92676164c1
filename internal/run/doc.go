// Package run defines the immutable values exchanged by the orchestration
// loop: plans, per-step results, execution reports, verification judgments
// and the final output returned to callers. Reports are never modified in
// place; retries produce new reports through Merge.
package run
