// Package orchestrator composes the planner, executor and verifier into the
// bounded Plan -> Execute -> Verify loop. A run plans once, executes every
// step, then re-executes only the steps the verifier flags until the
// verifier is satisfied or the caller's retry budget is spent. Exhausting
// the budget is a normal outcome reported on the Output, not an error.
package orchestrator
