// Package verifier judges an execution report against the task through the
// generation capability and decides which steps, if any, must be re-executed.
package verifier
