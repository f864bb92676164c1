// Package llm defines the structured-generation capability used by the
// planner and verifier: a prompt plus a JSON schema in, a JSON document out.
// Provider adapters live in subpackages; every adapter reports failures as
// GENERATION_FAILURE so callers can translate them into their own error
// taxonomy. Responses are validated against the request schema here rather
// than trusted to the provider.
package llm
