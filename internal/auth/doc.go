// Package auth guards the HTTP API with static bearer API keys. Each key maps
// to a named subject carrying permissions such as runs:read and runs:write;
// the middleware authenticates the request, checks the per-method
// permissions and writes an audit record for every decision.
package auth
