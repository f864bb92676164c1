// Package api exposes the orchestrator over HTTP: a synchronous /run-task
// endpoint, asynchronous run submission and querying backed by the job
// service, the tool catalog, health checks and Prometheus metrics.
package api
