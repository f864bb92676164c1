// Package job accepts orchestration runs asynchronously and keeps a ledger of
// their final outputs. A Service stores a pending Job and publishes its id to a
// Queue; a Processor consumes ids, claims the job and hands the task to the
// orchestrator. Stores and queues are interchangeable: in-memory variants for
// tests and single-node use, SQL (MySQL or SQLite) for durable ledgers, and
// Redis or RabbitMQ for distributed delivery.
package job
