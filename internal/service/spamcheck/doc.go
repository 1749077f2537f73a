// Package spamcheck implements the spamcheck lifecycle.
//
// The service owns every status change. Each transition is a conditional
// write against the status the caller observed, so two writers can never
// skip an edge of the lifecycle graph, and child rows (runs, reports, error
// logs) commit together with the status change.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package spamcheck
