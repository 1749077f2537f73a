// Package domain holds the value types shared by the spamcheck service, the
// scheduler sweeps and the repositories: spamchecks, enrolled accounts,
// platform runs, reports and error logs, plus their status enums.
//
// The package imports nothing from internal/. Types carry JSON tags and
// pure helpers (validation, derived fields) but never a database handle,
// an HTTP request or a context.
package domain
