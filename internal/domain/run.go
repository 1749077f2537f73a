package domain

import (
	"fmt"
	"time"
)

// RunStatus enumerates the states of one external test campaign.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunDeleted   RunStatus = "deleted"
)

// Finished returns true once the platform stopped sending for the run.
func (s RunStatus) Finished() bool {
	return s == RunCompleted || s == RunDeleted
}

// Run is one external test execution tied to a spamcheck and, optionally,
// one account or domain group.
type Run struct {
	ID            int64     `json:"id" db:"id"`
	SpamcheckID   int64     `json:"spamcheck_id" db:"spamcheck_id"`
	LaunchAttempt int       `json:"launch_attempt" db:"launch_attempt"`
	AccountEmail  string    `json:"account_email" db:"account_email"`
	Domain        string    `json:"domain" db:"domain"`
	ExternalID    string    `json:"external_id" db:"external_id"`
	Tag           string    `json:"tag" db:"tag"`
	Status        RunStatus `json:"status" db:"status"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// FormatLaunchKey builds the idempotency key of a launch attempt.
func FormatLaunchKey(spamcheckID int64, attempt int) string {
	return fmt.Sprintf("%d:%d", spamcheckID, attempt)
}
