package domain

import "time"

// ErrorType classifies a failure recorded in the error log.
type ErrorType string

const (
	ErrorValidation     ErrorType = "validation_error"
	ErrorConnection     ErrorType = "connection_error"
	ErrorTimeout        ErrorType = "timeout_error"
	ErrorAPI            ErrorType = "api_error"
	ErrorServer         ErrorType = "server_error"
	ErrorAuthentication ErrorType = "authentication_error"
	ErrorUnknown        ErrorType = "unknown_error"
)

// Processing steps recorded on error log entries.
const (
	StepLaunch            = "launch"
	StepFetchCampaignCopy = "fetch_campaign_copy"
	StepPollStatus        = "poll_status"
	StepFetchScores       = "fetch_scores"
	StepApplyLimit        = "apply_sending_limit"
	StepRecurrence        = "process_recurring"
	StepRefreshAccounts   = "refresh_accounts"
)

// Detail codes distinguishing why a spamcheck failed.
const (
	CodeAllAccountsFailed = "all_accounts_failed"
	CodeNoAccounts        = "no_accounts"
	CodeTooManyFailures   = "too_many_failures"
	CodeAuthentication    = "authentication_error"
	CodeRecurring         = "recurring_error"
	CodeUnknownPlatform   = "unknown_platform"
)

// ProviderSystem marks entries not caused by a sending platform.
const ProviderSystem = "system"

// ErrorLog is an append-only record of a failure met while processing a
// spamcheck step.
type ErrorLog struct {
	ID          int64          `json:"id" db:"id"`
	TenantID    string         `json:"tenant_id" db:"tenant_id"`
	SpamcheckID int64          `json:"spamcheck_id" db:"spamcheck_id"`
	Account     string         `json:"account" db:"account"`
	Provider    string         `json:"provider" db:"provider"`
	ErrorType   ErrorType      `json:"error_type" db:"error_type"`
	Code        string         `json:"code" db:"code"`
	Message     string         `json:"message" db:"message"`
	Details     map[string]any `json:"details" db:"details"`
	Step        string         `json:"step" db:"step"`
	StatusCode  int            `json:"status_code" db:"status_code"`
	WorkspaceID string         `json:"workspace_id" db:"workspace_id"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}
