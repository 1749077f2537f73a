package spamcheck

import (
	"context"
	"time"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
)

// Repository defines the data access contract for spamchecks and their
// child rows. Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single spamcheck. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id int64) (*domain.Spamcheck, error)

	// List returns spamchecks matching the filter, oldest created first.
	List(ctx context.Context, f ListFilter) ([]domain.Spamcheck, error)

	// Create inserts a spamcheck with its enrolled accounts and returns its ID.
	// Returns ErrDuplicateName when a live spamcheck of the same tenant and
	// organization already uses the name.
	Create(ctx context.Context, sc *domain.Spamcheck, emails []string) (int64, error)

	// Update applies u when the current status is in allowed. Returns
	// ErrStaleStatus otherwise.
	Update(ctx context.Context, id int64, allowed []domain.Status, u UpdateFields, at time.Time) error

	// Delete removes the spamcheck and its child rows when the current status
	// is in allowed. Returns ErrStaleStatus otherwise.
	Delete(ctx context.Context, id int64, allowed []domain.Status) error

	// Accounts returns the enrolled accounts in enrollment order.
	Accounts(ctx context.Context, spamcheckID int64) ([]domain.Account, error)

	// Runs returns the runs of one launch attempt.
	Runs(ctx context.Context, spamcheckID int64, attempt int) ([]domain.Run, error)

	// UpdateRunStatus records the platform status of one run.
	UpdateRunStatus(ctx context.Context, runID int64, status domain.RunStatus, at time.Time) error

	// Transition moves the spamcheck from t.From to t.To and writes the
	// child rows of t atomically. Returns ErrStaleStatus when the status is
	// no longer t.From and ErrTenantBusy when t.TenantSlotGuard fails.
	Transition(ctx context.Context, t Transition) error

	// RecordFailure increments the consecutive failure counter, schedules the
	// next attempt and appends logs while the status is still status.
	// Returns the new counter.
	RecordFailure(ctx context.Context, id int64, status domain.Status, nextAttemptAt time.Time, logs []domain.ErrorLog) (int, error)

	// ResetFailures clears the failure counter while the status is still status.
	ResetFailures(ctx context.Context, id int64, status domain.Status) error

	// Requeue inserts next with its accounts and marks prevID superseded by
	// it, provided prevID is completed and not yet superseded.
	Requeue(ctx context.Context, prevID int64, next *domain.Spamcheck, emails []string) (int64, error)

	AppendErrorLogs(ctx context.Context, logs []domain.ErrorLog) error
	ErrorLogs(ctx context.Context, f ErrorLogFilter) ([]domain.ErrorLog, error)
	Reports(ctx context.Context, spamcheckID int64) ([]domain.Report, error)
}

// Transition is one status change with the child rows committed with it.
type Transition struct {
	ID   int64
	From domain.Status
	To   domain.Status
	At   time.Time

	Runs        []domain.Run
	Reports     []domain.Report
	ErrorLogs   []domain.ErrorLog
	AccountTags map[string]string // email -> tag of the launched test

	IncrementAttempt bool
	ResetFailures    bool
	// TenantSlotGuard makes the write fail with ErrTenantBusy when another
	// spamcheck of the tenant is pending or in progress.
	TenantSlotGuard bool
}

// ListFilter controls filtering for spamcheck lists.
type ListFilter struct {
	TenantID          string
	OrganizationID    string
	Statuses          []domain.Status
	Search            string
	IncludeSuperseded bool
	// RecurringOnly keeps spamchecks with a recurrence interval.
	RecurringOnly bool
	// DueBy, when set, drops queued spamchecks scheduled after it or still
	// backing off at it. Other statuses are not affected.
	DueBy  time.Time
	Limit  int
	Offset int
}

// ErrorLogFilter selects error log entries. Zero fields are ignored.
type ErrorLogFilter struct {
	TenantID    string
	SpamcheckID int64
	Account     string
	Provider    string
	ErrorType   domain.ErrorType
	Step        string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// UpdateFields holds the mutable fields of a spamcheck.
// Nil fields are not applied.
type UpdateFields struct {
	Name                 *string
	Conditions           *string
	ScheduledAt          *time.Time
	RecurringDays        *int // 0 clears recurrence
	Weekdays             *[]int
	IsDomainBased        *bool
	ReportsWaitingTime   *float64
	Platform             *domain.Platform
	Subject              *string
	Body                 *string
	PlainText            *bool
	OpenTracking         *bool
	LinkTracking         *bool
	UpdateSendingLimits  *bool
	CampaignCopySourceID *string // "" clears the source
	Accounts             *[]string
}
