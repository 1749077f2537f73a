package domain

import (
	"time"
)

// Status enumerates the lifecycle states of a spamcheck.
type Status string

const (
	StatusQueued            Status = "queued"
	StatusPending           Status = "pending"
	StatusInProgress        Status = "in_progress"
	StatusWaitingForReports Status = "waiting_for_reports"
	StatusGeneratingReports Status = "generating_reports"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusPaused            Status = "paused"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusQueued, StatusPending, StatusInProgress, StatusWaitingForReports,
	StatusGeneratingReports, StatusCompleted, StatusFailed, StatusPaused,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal returns true for the end states of a single run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Platform identifies the sending platform a spamcheck launches on.
type Platform string

const (
	// PlatformA is the Instantly-style platform (one campaign per account).
	PlatformA Platform = "platform_a"
	// PlatformB is the Bison-style platform (direct sends per account).
	PlatformB Platform = "platform_b"
)

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	return p == PlatformA || p == PlatformB
}

// DefaultReportsWaitingTime is the waiting time in hours applied when none is given.
const DefaultReportsWaitingTime = 1.0

// Spamcheck is a configured, schedulable deliverability test against a set
// of sending accounts. All instants are UTC.
type Spamcheck struct {
	ID                 int64    `json:"id" db:"id"`
	TenantID           string   `json:"tenant_id" db:"tenant_id"`
	OrganizationID     string   `json:"organization_id" db:"organization_id"`
	Name               string   `json:"name" db:"name"`
	Status             Status   `json:"status" db:"status"`
	Platform           Platform `json:"platform" db:"platform"`
	IsDomainBased      bool     `json:"is_domain_based" db:"is_domain_based"`
	Conditions         string   `json:"conditions" db:"conditions"`
	ReportsWaitingTime float64  `json:"reports_waiting_time" db:"reports_waiting_time"`

	ScheduledAt   time.Time `json:"scheduled_at" db:"scheduled_at"`
	RecurringDays *int      `json:"recurring_days" db:"recurring_days"`
	Weekdays      []int     `json:"weekdays" db:"weekdays"`

	// Campaign copy and options
	Subject              string  `json:"subject" db:"subject"`
	Body                 string  `json:"body" db:"body"`
	PlainText            bool    `json:"plain_text" db:"plain_text"`
	OpenTracking         bool    `json:"open_tracking" db:"open_tracking"`
	LinkTracking         bool    `json:"link_tracking" db:"link_tracking"`
	CampaignCopySourceID *string `json:"campaign_copy_source_id" db:"campaign_copy_source_id"`
	UpdateSendingLimits  bool    `json:"update_sending_limits" db:"update_sending_limits"`

	// Scheduling bookkeeping, written by the scheduler through the service.
	StatusChangedAt     time.Time  `json:"status_changed_at" db:"status_changed_at"`
	LaunchAttempt       int        `json:"launch_attempt" db:"launch_attempt"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	NextAttemptAt       *time.Time `json:"next_attempt_at" db:"next_attempt_at"`

	// Recurrence lineage
	Cycle          int    `json:"cycle" db:"cycle"`
	ParentID       *int64 `json:"parent_id" db:"parent_id"`
	SupersededByID *int64 `json:"superseded_by_id" db:"superseded_by_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsRecurring returns true when the spamcheck repeats on a day interval.
func (s *Spamcheck) IsRecurring() bool {
	return s.RecurringDays != nil && *s.RecurringDays > 0
}

// AllowsWeekday reports whether t's weekday (Monday=0) is permitted.
// An empty weekday set allows every day.
func (s *Spamcheck) AllowsWeekday(t time.Time) bool {
	if len(s.Weekdays) == 0 {
		return true
	}
	wd := MondayWeekday(t)
	for _, d := range s.Weekdays {
		if d == wd {
			return true
		}
	}
	return false
}

// ReportsWaitingDuration converts the waiting time in hours to a duration.
func (s *Spamcheck) ReportsWaitingDuration() time.Duration {
	if s.ReportsWaitingTime <= 0 {
		return 0
	}
	return time.Duration(s.ReportsWaitingTime * float64(time.Hour))
}

// LaunchKey returns the idempotency key of the current launch attempt.
func (s *Spamcheck) LaunchKey() string {
	return FormatLaunchKey(s.ID, s.LaunchAttempt)
}

// MondayWeekday returns t's UTC weekday with Monday=0 ... Sunday=6.
func MondayWeekday(t time.Time) int {
	return (int(t.UTC().Weekday()) + 6) % 7
}
