package spamcheck

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ignite/spamcheck-scheduler/internal/conditions"
	"github.com/ignite/spamcheck-scheduler/internal/domain"
	"github.com/ignite/spamcheck-scheduler/internal/pkg/clock"
	"github.com/ignite/spamcheck-scheduler/internal/pkg/distlock"
	"github.com/ignite/spamcheck-scheduler/internal/pkg/logger"
)

// Service implements spamcheck business logic. All public methods are safe
// for concurrent use if the underlying repository is concurrency-safe.
type Service struct {
	repo     Repository
	parser   *conditions.Parser
	locks    distlock.Factory
	clock    clock.Clock
	template func(string) error
	log      *logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLocks sets the per-spamcheck lock factory shared with the scheduler.
func WithLocks(f distlock.Factory) Option { return func(s *Service) { s.locks = f } }

// WithParser sets the condition parser.
func WithParser(p *conditions.Parser) Option { return func(s *Service) { s.parser = p } }

// WithTemplateValidator sets the check applied to subject and body templates.
func WithTemplateValidator(fn func(string) error) Option {
	return func(s *Service) { s.template = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option { return func(s *Service) { s.log = l } }

// NewService creates a spamcheck service backed by the given repository.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		parser: conditions.NewParser(),
		locks:  distlock.NewMemoryLocker(),
		clock:  clock.Real{},
		log:    logger.With("component", "spamcheck.Service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Locks returns the lock factory used for per-spamcheck single-writer access.
func (s *Service) Locks() distlock.Factory { return s.locks }

// CreateInput holds the fields for creating a new spamcheck.
type CreateInput struct {
	TenantID             string          `json:"tenant_id"`
	OrganizationID       string          `json:"organization_id"`
	Name                 string          `json:"name"`
	Platform             domain.Platform `json:"platform"`
	Accounts             []string        `json:"accounts"`
	IsDomainBased        bool            `json:"is_domain_based"`
	Conditions           string          `json:"conditions"`
	ReportsWaitingTime   *float64        `json:"reports_waiting_time"`
	ScheduledAt          *time.Time      `json:"scheduled_at"`
	RecurringDays        *int            `json:"recurring_days"`
	Weekdays             []int           `json:"weekdays"`
	Subject              string          `json:"subject"`
	Body                 string          `json:"body"`
	PlainText            bool            `json:"plain_text"`
	OpenTracking         bool            `json:"open_tracking"`
	LinkTracking         bool            `json:"link_tracking"`
	CampaignCopySourceID string          `json:"campaign_copy_source_id"`
	UpdateSendingLimits  bool            `json:"update_sending_limits"`
}

// Create validates and persists a new spamcheck in queued status.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Spamcheck, error) {
	now := s.clock.Now()

	if strings.TrimSpace(in.TenantID) == "" {
		return nil, invalid("tenant_id", "is required")
	}
	if strings.TrimSpace(in.OrganizationID) == "" {
		return nil, invalid("organization_id", "is required")
	}
	name, err := validateName(in.Name)
	if err != nil {
		return nil, err
	}
	if !in.Platform.Valid() {
		return nil, invalid("platform", fmt.Sprintf("unsupported platform %q", in.Platform))
	}
	emails, err := validateAccounts(in.Accounts)
	if err != nil {
		return nil, err
	}
	if err := s.validateConditions(in.Conditions); err != nil {
		return nil, err
	}
	if err := s.validateTemplates(in.Subject, in.Body); err != nil {
		return nil, err
	}

	sc := &domain.Spamcheck{
		TenantID:            in.TenantID,
		OrganizationID:      in.OrganizationID,
		Name:                name,
		Status:              domain.StatusQueued,
		Platform:            in.Platform,
		IsDomainBased:       in.IsDomainBased,
		Conditions:          strings.TrimSpace(in.Conditions),
		ReportsWaitingTime:  domain.DefaultReportsWaitingTime,
		ScheduledAt:         now,
		Subject:             in.Subject,
		Body:                in.Body,
		PlainText:           in.PlainText,
		OpenTracking:        in.OpenTracking,
		LinkTracking:        in.LinkTracking,
		UpdateSendingLimits: in.UpdateSendingLimits,
		StatusChangedAt:     now,
		Cycle:               1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if in.ReportsWaitingTime != nil {
		if err := validateWaitingTime(*in.ReportsWaitingTime); err != nil {
			return nil, err
		}
		sc.ReportsWaitingTime = *in.ReportsWaitingTime
	}
	if in.ScheduledAt != nil {
		sc.ScheduledAt = in.ScheduledAt.UTC()
	}
	if in.RecurringDays != nil {
		if *in.RecurringDays <= 0 {
			return nil, invalid("recurring_days", "must be a positive number of days")
		}
		days := *in.RecurringDays
		sc.RecurringDays = &days
	}
	if sc.Weekdays, err = normalizeWeekdays(in.Weekdays); err != nil {
		return nil, err
	}
	if in.CampaignCopySourceID != "" {
		src := in.CampaignCopySourceID
		sc.CampaignCopySourceID = &src
	}

	id, err := s.repo.Create(ctx, sc, emails)
	if err != nil {
		return nil, err
	}
	sc.ID = id
	s.log.Info("spamcheck created", "spamcheck_id", id, "tenant_id", sc.TenantID, "accounts", len(emails))
	return sc, nil
}

// Get returns a single spamcheck.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Spamcheck, error) {
	return s.repo.Get(ctx, id)
}

// List returns spamchecks matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Spamcheck, error) {
	return s.repo.List(ctx, f)
}

// Accounts returns the accounts enrolled in a spamcheck.
func (s *Service) Accounts(ctx context.Context, id int64) ([]domain.Account, error) {
	return s.repo.Accounts(ctx, id)
}

// Runs returns the runs of the spamcheck's current launch attempt.
func (s *Service) Runs(ctx context.Context, sc *domain.Spamcheck) ([]domain.Run, error) {
	return s.repo.Runs(ctx, sc.ID, sc.LaunchAttempt)
}

// UpdateRunStatus records the platform status of one run.
func (s *Service) UpdateRunStatus(ctx context.Context, runID int64, status domain.RunStatus) error {
	return s.repo.UpdateRunStatus(ctx, runID, status, s.clock.Now())
}

// Reports returns the reports of a spamcheck.
func (s *Service) Reports(ctx context.Context, id int64) ([]domain.Report, error) {
	return s.repo.Reports(ctx, id)
}

// ErrorLogs returns error log entries matching the filter, newest first.
func (s *Service) ErrorLogs(ctx context.Context, f ErrorLogFilter) ([]domain.ErrorLog, error) {
	return s.repo.ErrorLogs(ctx, f)
}

// AppendErrorLogs records failures that do not change status.
func (s *Service) AppendErrorLogs(ctx context.Context, logs ...domain.ErrorLog) error {
	if len(logs) == 0 {
		return nil
	}
	now := s.clock.Now()
	for i := range logs {
		if logs[i].CreatedAt.IsZero() {
			logs[i].CreatedAt = now
		}
	}
	return s.repo.AppendErrorLogs(ctx, logs)
}

// Rule parses the stored condition string of sc.
func (s *Service) Rule(sc *domain.Spamcheck) (conditions.Rule, error) {
	return s.parser.Parse(sc.Conditions)
}

// Update modifies mutable spamcheck fields. Edits are rejected while the
// spamcheck is in progress or generating reports.
func (s *Service) Update(ctx context.Context, id int64, u UpdateFields) (*domain.Spamcheck, error) {
	sc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !statusIn(sc.Status, EditableStatuses) {
		return nil, fmt.Errorf("%w: %s", ErrEditNotAllowed, sc.Status)
	}
	if err := s.validateUpdate(sc, &u); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, id, EditableStatuses, u, s.clock.Now()); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, fmt.Errorf("%w: %v", ErrEditNotAllowed, err)
		}
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// Delete removes a spamcheck and its child rows. Deletion is rejected while
// the spamcheck is in progress, generating reports, or locked by a sweep.
func (s *Service) Delete(ctx context.Context, id int64) error {
	release, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	sc, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !statusIn(sc.Status, DeletableStatuses) {
		return fmt.Errorf("%w: %s", ErrDeleteNotAllowed, sc.Status)
	}
	if err := s.repo.Delete(ctx, id, DeletableStatuses); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return fmt.Errorf("%w: %v", ErrDeleteNotAllowed, err)
		}
		return err
	}
	s.log.Info("spamcheck deleted", "spamcheck_id", id)
	return nil
}

// TogglePause pauses a queued, pending or completed spamcheck, or resumes a
// paused one back to queued. It is rejected while a sweep holds the
// spamcheck's lock or while the status is not poll-safe.
func (s *Service) TogglePause(ctx context.Context, id int64) (*domain.Spamcheck, error) {
	release, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	sc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	t := Transition{ID: id, From: sc.Status, At: s.clock.Now()}
	switch {
	case sc.Status == domain.StatusPaused:
		t.To = domain.StatusQueued
		t.ResetFailures = true
	case statusIn(sc.Status, PausableStatuses):
		t.To = domain.StatusPaused
	default:
		return nil, fmt.Errorf("%w: %s", ErrPauseNotAllowed, sc.Status)
	}
	if err := s.transition(ctx, t); err != nil {
		return nil, err
	}
	s.log.Info("spamcheck pause toggled", "spamcheck_id", id, "from", t.From, "to", t.To)
	return s.repo.Get(ctx, id)
}

func (s *Service) lock(ctx context.Context, id int64) (func(), error) {
	l := s.locks.NewLock(LockKey(id))
	ok, err := l.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return func() {
		if err := l.Release(context.Background()); err != nil {
			s.log.Warn("lock release failed", "spamcheck_id", id, "error", err)
		}
	}, nil
}

func (s *Service) transition(ctx context.Context, t Transition) error {
	if err := checkTransition(t.From, t.To); err != nil {
		return err
	}
	if t.At.IsZero() {
		t.At = s.clock.Now()
	}
	for i := range t.ErrorLogs {
		if t.ErrorLogs[i].CreatedAt.IsZero() {
			t.ErrorLogs[i].CreatedAt = t.At
		}
	}
	return s.repo.Transition(ctx, t)
}

// Admit moves a queued spamcheck into the tenant's launch slot and starts a
// new launch attempt. Returns ErrTenantBusy when the slot is taken.
func (s *Service) Admit(ctx context.Context, sc *domain.Spamcheck) error {
	return s.transition(ctx, Transition{
		ID: sc.ID, From: domain.StatusQueued, To: domain.StatusPending,
		IncrementAttempt: true, TenantSlotGuard: true,
	})
}

// MarkLaunched records the runs of a successful launch and moves the
// spamcheck to in_progress. logs carries per-account launch failures.
func (s *Service) MarkLaunched(ctx context.Context, sc *domain.Spamcheck, runs []domain.Run, logs []domain.ErrorLog) error {
	tags := make(map[string]string, len(runs))
	for _, r := range runs {
		if r.AccountEmail != "" {
			tags[r.AccountEmail] = r.Tag
		}
	}
	return s.transition(ctx, Transition{
		ID: sc.ID, From: domain.StatusPending, To: domain.StatusInProgress,
		Runs: runs, AccountTags: tags, ErrorLogs: logs, ResetFailures: true,
	})
}

// MarkSendingFinished moves an in-progress spamcheck to waiting_for_reports.
func (s *Service) MarkSendingFinished(ctx context.Context, sc *domain.Spamcheck) error {
	return s.transition(ctx, Transition{
		ID: sc.ID, From: domain.StatusInProgress, To: domain.StatusWaitingForReports,
		ResetFailures: true,
	})
}

// BeginReports moves a waiting spamcheck to generating_reports.
func (s *Service) BeginReports(ctx context.Context, sc *domain.Spamcheck) error {
	return s.transition(ctx, Transition{
		ID: sc.ID, From: domain.StatusWaitingForReports, To: domain.StatusGeneratingReports,
	})
}

// Complete persists reports and error logs and moves the spamcheck to completed.
func (s *Service) Complete(ctx context.Context, sc *domain.Spamcheck, reports []domain.Report, logs []domain.ErrorLog) error {
	return s.transition(ctx, Transition{
		ID: sc.ID, From: domain.StatusGeneratingReports, To: domain.StatusCompleted,
		Reports: reports, ErrorLogs: logs, ResetFailures: true,
	})
}

// Fail moves the spamcheck from its current status to failed. code is
// stamped on logs that carry none.
func (s *Service) Fail(ctx context.Context, sc *domain.Spamcheck, code string, logs []domain.ErrorLog) error {
	for i := range logs {
		if logs[i].Code == "" {
			logs[i].Code = code
		}
	}
	if len(logs) == 0 {
		logs = []domain.ErrorLog{{
			TenantID: sc.TenantID, SpamcheckID: sc.ID, Provider: domain.ProviderSystem,
			ErrorType: domain.ErrorUnknown, Code: code, Message: "spamcheck failed",
			WorkspaceID: sc.OrganizationID,
		}}
	}
	err := s.transition(ctx, Transition{
		ID: sc.ID, From: sc.Status, To: domain.StatusFailed, ErrorLogs: logs,
	})
	if err == nil {
		s.log.Warn("spamcheck failed", "spamcheck_id", sc.ID, "code", code, "from", sc.Status)
	}
	return err
}

// RecordFailure logs a retryable failure and schedules the next attempt.
// Returns the number of consecutive failures so far.
func (s *Service) RecordFailure(ctx context.Context, sc *domain.Spamcheck, nextAttemptAt time.Time, logs []domain.ErrorLog) (int, error) {
	now := s.clock.Now()
	for i := range logs {
		if logs[i].CreatedAt.IsZero() {
			logs[i].CreatedAt = now
		}
	}
	return s.repo.RecordFailure(ctx, sc.ID, sc.Status, nextAttemptAt.UTC(), logs)
}

// ResetFailures clears the consecutive failure counter of sc.
func (s *Service) ResetFailures(ctx context.Context, sc *domain.Spamcheck) error {
	if sc.ConsecutiveFailures == 0 && sc.NextAttemptAt == nil {
		return nil
	}
	return s.repo.ResetFailures(ctx, sc.ID, sc.Status)
}

// Requeue creates the next cycle of a completed recurring spamcheck and marks
// prev superseded by it. emails replaces the enrolled accounts.
func (s *Service) Requeue(ctx context.Context, prev *domain.Spamcheck, scheduledAt time.Time, emails []string) (*domain.Spamcheck, error) {
	if prev.Status != domain.StatusCompleted {
		return nil, fmt.Errorf("%w: requeue from %s", ErrInvalidTransition, prev.Status)
	}
	accounts, err := validateAccounts(emails)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	parent := prev.ID

	next := *prev
	next.ID = 0
	next.Status = domain.StatusQueued
	next.ScheduledAt = scheduledAt.UTC()
	next.StatusChangedAt = now
	next.LaunchAttempt = 0
	next.ConsecutiveFailures = 0
	next.NextAttemptAt = nil
	next.Cycle = prev.Cycle + 1
	next.ParentID = &parent
	next.SupersededByID = nil
	next.Weekdays = append([]int(nil), prev.Weekdays...)
	next.CreatedAt = now
	next.UpdatedAt = now

	id, err := s.repo.Requeue(ctx, prev.ID, &next, accounts)
	if err != nil {
		return nil, err
	}
	next.ID = id
	s.log.Info("spamcheck requeued", "spamcheck_id", id, "parent_id", prev.ID,
		"cycle", next.Cycle, "scheduled_at", next.ScheduledAt.Format(time.RFC3339))
	return &next, nil
}

func (s *Service) validateConditions(raw string) error {
	rule, err := s.parser.Parse(raw)
	if err != nil {
		var pe *conditions.ParseError
		if errors.As(err, &pe) {
			return &ValidationError{Field: "conditions", Reason: pe.Error(), Err: err}
		}
		return &ValidationError{Field: "conditions", Reason: err.Error(), Err: err}
	}
	for _, w := range rule.Warnings {
		s.log.Warn("condition clause ignored", "warning", w)
	}
	return nil
}

func (s *Service) validateTemplates(subject, body string) error {
	if s.template == nil {
		return nil
	}
	if err := s.template(subject); err != nil {
		return &ValidationError{Field: "subject", Reason: err.Error(), Err: err}
	}
	if err := s.template(body); err != nil {
		return &ValidationError{Field: "body", Reason: err.Error(), Err: err}
	}
	return nil
}

func (s *Service) validateUpdate(sc *domain.Spamcheck, u *UpdateFields) error {
	if u.Name != nil {
		name, err := validateName(*u.Name)
		if err != nil {
			return err
		}
		u.Name = &name
	}
	if u.Platform != nil && !u.Platform.Valid() {
		return invalid("platform", fmt.Sprintf("unsupported platform %q", *u.Platform))
	}
	if u.Conditions != nil {
		trimmed := strings.TrimSpace(*u.Conditions)
		if err := s.validateConditions(trimmed); err != nil {
			return err
		}
		u.Conditions = &trimmed
	}
	subject, body := sc.Subject, sc.Body
	if u.Subject != nil {
		subject = *u.Subject
	}
	if u.Body != nil {
		body = *u.Body
	}
	if u.Subject != nil || u.Body != nil {
		if err := s.validateTemplates(subject, body); err != nil {
			return err
		}
	}
	if u.ReportsWaitingTime != nil {
		if err := validateWaitingTime(*u.ReportsWaitingTime); err != nil {
			return err
		}
	}
	if u.RecurringDays != nil && *u.RecurringDays < 0 {
		return invalid("recurring_days", "must be a positive number of days")
	}
	if u.ScheduledAt != nil {
		at := u.ScheduledAt.UTC()
		u.ScheduledAt = &at
	}
	if u.Weekdays != nil {
		days, err := normalizeWeekdays(*u.Weekdays)
		if err != nil {
			return err
		}
		u.Weekdays = &days
	}
	if u.Accounts != nil {
		emails, err := validateAccounts(*u.Accounts)
		if err != nil {
			return err
		}
		u.Accounts = &emails
	}
	return nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid("name", "is required")
	}
	if len(name) > 255 {
		return "", invalid("name", "must be at most 255 characters")
	}
	return name, nil
}

func validateWaitingTime(hours float64) error {
	if hours < 0 || math.IsNaN(hours) {
		return invalid("reports_waiting_time", "must be a non-negative number of hours")
	}
	return nil
}

func validateAccounts(in []string) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		email := domain.NormalizeEmail(raw)
		if email == "" {
			continue
		}
		if err := domain.ValidateEmail(email); err != nil {
			return nil, &ValidationError{Field: "accounts", Reason: err.Error(), Err: err}
		}
		if seen[email] {
			continue
		}
		seen[email] = true
		out = append(out, email)
	}
	if len(out) == 0 {
		return nil, invalid("accounts", "at least one account is required")
	}
	return out, nil
}

func normalizeWeekdays(in []int) ([]int, error) {
	if len(in) == 0 {
		return nil, nil
	}
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, d := range in {
		if d < 0 || d > 6 {
			return nil, invalid("weekdays", fmt.Sprintf("%d is not a weekday (0=Monday ... 6=Sunday)", d))
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Ints(out)
	return out, nil
}
