// Package scheduler drives spamchecks through their lifecycle. Four sweeps
// run on independent schedules:
//
//   - queue: admits one spamcheck per tenant and launches it on its platform
//   - status: polls launched campaigns until the platform stopped sending
//   - reports: waits the configured delay, fetches scores and completes
//   - recurrence: queues the next cycle of completed recurring spamchecks
//
// Sweeps never write status directly; every change goes through
// spamcheck.Service, whose conditional writes make concurrent sweeps safe.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/ignite/spamcheck-scheduler/internal/conditions"
	"github.com/ignite/spamcheck-scheduler/internal/content"
	"github.com/ignite/spamcheck-scheduler/internal/domain"
	"github.com/ignite/spamcheck-scheduler/internal/events"
	"github.com/ignite/spamcheck-scheduler/internal/gateway"
	"github.com/ignite/spamcheck-scheduler/internal/pkg/clock"
	"github.com/ignite/spamcheck-scheduler/internal/pkg/distlock"
	"github.com/ignite/spamcheck-scheduler/internal/pkg/logger"
	"github.com/ignite/spamcheck-scheduler/internal/service/spamcheck"
)

// Sweep names used in logs and metrics.
const (
	SweepQueue      = "queue"
	SweepStatus     = "status"
	SweepReports    = "reports"
	SweepRecurrence = "recurrence"
)

// AccountSource returns the currently connected accounts of a spamcheck's
// organization on its platform. It is used to refresh the enrollment of a
// recurring spamcheck before its next cycle.
type AccountSource interface {
	ConnectedAccounts(ctx context.Context, sc *domain.Spamcheck) ([]string, error)
}

// AccountSourceFunc adapts a function to AccountSource.
type AccountSourceFunc func(ctx context.Context, sc *domain.Spamcheck) ([]string, error)

func (f AccountSourceFunc) ConnectedAccounts(ctx context.Context, sc *domain.Spamcheck) ([]string, error) {
	return f(ctx, sc)
}

// Deps are the collaborators shared by every sweep. Service and Gateways are
// required; the rest fall back to in-process defaults.
type Deps struct {
	Service  *spamcheck.Service
	Gateways *gateway.Registry
	Clock    clock.Clock
	Locks    distlock.Factory
	Gates    CredentialGate
	Events   events.Publisher
	Retry    RetryPolicy
	Renderer *content.Renderer
	Accounts AccountSource
	Metrics  *Metrics
	Log      *logger.Logger

	// ScoreScale is the upper bound of provider scores.
	ScoreScale float64
	// BatchSize is the page size of the list queries of one sweep.
	BatchSize int
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Locks == nil {
		d.Locks = d.Service.Locks()
	}
	if d.Gates == nil {
		d.Gates = NewMemoryGate()
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Retry.MaxConsecutiveFailures == 0 {
		d.Retry = DefaultRetryPolicy
	}
	if d.Renderer == nil {
		d.Renderer = content.NewRenderer()
	}
	if d.Log == nil {
		d.Log = logger.Default()
	}
	if d.ScoreScale <= 0 {
		d.ScoreScale = 1
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 500
	}
	return d
}

// TickStats summarizes one sweep execution.
type TickStats struct {
	Considered int `json:"considered"`
	Processed  int `json:"processed"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// outcome of handling one spamcheck inside a sweep
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeProcessed
)

func (st *TickStats) add(o outcome, err error) {
	switch {
	case err != nil:
		st.Errors++
	case o == outcomeProcessed:
		st.Processed++
	default:
		st.Skipped++
	}
}

// sweep carries the dependencies and logger of one sweep.
type sweep struct {
	Deps
	name string
	log  *logger.Logger
}

func newSweep(name string, d Deps) sweep {
	d = d.withDefaults()
	return sweep{Deps: d, name: name, log: d.Log.With("component", "scheduler", "sweep", name)}
}

// list loads the spamchecks in statuses, oldest created first.
func (s *sweep) list(ctx context.Context, statuses ...domain.Status) ([]domain.Spamcheck, error) {
	return s.listAll(ctx, spamcheck.ListFilter{Statuses: statuses})
}

// listAll pages through every match of f, BatchSize rows per query, so no
// spamcheck is hidden behind older rows of another tenant.
func (s *sweep) listAll(ctx context.Context, f spamcheck.ListFilter) ([]domain.Spamcheck, error) {
	f.Limit = s.BatchSize
	var out []domain.Spamcheck
	for {
		page, err := s.Service.List(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < f.Limit {
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f.Offset += len(page)
	}
}

// each runs fn for one spamcheck, turning a panic into an error so one
// spamcheck never aborts the sweep.
func (s *sweep) each(ctx context.Context, st *TickStats, sc domain.Spamcheck, fn func(context.Context, *domain.Spamcheck) (outcome, error)) {
	st.Considered++
	o, err := func() (o outcome, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("spamcheck handler panicked", "spamcheck_id", sc.ID, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		return fn(ctx, &sc)
	}()
	if err != nil {
		s.log.Error("spamcheck handling failed", "spamcheck_id", sc.ID, "tenant_id", sc.TenantID, "status", sc.Status, "error", err)
	}
	st.add(o, err)
}

// withLock runs fn while holding the spamcheck's lock. The spamcheck is
// reloaded under the lock and fn is skipped when its status is no longer
// want.
func (s *sweep) withLock(ctx context.Context, sc *domain.Spamcheck, want domain.Status, fn func(*domain.Spamcheck) (outcome, error)) (outcome, error) {
	l := s.Locks.NewLock(spamcheck.LockKey(sc.ID))
	ok, err := l.Acquire(ctx)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		s.log.Debug("spamcheck busy, skipping", "spamcheck_id", sc.ID)
		return outcomeSkipped, nil
	}
	defer func() {
		if err := l.Release(context.Background()); err != nil {
			s.log.Warn("lock release failed", "spamcheck_id", sc.ID, "error", err)
		}
	}()

	fresh, err := s.Service.Get(ctx, sc.ID)
	if err != nil {
		if errors.Is(err, spamcheck.ErrNotFound) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}
	if fresh.Status != want {
		return outcomeSkipped, nil
	}
	return fn(fresh)
}

// due reports whether a scheduled retry of sc may run now.
func (s *sweep) due(sc *domain.Spamcheck) bool {
	return sc.NextAttemptAt == nil || !sc.NextAttemptAt.After(s.Clock.Now())
}

// errorLog builds the log entry of a classified gateway failure.
func (s *sweep) errorLog(sc *domain.Spamcheck, step, account string, gerr *gateway.Error) domain.ErrorLog {
	details := map[string]any{"launch_attempt": sc.LaunchAttempt}
	if gerr.Op != "" {
		details["op"] = gerr.Op
	}
	if account == "" {
		account = gerr.Account
	}
	return domain.ErrorLog{
		TenantID:    sc.TenantID,
		SpamcheckID: sc.ID,
		Account:     account,
		Provider:    string(sc.Platform),
		ErrorType:   gerr.Kind,
		Message:     gerr.Error(),
		Details:     details,
		Step:        step,
		StatusCode:  gerr.StatusCode,
		WorkspaceID: sc.OrganizationID,
	}
}

// systemLog builds a log entry for a failure not caused by a platform.
func (s *sweep) systemLog(sc *domain.Spamcheck, step string, kind domain.ErrorType, code, msg string) domain.ErrorLog {
	return domain.ErrorLog{
		TenantID:    sc.TenantID,
		SpamcheckID: sc.ID,
		Provider:    domain.ProviderSystem,
		ErrorType:   kind,
		Code:        code,
		Message:     msg,
		Step:        step,
		WorkspaceID: sc.OrganizationID,
	}
}

// handleFailure applies the error policy to a failed step of sc:
// authentication failures block the tenant's credential gate and fail the
// spamcheck, transient failures are retried with backoff until the retry
// budget is spent, anything else fails the spamcheck. logs already hold the
// entries describing err.
func (s *sweep) handleFailure(ctx context.Context, sc *domain.Spamcheck, kind domain.ErrorType, logs []domain.ErrorLog, accounts int) (outcome, error) {
	switch {
	case kind == domain.ErrorAuthentication:
		if err := s.Gates.Block(ctx, sc.TenantID, sc.Platform, "authentication failed for spamcheck "+fmt.Sprint(sc.ID)); err != nil {
			s.log.Error("credential gate block failed", "tenant_id", sc.TenantID, "platform", sc.Platform, "error", err)
		}
		s.log.Warn("credential gate blocked", "tenant_id", sc.TenantID, "platform", sc.Platform, "spamcheck_id", sc.ID)
		return s.fail(ctx, sc, domain.CodeAuthentication, logs, accounts)

	case gateway.IsRetryableKind(kind):
		failures := sc.ConsecutiveFailures + 1
		if s.Retry.Exhausted(failures) {
			return s.fail(ctx, sc, domain.CodeTooManyFailures, logs, accounts)
		}
		next := s.Clock.Now().Add(s.Retry.Delay(failures))
		n, err := s.Service.RecordFailure(ctx, sc, next, logs)
		if err != nil {
			if errors.Is(err, spamcheck.ErrStaleStatus) {
				return outcomeSkipped, nil
			}
			return outcomeSkipped, fmt.Errorf("record failure: %w", err)
		}
		s.log.Info("transient failure, retry scheduled", "spamcheck_id", sc.ID, "status", sc.Status,
			"kind", kind, "failures", n, "next_attempt_at", next)
		return outcomeProcessed, nil

	default:
		return s.fail(ctx, sc, domain.CodeAllAccountsFailed, logs, accounts)
	}
}

// fail moves sc to failed and publishes the failure event.
func (s *sweep) fail(ctx context.Context, sc *domain.Spamcheck, code string, logs []domain.ErrorLog, accounts int) (outcome, error) {
	if err := s.Service.Fail(ctx, sc, code, logs); err != nil {
		if errors.Is(err, spamcheck.ErrStaleStatus) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, fmt.Errorf("fail spamcheck: %w", err)
	}
	s.Metrics.failed(code)
	s.publish(ctx, events.Failed(sc, code, accounts, s.Clock.Now()))
	return outcomeProcessed, nil
}

func (s *sweep) publish(ctx context.Context, e events.Event) {
	if err := s.Events.Publish(ctx, e); err != nil {
		s.log.Error("event publish failed", "event_id", e.ID, "type", e.Type, "spamcheck_id", e.SpamcheckID, "error", err)
	}
}

// rule returns the parsed conditions of sc. Conditions are validated on
// write, so a parse failure here falls back to the default rule.
func (s *sweep) rule(sc *domain.Spamcheck) conditions.Rule {
	rule, err := s.Service.Rule(sc)
	if err != nil {
		s.log.Warn("stored conditions unparsable, using default rule", "spamcheck_id", sc.ID, "error", err)
		return conditions.DefaultRule()
	}
	return rule
}
