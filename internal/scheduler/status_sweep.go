package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
	"github.com/ignite/spamcheck-scheduler/internal/gateway"
	"github.com/ignite/spamcheck-scheduler/internal/service/spamcheck"
)

// StatusSweep polls the campaigns of in-progress spamchecks and moves a
// spamcheck to waiting_for_reports once every campaign finished sending.
type StatusSweep struct {
	sweep
}

// NewStatusSweep creates the status sweep.
func NewStatusSweep(d Deps) *StatusSweep {
	return &StatusSweep{sweep: newSweep(SweepStatus, d)}
}

// Tick polls every due in-progress spamcheck once.
func (s *StatusSweep) Tick(ctx context.Context) (TickStats, error) {
	var st TickStats
	scs, err := s.list(ctx, domain.StatusInProgress)
	if err != nil {
		return st, fmt.Errorf("list in-progress spamchecks: %w", err)
	}
	for _, sc := range scs {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		if !s.due(&sc) {
			st.Considered++
			st.Skipped++
			continue
		}
		s.each(ctx, &st, sc, func(ctx context.Context, sc *domain.Spamcheck) (outcome, error) {
			return s.withLock(ctx, sc, domain.StatusInProgress, func(fresh *domain.Spamcheck) (outcome, error) {
				return s.poll(ctx, fresh)
			})
		})
	}
	return st, nil
}

func (s *StatusSweep) poll(ctx context.Context, sc *domain.Spamcheck) (outcome, error) {
	gw, err := s.Gateways.Get(sc.Platform)
	if err != nil {
		log := s.systemLog(sc, domain.StepPollStatus, domain.ErrorValidation, domain.CodeUnknownPlatform, err.Error())
		return s.fail(ctx, sc, domain.CodeUnknownPlatform, []domain.ErrorLog{log}, 0)
	}
	runs, err := s.Service.Runs(ctx, sc)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("load runs: %w", err)
	}

	var logs []domain.ErrorLog
	finished := 0
	for _, run := range runs {
		if run.Status.Finished() {
			finished++
			continue
		}
		status, err := gw.PollStatus(ctx, gateway.RefFor(sc.OrganizationID, run))
		if err != nil {
			gerr := gateway.Classify(err)
			s.Metrics.gatewayError(domain.StepPollStatus, gerr.Kind)
			entry := s.errorLog(sc, domain.StepPollStatus, run.AccountEmail, gerr)
			if gerr.Kind == domain.ErrorAuthentication || gerr.Retryable() {
				return s.handleFailure(ctx, sc, gerr.Kind, append(logs, entry), len(runs))
			}
			// The platform no longer serves this campaign; stop waiting for it.
			logs = append(logs, entry)
			status = domain.RunDeleted
			s.log.Warn("campaign unavailable, treating as deleted", "spamcheck_id", sc.ID,
				"run_id", run.ID, "external_id", run.ExternalID, "error", err)
		}
		if status != run.Status {
			if err := s.Service.UpdateRunStatus(ctx, run.ID, status); err != nil {
				return outcomeSkipped, fmt.Errorf("update run %d: %w", run.ID, err)
			}
		}
		if status.Finished() {
			finished++
		}
	}

	if len(logs) > 0 {
		if err := s.Service.AppendErrorLogs(ctx, logs...); err != nil {
			s.log.Error("error log append failed", "spamcheck_id", sc.ID, "error", err)
		}
	}

	if finished < len(runs) {
		if err := s.Service.ResetFailures(ctx, sc); err != nil && !errors.Is(err, spamcheck.ErrStaleStatus) {
			return outcomeSkipped, fmt.Errorf("reset failures: %w", err)
		}
		s.log.Debug("campaigns still sending", "spamcheck_id", sc.ID, "finished", finished, "runs", len(runs))
		return outcomeSkipped, nil
	}

	if err := s.Service.MarkSendingFinished(ctx, sc); err != nil {
		if errors.Is(err, spamcheck.ErrStaleStatus) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, fmt.Errorf("mark sending finished: %w", err)
	}
	s.log.Info("sending finished, waiting for reports", "spamcheck_id", sc.ID, "runs", len(runs),
		"waiting_hours", sc.ReportsWaitingTime)
	return outcomeProcessed, nil
}
