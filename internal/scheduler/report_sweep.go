package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/spamcheck-scheduler/internal/conditions"
	"github.com/ignite/spamcheck-scheduler/internal/domain"
	"github.com/ignite/spamcheck-scheduler/internal/events"
	"github.com/ignite/spamcheck-scheduler/internal/gateway"
	"github.com/ignite/spamcheck-scheduler/internal/service/spamcheck"
)

// ReportSweep turns finished runs into reports once the waiting time has
// elapsed, then completes the spamcheck.
type ReportSweep struct {
	sweep
}

// NewReportSweep creates the report sweep.
func NewReportSweep(d Deps) *ReportSweep {
	return &ReportSweep{sweep: newSweep(SweepReports, d)}
}

// Tick first retries spamchecks left in generating_reports, then starts
// report generation for waiting spamchecks whose delay has elapsed.
func (r *ReportSweep) Tick(ctx context.Context) (TickStats, error) {
	var st TickStats

	stuck, err := r.list(ctx, domain.StatusGeneratingReports)
	if err != nil {
		return st, fmt.Errorf("list generating spamchecks: %w", err)
	}
	for _, sc := range stuck {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		if !r.due(&sc) {
			st.Considered++
			st.Skipped++
			continue
		}
		r.each(ctx, &st, sc, func(ctx context.Context, sc *domain.Spamcheck) (outcome, error) {
			return r.withLock(ctx, sc, domain.StatusGeneratingReports, func(fresh *domain.Spamcheck) (outcome, error) {
				return r.generate(ctx, fresh)
			})
		})
	}

	waiting, err := r.list(ctx, domain.StatusWaitingForReports)
	if err != nil {
		return st, fmt.Errorf("list waiting spamchecks: %w", err)
	}
	now := r.Clock.Now()
	for _, sc := range waiting {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		if now.Sub(sc.StatusChangedAt) < sc.ReportsWaitingDuration() || !r.due(&sc) {
			st.Considered++
			st.Skipped++
			continue
		}
		r.each(ctx, &st, sc, func(ctx context.Context, sc *domain.Spamcheck) (outcome, error) {
			return r.withLock(ctx, sc, domain.StatusWaitingForReports, func(fresh *domain.Spamcheck) (outcome, error) {
				if err := r.Service.BeginReports(ctx, fresh); err != nil {
					if errors.Is(err, spamcheck.ErrStaleStatus) {
						return outcomeSkipped, nil
					}
					return outcomeSkipped, fmt.Errorf("begin reports: %w", err)
				}
				fresh.Status = domain.StatusGeneratingReports
				return r.generate(ctx, fresh)
			})
		})
	}
	return st, nil
}

// generate fetches scores for every run of the current attempt, evaluates
// them and completes the spamcheck. Accounts whose score could not be
// fetched are logged and left without report.
func (r *ReportSweep) generate(ctx context.Context, sc *domain.Spamcheck) (outcome, error) {
	gw, err := r.Gateways.Get(sc.Platform)
	if err != nil {
		log := r.systemLog(sc, domain.StepFetchScores, domain.ErrorValidation, domain.CodeUnknownPlatform, err.Error())
		return r.fail(ctx, sc, domain.CodeUnknownPlatform, []domain.ErrorLog{log}, 0)
	}
	runs, err := r.Service.Runs(ctx, sc)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("load runs: %w", err)
	}
	accounts, err := r.Service.Accounts(ctx, sc.ID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("load accounts: %w", err)
	}

	scores, err := gw.FetchScores(ctx, gateway.HandleFor(sc.OrganizationID, sc.LaunchKey(), runs))
	if err != nil {
		gerr := gateway.Classify(err)
		r.Metrics.gatewayError(domain.StepFetchScores, gerr.Kind)
		r.log.Warn("score fetch failed", "spamcheck_id", sc.ID, "kind", gerr.Kind, "error", err)
		return r.handleFailure(ctx, sc, gerr.Kind, []domain.ErrorLog{r.errorLog(sc, domain.StepFetchScores, "", gerr)}, len(accounts))
	}

	reports, logs, kinds, failed := r.buildReports(sc, runs, accounts, scores)
	if len(reports) == 0 {
		if len(kinds) == 0 {
			logs = append(logs, r.systemLog(sc, domain.StepFetchScores, domain.ErrorAPI, domain.CodeAllAccountsFailed, "platform returned no scores"))
			return r.fail(ctx, sc, domain.CodeAllAccountsFailed, logs, len(accounts))
		}
		return r.handleFailure(ctx, sc, aggregateKind(kinds), logs, len(accounts))
	}

	if sc.UpdateSendingLimits {
		logs = append(logs, r.applyLimits(ctx, gw, sc, reports)...)
	}

	if err := r.Service.Complete(ctx, sc, reports, logs); err != nil {
		if errors.Is(err, spamcheck.ErrStaleStatus) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, fmt.Errorf("complete: %w", err)
	}
	sc.Status = domain.StatusCompleted
	r.log.Info("spamcheck completed", "spamcheck_id", sc.ID, "tenant_id", sc.TenantID,
		"reports", len(reports), "failed_accounts", failed, "cycle", sc.Cycle)
	r.publish(ctx, events.Completed(sc, reports, len(accounts), failed, r.Clock.Now()))
	return outcomeProcessed, nil
}

// buildReports evaluates every account score. In domain-based mode the score
// of the tested account is reported for every enrolled account of its domain.
func (r *ReportSweep) buildReports(sc *domain.Spamcheck, runs []domain.Run, accounts []domain.Account, scores []gateway.AccountScore) ([]domain.Report, []domain.ErrorLog, []domain.ErrorType, int) {
	rule := r.rule(sc)
	now := r.Clock.Now()

	byEmail := make(map[string]domain.Run, len(runs))
	byDomain := make(map[string]domain.Run, len(runs))
	for _, run := range runs {
		if run.AccountEmail != "" {
			byEmail[run.AccountEmail] = run
		}
		if run.Domain != "" {
			byDomain[run.Domain] = run
		}
	}
	groups := domain.GroupByDomain(accounts)

	var (
		reports []domain.Report
		logs    []domain.ErrorLog
		kinds   []domain.ErrorType
		failed  int
	)
	for _, as := range scores {
		targets := []string{as.Email}
		if sc.IsDomainBased {
			if group := groups[domain.EmailDomain(as.Email)]; len(group) > 0 {
				targets = targets[:0]
				for _, a := range group {
					targets = append(targets, a.Email)
				}
			}
		}

		if as.Err != nil {
			gerr := gateway.Classify(as.Err)
			r.Metrics.gatewayError(domain.StepFetchScores, gerr.Kind)
			logs = append(logs, r.errorLog(sc, domain.StepFetchScores, as.Email, gerr))
			kinds = append(kinds, gerr.Kind)
			failed += len(targets)
			continue
		}
		normalized, err := domain.NormalizeScores(as.Scores, r.ScoreScale)
		if err != nil {
			l := r.systemLog(sc, domain.StepFetchScores, domain.ErrorValidation, "", err.Error())
			l.Account = as.Email
			l.Provider = string(sc.Platform)
			logs = append(logs, l)
			kinds = append(kinds, domain.ErrorValidation)
			failed += len(targets)
			continue
		}

		run, ok := byEmail[as.Email]
		if !ok {
			run = byDomain[domain.EmailDomain(as.Email)]
		}
		tags := as.Tags
		if len(tags) == 0 && run.Tag != "" {
			tags = []string{run.Tag}
		}
		verdict := conditions.Evaluate(rule, normalized, len(targets))
		for _, email := range targets {
			reports = append(reports, domain.Report{
				SpamcheckID:    sc.ID,
				RunID:          run.ID,
				OrganizationID: sc.OrganizationID,
				AccountEmail:   email,
				Scores:         normalized,
				IsGood:         verdict.IsGood,
				SendingLimit:   verdict.SendingLimit,
				ReportLink:     as.ReportLink,
				Tags:           tags,
				WorkspaceID:    sc.OrganizationID,
				UsedSubject:    sc.Subject,
				UsedBody:       sc.Body,
				CreatedAt:      now,
			})
		}
	}
	return reports, logs, kinds, failed
}

// applyLimits pushes the evaluated sending limit of every reported account
// to the platform. Failures are logged and do not block completion.
func (r *ReportSweep) applyLimits(ctx context.Context, gw gateway.Gateway, sc *domain.Spamcheck, reports []domain.Report) []domain.ErrorLog {
	var logs []domain.ErrorLog
	for _, rep := range reports {
		if err := gw.ApplySendingLimit(ctx, sc.OrganizationID, rep.AccountEmail, rep.SendingLimit); err != nil {
			gerr := gateway.Classify(err)
			r.Metrics.gatewayError(domain.StepApplyLimit, gerr.Kind)
			logs = append(logs, r.errorLog(sc, domain.StepApplyLimit, rep.AccountEmail, gerr))
			r.log.Warn("sending limit update failed", "spamcheck_id", sc.ID, "account", rep.AccountEmail, "error", err)
		}
	}
	return logs
}
