package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ignite/spamcheck-scheduler/internal/content"
	"github.com/ignite/spamcheck-scheduler/internal/domain"
	"github.com/ignite/spamcheck-scheduler/internal/gateway"
	"github.com/ignite/spamcheck-scheduler/internal/service/spamcheck"
)

// QueueScheduler admits and launches at most one spamcheck per tenant.
type QueueScheduler struct {
	sweep
}

// NewQueueScheduler creates the queue sweep.
func NewQueueScheduler(d Deps) *QueueScheduler {
	return &QueueScheduler{sweep: newSweep(SweepQueue, d)}
}

// Tick selects one candidate per tenant and launches it. A tenant is
// skipped while one of its spamchecks is in progress; a pending spamcheck
// (admitted but not launched yet) is retried before any queued one.
func (q *QueueScheduler) Tick(ctx context.Context) (TickStats, error) {
	var st TickStats
	now := q.Clock.Now().UTC()

	all, err := q.listAll(ctx, spamcheck.ListFilter{
		Statuses: []domain.Status{domain.StatusQueued, domain.StatusPending, domain.StatusInProgress},
		DueBy:    now,
	})
	if err != nil {
		return st, fmt.Errorf("list queue candidates: %w", err)
	}

	byTenant := make(map[string][]domain.Spamcheck)
	for _, sc := range all {
		byTenant[sc.TenantID] = append(byTenant[sc.TenantID], sc)
	}
	tenants := make([]string, 0, len(byTenant))
	for t := range byTenant {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		cand, ok := q.pick(ctx, now, byTenant[tenant])
		if !ok {
			continue
		}
		q.each(ctx, &st, cand, q.admitAndLaunch)
	}
	return st, nil
}

// pick returns the tenant's next candidate, if any.
func (q *QueueScheduler) pick(ctx context.Context, now time.Time, scs []domain.Spamcheck) (domain.Spamcheck, bool) {
	var pending *domain.Spamcheck
	queued := make([]domain.Spamcheck, 0, len(scs))
	for i := range scs {
		switch scs[i].Status {
		case domain.StatusInProgress:
			return domain.Spamcheck{}, false
		case domain.StatusPending:
			if pending == nil {
				pending = &scs[i]
			}
		case domain.StatusQueued:
			queued = append(queued, scs[i])
		}
	}

	if pending != nil {
		if !q.due(pending) || q.gated(ctx, pending) {
			return domain.Spamcheck{}, false
		}
		return *pending, true
	}

	sort.SliceStable(queued, func(i, j int) bool {
		if !queued[i].CreatedAt.Equal(queued[j].CreatedAt) {
			return queued[i].CreatedAt.Before(queued[j].CreatedAt)
		}
		return queued[i].ID < queued[j].ID
	})
	for i := range queued {
		sc := &queued[i]
		if !Eligible(sc, now) || q.gated(ctx, sc) {
			continue
		}
		return *sc, true
	}
	return domain.Spamcheck{}, false
}

// Eligible reports whether a queued spamcheck may be admitted at now: its
// scheduled time has come, today is an allowed weekday and no retry
// backoff is pending.
func Eligible(sc *domain.Spamcheck, now time.Time) bool {
	if sc.ScheduledAt.After(now) {
		return false
	}
	if !sc.AllowsWeekday(now) {
		return false
	}
	return sc.NextAttemptAt == nil || !sc.NextAttemptAt.After(now)
}

func (q *QueueScheduler) gated(ctx context.Context, sc *domain.Spamcheck) bool {
	blocked, err := q.Gates.Blocked(ctx, sc.TenantID, sc.Platform)
	if err != nil {
		q.log.Warn("credential gate lookup failed", "tenant_id", sc.TenantID, "platform", sc.Platform, "error", err)
		return true
	}
	return blocked
}

func (q *QueueScheduler) admitAndLaunch(ctx context.Context, sc *domain.Spamcheck) (outcome, error) {
	if sc.Status == domain.StatusQueued {
		err := q.Service.Admit(ctx, sc)
		switch {
		case errors.Is(err, spamcheck.ErrTenantBusy), errors.Is(err, spamcheck.ErrStaleStatus):
			q.log.Debug("admission lost", "spamcheck_id", sc.ID, "tenant_id", sc.TenantID, "reason", err)
			return outcomeSkipped, nil
		case err != nil:
			return outcomeSkipped, fmt.Errorf("admit: %w", err)
		}
		q.log.Info("spamcheck admitted", "spamcheck_id", sc.ID, "tenant_id", sc.TenantID)
	}
	return q.withLock(ctx, sc, domain.StatusPending, func(fresh *domain.Spamcheck) (outcome, error) {
		return q.launch(ctx, fresh)
	})
}

// launch starts the test campaigns of a pending spamcheck and records them.
func (q *QueueScheduler) launch(ctx context.Context, sc *domain.Spamcheck) (outcome, error) {
	gw, err := q.Gateways.Get(sc.Platform)
	if err != nil {
		log := q.systemLog(sc, domain.StepLaunch, domain.ErrorValidation, domain.CodeUnknownPlatform, err.Error())
		return q.fail(ctx, sc, domain.CodeUnknownPlatform, []domain.ErrorLog{log}, 0)
	}

	accounts, err := q.Service.Accounts(ctx, sc.ID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("load accounts: %w", err)
	}
	if len(accounts) == 0 {
		log := q.systemLog(sc, domain.StepLaunch, domain.ErrorValidation, domain.CodeNoAccounts, "no accounts enrolled")
		return q.fail(ctx, sc, domain.CodeNoAccounts, []domain.ErrorLog{log}, 0)
	}
	selected := accounts
	if sc.IsDomainBased {
		selected = domain.DedupByDomain(accounts)
	}

	subject, body, logs := q.resolveCopy(ctx, gw, sc)

	req := gateway.LaunchRequest{
		IdempotencyKey: sc.LaunchKey(),
		SpamcheckID:    sc.ID,
		OrganizationID: sc.OrganizationID,
		Name:           sc.Name,
		Tracking: gateway.TrackingOptions{
			OpenTracking: sc.OpenTracking,
			LinkTracking: sc.LinkTracking,
			PlainText:    sc.PlainText,
		},
	}
	for _, acc := range selected {
		msg, err := q.Renderer.Render(sc, acc, subject, body)
		if err != nil {
			l := q.systemLog(sc, domain.StepLaunch, domain.ErrorValidation, "", err.Error())
			l.Account = acc.Email
			logs = append(logs, l)
			continue
		}
		req.Accounts = append(req.Accounts, gateway.LaunchAccount{
			Email: acc.Email, Domain: acc.Domain(), Subject: msg.Subject, Body: msg.Body,
		})
	}
	if len(req.Accounts) == 0 {
		return q.fail(ctx, sc, domain.CodeAllAccountsFailed, logs, len(selected))
	}

	handle, err := gw.LaunchTest(ctx, req)
	if err != nil {
		gerr := gateway.Classify(err)
		q.Metrics.gatewayError(domain.StepLaunch, gerr.Kind)
		logs = append(logs, q.errorLog(sc, domain.StepLaunch, "", gerr))
		q.log.Warn("launch failed", "spamcheck_id", sc.ID, "kind", gerr.Kind, "error", err)
		return q.handleFailure(ctx, sc, gerr.Kind, logs, len(selected))
	}

	kinds := make([]domain.ErrorType, 0, len(handle.Failures))
	for _, f := range handle.Failures {
		gerr := gateway.Classify(f.Err)
		q.Metrics.gatewayError(domain.StepLaunch, gerr.Kind)
		logs = append(logs, q.errorLog(sc, domain.StepLaunch, f.Email, gerr))
		kinds = append(kinds, gerr.Kind)
	}
	if len(handle.Campaigns) == 0 {
		q.log.Warn("launch produced no campaigns", "spamcheck_id", sc.ID, "failures", len(handle.Failures))
		return q.handleFailure(ctx, sc, aggregateKind(kinds), logs, len(selected))
	}

	now := q.Clock.Now()
	runs := make([]domain.Run, 0, len(handle.Campaigns))
	for _, c := range handle.Campaigns {
		runs = append(runs, domain.Run{
			SpamcheckID:   sc.ID,
			LaunchAttempt: sc.LaunchAttempt,
			AccountEmail:  c.AccountEmail,
			Domain:        c.Domain,
			ExternalID:    c.ExternalID,
			Tag:           c.Tag,
			Status:        domain.RunActive,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if err := q.Service.MarkLaunched(ctx, sc, runs, logs); err != nil {
		if errors.Is(err, spamcheck.ErrStaleStatus) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, fmt.Errorf("mark launched: %w", err)
	}
	q.Metrics.launched()
	q.log.Info("spamcheck launched", "spamcheck_id", sc.ID, "tenant_id", sc.TenantID,
		"platform", sc.Platform, "key", req.IdempotencyKey, "runs", len(runs), "failed_accounts", len(handle.Failures))
	return outcomeProcessed, nil
}

// resolveCopy returns the subject and body to send. When the spamcheck
// reads its copy from a platform campaign, the first step of that campaign
// is used; on failure the stored copy is kept and the failure logged.
func (q *QueueScheduler) resolveCopy(ctx context.Context, gw gateway.Gateway, sc *domain.Spamcheck) (string, string, []domain.ErrorLog) {
	subject, body := sc.Subject, sc.Body
	if sc.CampaignCopySourceID == nil || *sc.CampaignCopySourceID == "" {
		return subject, body, nil
	}
	src, ok := gateway.AsCopySource(gw)
	if !ok {
		q.log.Debug("platform cannot provide campaign copy", "spamcheck_id", sc.ID, "platform", sc.Platform)
		return subject, body, nil
	}
	c, err := src.FetchCampaignCopy(ctx, sc.OrganizationID, *sc.CampaignCopySourceID)
	if err != nil {
		gerr := gateway.Classify(err)
		q.Metrics.gatewayError(domain.StepFetchCampaignCopy, gerr.Kind)
		q.log.Warn("campaign copy unavailable, using stored copy", "spamcheck_id", sc.ID,
			"source_id", *sc.CampaignCopySourceID, "error", err)
		return subject, body, []domain.ErrorLog{q.errorLog(sc, domain.StepFetchCampaignCopy, "", gerr)}
	}
	if c.Subject != "" {
		subject = c.Subject
	}
	if c.Body != "" {
		body = content.HTMLToText(c.Body)
	}
	return subject, body, nil
}

// aggregateKind reduces per-account failure kinds to the kind driving the
// spamcheck. Any authentication failure wins. Otherwise one retryable
// failure is enough to retry the whole spamcheck; only when every account
// failed terminally does a terminal kind come out.
func aggregateKind(kinds []domain.ErrorType) domain.ErrorType {
	if len(kinds) == 0 {
		return domain.ErrorUnknown
	}
	var retryable, terminal domain.ErrorType
	for _, k := range kinds {
		switch {
		case k == domain.ErrorAuthentication:
			return k
		case gateway.IsRetryableKind(k):
			if retryable == "" {
				retryable = k
			}
		case terminal == "":
			terminal = k
		}
	}
	if retryable != "" {
		return retryable
	}
	return terminal
}
