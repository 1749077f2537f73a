package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
	"github.com/ignite/spamcheck-scheduler/internal/gateway"
	"github.com/ignite/spamcheck-scheduler/internal/service/spamcheck"
)

// RecurrenceSweep queues the next cycle of completed recurring spamchecks.
type RecurrenceSweep struct {
	sweep
}

// NewRecurrenceSweep creates the recurrence sweep.
func NewRecurrenceSweep(d Deps) *RecurrenceSweep {
	return &RecurrenceSweep{sweep: newSweep(SweepRecurrence, d)}
}

// NextOccurrence returns the scheduled time of the cycle after one scheduled
// at prev. The interval is counted from prev, never from the time the
// previous cycle actually ran, so cycles do not drift. Slots already in the
// past at now are skipped. With weekdays set, the result is moved forward
// to the next allowed weekday.
func NextOccurrence(prev time.Time, days int, weekdays []int, now time.Time) time.Time {
	prev = prev.UTC()
	if days < 1 {
		days = 1
	}
	next := prev.AddDate(0, 0, days)
	for !next.After(now) {
		next = next.AddDate(0, 0, days)
	}
	sched := domain.Spamcheck{Weekdays: weekdays}
	for i := 0; i < 7 && !sched.AllowsWeekday(next); i++ {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Tick requeues every completed, recurring spamcheck not yet superseded.
func (s *RecurrenceSweep) Tick(ctx context.Context) (TickStats, error) {
	var st TickStats
	scs, err := s.listAll(ctx, spamcheck.ListFilter{
		Statuses:      []domain.Status{domain.StatusCompleted},
		RecurringOnly: true,
	})
	if err != nil {
		return st, fmt.Errorf("list completed spamchecks: %w", err)
	}
	for _, sc := range scs {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		if !sc.IsRecurring() || sc.SupersededByID != nil {
			continue
		}
		s.each(ctx, &st, sc, func(ctx context.Context, sc *domain.Spamcheck) (outcome, error) {
			return s.withLock(ctx, sc, domain.StatusCompleted, func(fresh *domain.Spamcheck) (outcome, error) {
				if fresh.SupersededByID != nil {
					return outcomeSkipped, nil
				}
				return s.requeue(ctx, fresh)
			})
		})
	}
	return st, nil
}

func (s *RecurrenceSweep) requeue(ctx context.Context, sc *domain.Spamcheck) (outcome, error) {
	accounts, err := s.Service.Accounts(ctx, sc.ID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("load accounts: %w", err)
	}
	emails := make([]string, 0, len(accounts))
	for _, a := range accounts {
		emails = append(emails, a.Email)
	}

	var logs []domain.ErrorLog
	if s.Accounts != nil {
		refreshed, err := s.Accounts.ConnectedAccounts(ctx, sc)
		switch {
		case err != nil:
			gerr := gateway.Classify(err)
			logs = append(logs, s.errorLog(sc, domain.StepRefreshAccounts, "", gerr))
			s.log.Warn("account refresh failed, keeping enrollment", "spamcheck_id", sc.ID, "error", err)
		case len(refreshed) == 0:
			logs = append(logs, s.systemLog(sc, domain.StepRefreshAccounts, domain.ErrorValidation, domain.CodeNoAccounts,
				"no connected accounts, keeping enrollment"))
		default:
			emails = refreshed
		}
	}

	next := NextOccurrence(sc.ScheduledAt, *sc.RecurringDays, sc.Weekdays, s.Clock.Now())
	created, err := s.Service.Requeue(ctx, sc, next, emails)
	if err != nil {
		if errors.Is(err, spamcheck.ErrStaleStatus) {
			return outcomeSkipped, nil
		}
		logs = append(logs, s.systemLog(sc, domain.StepRecurrence, domain.ErrorUnknown, domain.CodeRecurring, err.Error()))
		if lerr := s.Service.AppendErrorLogs(ctx, logs...); lerr != nil {
			s.log.Error("error log append failed", "spamcheck_id", sc.ID, "error", lerr)
		}
		return outcomeSkipped, fmt.Errorf("requeue: %w", err)
	}
	if len(logs) > 0 {
		if err := s.Service.AppendErrorLogs(ctx, logs...); err != nil {
			s.log.Error("error log append failed", "spamcheck_id", sc.ID, "error", err)
		}
	}
	s.log.Info("next cycle queued", "spamcheck_id", sc.ID, "next_id", created.ID,
		"cycle", created.Cycle, "scheduled_at", created.ScheduledAt.Format(time.RFC3339))
	return outcomeProcessed, nil
}
