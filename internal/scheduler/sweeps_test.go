package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
	"github.com/ignite/spamcheck-scheduler/internal/events"
	"github.com/ignite/spamcheck-scheduler/internal/gateway"
)

func (h *harness) runs(t *testing.T, id int64) []domain.Run {
	t.Helper()
	runs, err := h.svc.Runs(context.Background(), h.get(t, id))
	require.NoError(t, err)
	return runs
}

func (h *harness) tick(t *testing.T, tk Ticker) TickStats {
	t.Helper()
	st, err := tk.Tick(context.Background())
	require.NoError(t, err)
	return st
}

func (h *harness) successor(t *testing.T, id int64) *domain.Spamcheck {
	t.Helper()
	prev := h.get(t, id)
	require.NotNil(t, prev.SupersededByID, "spamcheck %d was not requeued", id)
	return h.get(t, *prev.SupersededByID)
}

func emailsOf(accounts []domain.Account) []string {
	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.Email)
	}
	return out
}

func TestStatus_WaitsForEveryRun(t *testing.T) {
	h := newHarness(t)
	h.sandbox.AutoComplete = false
	sc := h.create(t, input("t1", "slow campaigns"))
	h.tickQueue(t)

	st := h.tick(t, h.status)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, domain.StatusInProgress, h.get(t, sc.ID).Status)
	assert.Equal(t, 2, h.sandbox.PollCalls())

	runs := h.runs(t, sc.ID)
	require.Len(t, runs, 2)
	h.sandbox.SetCampaignStatus(runs[0].ExternalID, domain.RunCompleted)
	h.tick(t, h.status)
	assert.Equal(t, domain.StatusInProgress, h.get(t, sc.ID).Status)

	h.sandbox.SetCampaignStatus(runs[1].ExternalID, domain.RunDeleted)
	st = h.tick(t, h.status)
	assert.Equal(t, 1, st.Processed)
	assert.Equal(t, domain.StatusWaitingForReports, h.get(t, sc.ID).Status)
	// finished runs are not polled again
	assert.Equal(t, 5, h.sandbox.PollCalls())

	got := map[domain.RunStatus]int{}
	for _, r := range h.runs(t, sc.ID) {
		got[r.Status]++
	}
	assert.Equal(t, map[domain.RunStatus]int{domain.RunCompleted: 1, domain.RunDeleted: 1}, got)
}

func TestStatus_UnavailableCampaignCountsAsDeleted(t *testing.T) {
	h := newHarness(t)
	sc := h.create(t, input("t1", "vanished"))
	h.tickQueue(t)
	h.sandbox.FailNextPoll(gateway.StatusError("poll_status", 404, errors.New("campaign not found")))

	h.tick(t, h.status)

	assert.Equal(t, domain.StatusWaitingForReports, h.get(t, sc.ID).Status)
	logs := h.logs(t, sc.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.StepPollStatus, logs[0].Step)
	assert.Equal(t, domain.ErrorAPI, logs[0].ErrorType)
	assert.Equal(t, 404, logs[0].StatusCode)
}

func TestStatus_TransientPollErrorRetries(t *testing.T) {
	h := newHarness(t)
	sc := h.create(t, input("t1", "flaky poll", "a@one.com"))
	h.tickQueue(t)
	h.sandbox.FailNextPoll(gateway.NewError(domain.ErrorTimeout, "poll_status", context.DeadlineExceeded))

	h.tick(t, h.status)
	got := h.get(t, sc.ID)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, 1, got.ConsecutiveFailures)

	st := h.tick(t, h.status)
	assert.Equal(t, 1, st.Skipped, "backoff not elapsed")
	assert.Equal(t, 1, h.sandbox.PollCalls())

	h.clock.Advance(time.Minute)
	h.tick(t, h.status)
	got = h.get(t, sc.ID)
	assert.Equal(t, domain.StatusWaitingForReports, got.Status)
	assert.Zero(t, got.ConsecutiveFailures)
}

func TestStatus_AuthenticationFailsAndBlocks(t *testing.T) {
	h := newHarness(t)
	sc := h.create(t, input("t1", "revoked key"))
	h.tickQueue(t)
	h.sandbox.FailNextPoll(gateway.StatusError("poll_status", 403, errors.New("forbidden")))

	h.tick(t, h.status)

	assert.Equal(t, domain.StatusFailed, h.get(t, sc.ID).Status)
	blocked, err := h.gates.Blocked(context.Background(), "t1", domain.PlatformA)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestReports_WaitingDoesNotBlockTenant(t *testing.T) {
	h := newHarness(t)
	hour := 1.0
	in := input("t1", "first")
	in.ReportsWaitingTime = &hour
	first := h.create(t, in)

	h.tickQueue(t)
	h.tick(t, h.status)
	require.Equal(t, domain.StatusWaitingForReports, h.get(t, first.ID).Status)

	second := h.create(t, input("t1", "second"))
	h.tickQueue(t)
	assert.Equal(t, domain.StatusInProgress, h.get(t, second.ID).Status)

	st := h.tick(t, h.reports)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, domain.StatusWaitingForReports, h.get(t, first.ID).Status)

	h.clock.Advance(59 * time.Minute)
	h.tick(t, h.reports)
	assert.Equal(t, domain.StatusWaitingForReports, h.get(t, first.ID).Status)

	h.clock.Advance(time.Minute)
	h.tick(t, h.reports)
	assert.Equal(t, domain.StatusCompleted, h.get(t, first.ID).Status)
}

func TestReports_PartialScoreFailure(t *testing.T) {
	h := newHarness(t)
	sc := h.create(t, input("t1", "partial", "a@one.com", "b@two.com", "c@three.com"))
	h.sandbox.FailScores("b@two.com", gateway.StatusError("fetch_scores", 404, errors.New("no report")))
	h.sandbox.SetScores("c@three.com", map[string]float64{"google": 0.2, "outlook": 0.9})

	h.cycle(t)

	assert.Equal(t, domain.StatusCompleted, h.get(t, sc.ID).Status)
	reports, err := h.svc.Reports(context.Background(), sc.ID)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	byEmail := map[string]domain.Report{}
	for _, r := range reports {
		byEmail[r.AccountEmail] = r
		assert.NotEmpty(t, r.ReportLink)
		assert.NotZero(t, r.RunID)
		assert.NotEmpty(t, r.Tags)
	}
	assert.True(t, byEmail["a@one.com"].IsGood)
	assert.Equal(t, 25, byEmail["a@one.com"].SendingLimit)
	assert.False(t, byEmail["c@three.com"].IsGood)
	assert.Equal(t, 3, byEmail["c@three.com"].SendingLimit)

	logs := h.logs(t, sc.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, "b@two.com", logs[0].Account)
	assert.Equal(t, domain.StepFetchScores, logs[0].Step)

	evs := h.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeCompleted, evs[0].Type)
	assert.Equal(t, 3, evs[0].Summary.Accounts)
	assert.Equal(t, 2, evs[0].Summary.Reports)
	assert.Equal(t, 1, evs[0].Summary.Good)
	assert.Equal(t, 1, evs[0].Summary.Bad)
	assert.Equal(t, 1, evs[0].Summary.FailedAccounts)
}

func TestReports_AllScoresRejectedFails(t *testing.T) {
	h := newHarness(t)
	sc := h.create(t, input("t1", "no scores", "a@one.com"))
	h.sandbox.FailScores("a@one.com", gateway.StatusError("fetch_scores", 422, errors.New("bad request")))

	h.cycle(t)

	assert.Equal(t, domain.StatusFailed, h.get(t, sc.ID).Status)
	logs := h.logs(t, sc.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.CodeAllAccountsFailed, logs[0].Code)

	evs := h.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeFailed, evs[0].Type)
	assert.Equal(t, domain.CodeAllAccountsFailed, evs[0].Code)
}

func TestReports_TransientScoreFailureExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	sc := h.create(t, input("t1", "scorer down", "a@one.com"))
	h.sandbox.FailScores("a@one.com", gateway.NewError(domain.ErrorConnection, "fetch_scores", errors.New("connection refused")))

	h.cycle(t)
	got := h.get(t, sc.ID)
	assert.Equal(t, domain.StatusGeneratingReports, got.Status)
	assert.Equal(t, 1, got.ConsecutiveFailures)

	h.clock.Advance(time.Minute)
	h.tick(t, h.reports)
	assert.Equal(t, 2, h.get(t, sc.ID).ConsecutiveFailures)

	h.clock.Advance(time.Minute)
	st := h.tick(t, h.reports)
	assert.Equal(t, 1, st.Skipped, "second backoff is two minutes")

	h.clock.Advance(time.Minute)
	h.tick(t, h.reports)
	assert.Equal(t, domain.StatusFailed, h.get(t, sc.ID).Status)
	assert.Equal(t, 3, h.sandbox.FetchCalls())

	logs := h.logs(t, sc.ID)
	require.Len(t, logs, 3)
	assert.Equal(t, domain.CodeTooManyFailures, logs[0].Code)
}

func TestReports_DomainBasedSpreadsScores(t *testing.T) {
	h := newHarness(t)
	in := input("t1", "per domain", "a@one.com", "b@one.com", "c@two.com")
	in.IsDomainBased = true
	in.UpdateSendingLimits = true
	in.Conditions = "google>=0.5andoutlook>=0.5sending=25/5"
	sc := h.create(t, in)
	h.sandbox.SetScores("a@one.com", map[string]float64{"google": 0.1, "outlook": 0.1})

	h.cycle(t)

	assert.Equal(t, domain.StatusCompleted, h.get(t, sc.ID).Status)
	runs := h.runs(t, sc.ID)
	require.Len(t, runs, 2)
	assert.Equal(t, 1, h.sandbox.Launches())

	reports, err := h.svc.Reports(context.Background(), sc.ID)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for _, r := range reports {
		switch r.AccountEmail {
		case "a@one.com", "b@one.com":
			assert.False(t, r.IsGood, r.AccountEmail)
			assert.Equal(t, 5, r.SendingLimit, r.AccountEmail)
		case "c@two.com":
			assert.True(t, r.IsGood)
			assert.Equal(t, 25, r.SendingLimit)
		default:
			t.Fatalf("unexpected report for %s", r.AccountEmail)
		}
	}

	for email, want := range map[string]int{"a@one.com": 5, "b@one.com": 5, "c@two.com": 25} {
		got, ok := h.sandbox.AppliedLimit(email)
		require.True(t, ok, email)
		assert.Equal(t, want, got, email)
	}
}

func TestReports_SendingLimitFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	in := input("t1", "limits fail", "a@one.com")
	in.UpdateSendingLimits = true
	sc := h.create(t, in)
	h.sandbox.FailSendingLimits(gateway.StatusError("apply_sending_limit", 500, errors.New("boom")))

	h.cycle(t)

	assert.Equal(t, domain.StatusCompleted, h.get(t, sc.ID).Status)
	logs := h.logs(t, sc.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.StepApplyLimit, logs[0].Step)
	assert.Equal(t, domain.ErrorServer, logs[0].ErrorType)
}

func TestRecurrence_WeeklyWithoutDrift(t *testing.T) {
	h := newHarness(t)
	weekly := 7
	in := input("t1", "weekly")
	in.RecurringDays = &weekly
	sc := h.create(t, in)

	id := sc.ID
	for cycle := 1; cycle <= 4; cycle++ {
		// every cycle runs three hours after its slot
		h.clock.Set(t0.AddDate(0, 0, 7*(cycle-1)).Add(3 * time.Hour))
		h.cycle(t)
		require.Equal(t, domain.StatusCompleted, h.get(t, id).Status, "cycle %d", cycle)

		next := h.successor(t, id)
		assert.Equal(t, domain.StatusQueued, next.Status)
		assert.Equal(t, cycle+1, next.Cycle)
		assert.Equal(t, t0.AddDate(0, 0, 7*cycle), next.ScheduledAt, "cycle %d", cycle+1)
		require.NotNil(t, next.ParentID)
		assert.Equal(t, id, *next.ParentID)
		assert.Zero(t, next.LaunchAttempt)
		id = next.ID
	}
	assert.Equal(t, 4, h.sandbox.Launches())
}

func TestRecurrence_SkipsMissedSlots(t *testing.T) {
	h := newHarness(t)
	daily := 1
	in := input("t1", "daily")
	in.RecurringDays = &daily
	sc := h.create(t, in)

	// the scheduler was down for three days
	h.clock.Set(t0.AddDate(0, 0, 3).Add(time.Hour))
	h.cycle(t)
	require.Equal(t, domain.StatusCompleted, h.get(t, sc.ID).Status)
	assert.Equal(t, t0.AddDate(0, 0, 4), h.successor(t, sc.ID).ScheduledAt)
}

func TestRecurrence_OneShotIsNotRequeued(t *testing.T) {
	h := newHarness(t)
	sc := h.create(t, input("t1", "once"))

	h.cycle(t)
	h.cycle(t)

	got := h.get(t, sc.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Nil(t, got.SupersededByID)
	assert.Equal(t, 1, h.sandbox.Launches())
}

func TestRecurrence_SmallBatchBehindOneShots(t *testing.T) {
	h := newHarness(t)
	h.deps.BatchSize = 2
	h.rebuild()

	h.create(t, input("t1", "once-1"))
	h.create(t, input("t2", "once-2"))
	h.create(t, input("t3", "once-3"))
	weekly := 7
	in := input("t4", "weekly")
	in.RecurringDays = &weekly
	sc := h.create(t, in)

	h.cycle(t)
	h.cycle(t)
	require.Equal(t, domain.StatusCompleted, h.get(t, sc.ID).Status)
	next := h.successor(t, sc.ID)
	assert.Equal(t, t0.AddDate(0, 0, 7), next.ScheduledAt)
}

func TestRecurrence_RefreshesAccounts(t *testing.T) {
	h := newHarness(t)
	h.deps.Accounts = AccountSourceFunc(func(context.Context, *domain.Spamcheck) ([]string, error) {
		return []string{"fresh@four.com", "a@one.com"}, nil
	})
	h.rebuild()

	weekly := 7
	in := input("t1", "refreshed")
	in.RecurringDays = &weekly
	sc := h.create(t, in)
	h.cycle(t)

	next := h.successor(t, sc.ID)
	accounts, err := h.svc.Accounts(context.Background(), next.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fresh@four.com", "a@one.com"}, emailsOf(accounts))
}

func TestRecurrence_RefreshFailureKeepsEnrollment(t *testing.T) {
	for name, src := range map[string]AccountSourceFunc{
		"error": func(context.Context, *domain.Spamcheck) ([]string, error) {
			return nil, gateway.StatusError("list_accounts", 502, errors.New("bad gateway"))
		},
		"empty": func(context.Context, *domain.Spamcheck) ([]string, error) {
			return nil, nil
		},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.deps.Accounts = src
			h.rebuild()

			weekly := 7
			in := input("t1", "kept")
			in.RecurringDays = &weekly
			sc := h.create(t, in)
			h.cycle(t)

			next := h.successor(t, sc.ID)
			accounts, err := h.svc.Accounts(context.Background(), next.ID)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a@one.com", "b@two.com"}, emailsOf(accounts))

			logs := h.logs(t, sc.ID)
			require.Len(t, logs, 1)
			assert.Equal(t, domain.StepRefreshAccounts, logs[0].Step)
		})
	}
}

func TestRecurrence_PausedCompletedIsNotRequeued(t *testing.T) {
	h := newHarness(t)
	weekly := 7
	in := input("t1", "paused weekly")
	in.RecurringDays = &weekly
	sc := h.create(t, in)

	h.tickQueue(t)
	h.tick(t, h.status)
	h.tick(t, h.reports)
	require.Equal(t, domain.StatusCompleted, h.get(t, sc.ID).Status)

	_, err := h.svc.TogglePause(context.Background(), sc.ID)
	require.NoError(t, err)

	st := h.tick(t, h.recurrence)
	assert.Zero(t, st.Considered)
	assert.Nil(t, h.get(t, sc.ID).SupersededByID)
}

func TestNextOccurrence(t *testing.T) {
	mon := t0
	tests := []struct {
		name     string
		prev     time.Time
		days     int
		weekdays []int
		now      time.Time
		want     time.Time
	}{
		{"next day", mon, 1, nil, mon.Add(time.Hour), mon.AddDate(0, 0, 1)},
		{"weekly late run", mon, 7, nil, mon.Add(5 * time.Hour), mon.AddDate(0, 0, 7)},
		{"missed slots skipped", mon, 1, nil, mon.AddDate(0, 0, 3).Add(time.Hour), mon.AddDate(0, 0, 4)},
		{"slot equal to now skipped", mon, 1, nil, mon.AddDate(0, 0, 1), mon.AddDate(0, 0, 2)},
		{"weekday advance", mon, 1, []int{0}, mon.Add(time.Hour), mon.AddDate(0, 0, 7)},
		{"weekday already allowed", mon, 2, []int{2, 4}, mon.Add(time.Hour), mon.AddDate(0, 0, 2)},
		{"zero days treated as one", mon, 0, nil, mon.Add(time.Hour), mon.AddDate(0, 0, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextOccurrence(tt.prev, tt.days, tt.weekdays, tt.now))
		})
	}
}
