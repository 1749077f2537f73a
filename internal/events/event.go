// Package events publishes the outcome of finished spamchecks to downstream
// consumers: Redis pub/sub, an HTTP webhook and an S3 archive.
package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
)

// Type names an event.
type Type string

const (
	TypeCompleted Type = "spamcheck.completed"
	TypeFailed    Type = "spamcheck.failed"
)

// Summary aggregates the reports of one finished cycle.
type Summary struct {
	Accounts       int                `json:"accounts"`
	Reports        int                `json:"reports"`
	Good           int                `json:"good"`
	Bad            int                `json:"bad"`
	FailedAccounts int                `json:"failed_accounts"`
	AverageScores  map[string]float64 `json:"average_scores"`
}

// Event is the payload published when a spamcheck cycle finishes.
type Event struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	TenantID       string          `json:"tenant_id"`
	OrganizationID string          `json:"organization_id"`
	SpamcheckID    int64           `json:"spamcheck_id"`
	Name           string          `json:"name"`
	Cycle          int             `json:"cycle"`
	Platform       domain.Platform `json:"platform"`
	Code           string          `json:"code,omitempty"`
	Summary        Summary         `json:"summary"`
	Reports        []domain.Report `json:"reports,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// Publisher delivers events to one destination.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Completed builds the event of a successfully reported cycle. accounts is
// the number of enrolled accounts and failed the number that produced no
// report.
func Completed(sc *domain.Spamcheck, reports []domain.Report, accounts, failed int, at time.Time) Event {
	e := newEvent(TypeCompleted, sc, at)
	e.Reports = reports
	e.Summary = summarize(reports)
	e.Summary.Accounts = accounts
	e.Summary.FailedAccounts = failed
	return e
}

// Failed builds the event of a cycle that ended in failed.
func Failed(sc *domain.Spamcheck, code string, accounts int, at time.Time) Event {
	e := newEvent(TypeFailed, sc, at)
	e.Code = code
	e.Summary = Summary{Accounts: accounts, FailedAccounts: accounts, AverageScores: map[string]float64{}}
	return e
}

func newEvent(t Type, sc *domain.Spamcheck, at time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           t,
		TenantID:       sc.TenantID,
		OrganizationID: sc.OrganizationID,
		SpamcheckID:    sc.ID,
		Name:           sc.Name,
		Cycle:          sc.Cycle,
		Platform:       sc.Platform,
		OccurredAt:     at.UTC(),
	}
}

func summarize(reports []domain.Report) Summary {
	s := Summary{Reports: len(reports), AverageScores: map[string]float64{}}
	counts := map[string]int{}
	for _, r := range reports {
		if r.IsGood {
			s.Good++
		} else {
			s.Bad++
		}
		for provider, v := range r.Scores {
			s.AverageScores[provider] += v
			counts[provider]++
		}
	}
	for provider, total := range s.AverageScores {
		s.AverageScores[provider] = domain.RoundScore(total / float64(counts[provider]))
	}
	return s
}

// Multi fans an event out to every publisher. All publishers are attempted;
// their errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory, in order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns the recorded events sorted by occurrence.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	out := append([]Event(nil), r.events...)
	r.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out
}
