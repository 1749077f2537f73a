// Package memory is an in-process implementation of spamcheck.Repository
// used by the scheduler scenarios in tests and by single-node sandbox runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
	"github.com/ignite/spamcheck-scheduler/internal/service/spamcheck"
)

// Store holds every entity behind one mutex, so each method is atomic.
type Store struct {
	mu         sync.Mutex
	seq        int64
	spamchecks map[int64]*domain.Spamcheck
	accounts   map[int64][]domain.Account
	runs       map[int64][]domain.Run
	reports    map[int64][]domain.Report
	errorLogs  []domain.ErrorLog
}

// New creates an empty store.
func New() *Store {
	return &Store{
		spamchecks: make(map[int64]*domain.Spamcheck),
		accounts:   make(map[int64][]domain.Account),
		runs:       make(map[int64][]domain.Run),
		reports:    make(map[int64][]domain.Report),
	}
}

var _ spamcheck.Repository = (*Store)(nil)

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func clone(sc *domain.Spamcheck) *domain.Spamcheck {
	cp := *sc
	cp.Weekdays = append([]int(nil), sc.Weekdays...)
	if sc.RecurringDays != nil {
		v := *sc.RecurringDays
		cp.RecurringDays = &v
	}
	if sc.NextAttemptAt != nil {
		v := *sc.NextAttemptAt
		cp.NextAttemptAt = &v
	}
	if sc.CampaignCopySourceID != nil {
		v := *sc.CampaignCopySourceID
		cp.CampaignCopySourceID = &v
	}
	if sc.ParentID != nil {
		v := *sc.ParentID
		cp.ParentID = &v
	}
	if sc.SupersededByID != nil {
		v := *sc.SupersededByID
		cp.SupersededByID = &v
	}
	return &cp
}

func statusIn(st domain.Status, set []domain.Status) bool {
	for _, v := range set {
		if v == st {
			return true
		}
	}
	return false
}

func (s *Store) nameTaken(sc *domain.Spamcheck, name string) bool {
	for _, other := range s.spamchecks {
		if other.ID == sc.ID || other.SupersededByID != nil {
			continue
		}
		if other.TenantID == sc.TenantID && other.OrganizationID == sc.OrganizationID && other.Name == name {
			return true
		}
	}
	return false
}

func (s *Store) setAccounts(id int64, emails []string, at time.Time) {
	accs := make([]domain.Account, 0, len(emails))
	for _, e := range emails {
		accs = append(accs, domain.Account{
			ID: s.nextID(), SpamcheckID: id, Email: e, CreatedAt: at, UpdatedAt: at,
		})
	}
	s.accounts[id] = accs
}

func (s *Store) Get(_ context.Context, id int64) (*domain.Spamcheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.spamchecks[id]
	if !ok {
		return nil, spamcheck.ErrNotFound
	}
	return clone(sc), nil
}

func dueBy(sc *domain.Spamcheck, t time.Time) bool {
	if sc.ScheduledAt.After(t) {
		return false
	}
	return sc.NextAttemptAt == nil || !sc.NextAttemptAt.After(t)
}

func (s *Store) List(_ context.Context, f spamcheck.ListFilter) ([]domain.Spamcheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Spamcheck
	for _, sc := range s.spamchecks {
		if f.TenantID != "" && sc.TenantID != f.TenantID {
			continue
		}
		if f.OrganizationID != "" && sc.OrganizationID != f.OrganizationID {
			continue
		}
		if len(f.Statuses) > 0 && !statusIn(sc.Status, f.Statuses) {
			continue
		}
		if !f.IncludeSuperseded && sc.SupersededByID != nil {
			continue
		}
		if f.RecurringOnly && !sc.IsRecurring() {
			continue
		}
		if !f.DueBy.IsZero() && sc.Status == domain.StatusQueued && !dueBy(sc, f.DueBy) {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(sc.Name), strings.ToLower(f.Search)) {
			continue
		}
		out = append(out, *clone(sc))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	end := f.Offset + f.Limit
	if end > len(out) || f.Limit <= 0 {
		end = len(out)
	}
	return out[f.Offset:end], nil
}

func (s *Store) Create(_ context.Context, sc *domain.Spamcheck, emails []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTaken(sc, sc.Name) {
		return 0, spamcheck.ErrDuplicateName
	}
	cp := clone(sc)
	cp.ID = s.nextID()
	s.spamchecks[cp.ID] = cp
	s.setAccounts(cp.ID, emails, cp.CreatedAt)
	return cp.ID, nil
}

func (s *Store) Update(_ context.Context, id int64, allowed []domain.Status, u spamcheck.UpdateFields, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.spamchecks[id]
	if !ok {
		return spamcheck.ErrNotFound
	}
	if !statusIn(sc.Status, allowed) {
		return spamcheck.ErrStaleStatus
	}
	if u.Name != nil && *u.Name != sc.Name && s.nameTaken(sc, *u.Name) {
		return spamcheck.ErrDuplicateName
	}

	next := clone(sc)
	if u.Name != nil {
		next.Name = *u.Name
	}
	if u.Conditions != nil {
		next.Conditions = *u.Conditions
	}
	if u.ScheduledAt != nil {
		next.ScheduledAt = *u.ScheduledAt
	}
	if u.RecurringDays != nil {
		if *u.RecurringDays == 0 {
			next.RecurringDays = nil
		} else {
			v := *u.RecurringDays
			next.RecurringDays = &v
		}
	}
	if u.Weekdays != nil {
		next.Weekdays = append([]int(nil), (*u.Weekdays)...)
	}
	if u.IsDomainBased != nil {
		next.IsDomainBased = *u.IsDomainBased
	}
	if u.ReportsWaitingTime != nil {
		next.ReportsWaitingTime = *u.ReportsWaitingTime
	}
	if u.Platform != nil {
		next.Platform = *u.Platform
	}
	if u.Subject != nil {
		next.Subject = *u.Subject
	}
	if u.Body != nil {
		next.Body = *u.Body
	}
	if u.PlainText != nil {
		next.PlainText = *u.PlainText
	}
	if u.OpenTracking != nil {
		next.OpenTracking = *u.OpenTracking
	}
	if u.LinkTracking != nil {
		next.LinkTracking = *u.LinkTracking
	}
	if u.UpdateSendingLimits != nil {
		next.UpdateSendingLimits = *u.UpdateSendingLimits
	}
	if u.CampaignCopySourceID != nil {
		if *u.CampaignCopySourceID == "" {
			next.CampaignCopySourceID = nil
		} else {
			v := *u.CampaignCopySourceID
			next.CampaignCopySourceID = &v
		}
	}
	if u.Accounts != nil {
		s.setAccounts(id, *u.Accounts, at)
	}
	next.UpdatedAt = at
	s.spamchecks[id] = next
	return nil
}

func (s *Store) Delete(_ context.Context, id int64, allowed []domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.spamchecks[id]
	if !ok {
		return spamcheck.ErrNotFound
	}
	if !statusIn(sc.Status, allowed) {
		return spamcheck.ErrStaleStatus
	}
	delete(s.spamchecks, id)
	delete(s.accounts, id)
	delete(s.runs, id)
	delete(s.reports, id)
	for _, other := range s.spamchecks {
		if other.SupersededByID != nil && *other.SupersededByID == id {
			other.SupersededByID = nil
		}
	}
	return nil
}

func (s *Store) Accounts(_ context.Context, spamcheckID int64) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Account(nil), s.accounts[spamcheckID]...), nil
}

func (s *Store) Runs(_ context.Context, spamcheckID int64, attempt int) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Run
	for _, r := range s.runs[spamcheckID] {
		if r.LaunchAttempt == attempt {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) UpdateRunStatus(_ context.Context, runID int64, status domain.RunStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for scID, runs := range s.runs {
		for i := range runs {
			if runs[i].ID == runID {
				s.runs[scID][i].Status = status
				s.runs[scID][i].UpdatedAt = at
				return nil
			}
		}
	}
	return spamcheck.ErrNotFound
}

func (s *Store) tenantSlotTaken(sc *domain.Spamcheck) bool {
	for _, other := range s.spamchecks {
		if other.ID != sc.ID && other.TenantID == sc.TenantID && statusIn(other.Status, spamcheck.InFlightStatuses) {
			return true
		}
	}
	return false
}

func (s *Store) Transition(_ context.Context, t spamcheck.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.spamchecks[t.ID]
	if !ok {
		return spamcheck.ErrNotFound
	}
	if sc.Status != t.From {
		return spamcheck.ErrStaleStatus
	}
	if t.TenantSlotGuard && s.tenantSlotTaken(sc) {
		return spamcheck.ErrTenantBusy
	}

	sc.Status = t.To
	sc.StatusChangedAt = t.At
	sc.UpdatedAt = t.At
	if t.IncrementAttempt {
		sc.LaunchAttempt++
	}
	if t.ResetFailures {
		sc.ConsecutiveFailures = 0
		sc.NextAttemptAt = nil
	}

	for _, r := range t.Runs {
		r.ID = s.nextID()
		r.SpamcheckID = sc.ID
		r.LaunchAttempt = sc.LaunchAttempt
		if r.Status == "" {
			r.Status = domain.RunActive
		}
		r.CreatedAt, r.UpdatedAt = t.At, t.At
		s.runs[sc.ID] = append(s.runs[sc.ID], r)
	}
	for _, rep := range t.Reports {
		if rep.ID == "" {
			rep.ID = uuid.NewString()
		}
		rep.SpamcheckID = sc.ID
		if rep.CreatedAt.IsZero() {
			rep.CreatedAt = t.At
		}
		s.reports[sc.ID] = append(s.reports[sc.ID], rep)
	}
	for i := range s.accounts[sc.ID] {
		if tag, ok := t.AccountTags[s.accounts[sc.ID][i].Email]; ok {
			s.accounts[sc.ID][i].LastTag = tag
			s.accounts[sc.ID][i].UpdatedAt = t.At
		}
	}
	s.appendLogs(t.ErrorLogs)
	return nil
}

func (s *Store) appendLogs(logs []domain.ErrorLog) {
	for _, l := range logs {
		l.ID = s.nextID()
		s.errorLogs = append(s.errorLogs, l)
	}
}

func (s *Store) RecordFailure(_ context.Context, id int64, status domain.Status, nextAttemptAt time.Time, logs []domain.ErrorLog) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.spamchecks[id]
	if !ok {
		return 0, spamcheck.ErrNotFound
	}
	if sc.Status != status {
		return 0, spamcheck.ErrStaleStatus
	}
	sc.ConsecutiveFailures++
	next := nextAttemptAt
	sc.NextAttemptAt = &next
	s.appendLogs(logs)
	return sc.ConsecutiveFailures, nil
}

func (s *Store) ResetFailures(_ context.Context, id int64, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.spamchecks[id]
	if !ok {
		return spamcheck.ErrNotFound
	}
	if sc.Status != status {
		return spamcheck.ErrStaleStatus
	}
	sc.ConsecutiveFailures = 0
	sc.NextAttemptAt = nil
	return nil
}

func (s *Store) Requeue(_ context.Context, prevID int64, next *domain.Spamcheck, emails []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.spamchecks[prevID]
	if !ok {
		return 0, spamcheck.ErrNotFound
	}
	if prev.Status != domain.StatusCompleted || prev.SupersededByID != nil {
		return 0, spamcheck.ErrStaleStatus
	}
	cp := clone(next)
	cp.ID = s.nextID()
	id := cp.ID
	prev.SupersededByID = &id
	s.spamchecks[id] = cp
	s.setAccounts(id, emails, cp.CreatedAt)
	return id, nil
}

func (s *Store) AppendErrorLogs(_ context.Context, logs []domain.ErrorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLogs(logs)
	return nil
}

func (s *Store) ErrorLogs(_ context.Context, f spamcheck.ErrorLogFilter) ([]domain.ErrorLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ErrorLog
	for i := len(s.errorLogs) - 1; i >= 0; i-- {
		l := s.errorLogs[i]
		switch {
		case f.TenantID != "" && l.TenantID != f.TenantID,
			f.SpamcheckID != 0 && l.SpamcheckID != f.SpamcheckID,
			f.Account != "" && l.Account != f.Account,
			f.Provider != "" && l.Provider != f.Provider,
			f.ErrorType != "" && l.ErrorType != f.ErrorType,
			f.Step != "" && l.Step != f.Step,
			!f.Since.IsZero() && l.CreatedAt.Before(f.Since),
			!f.Until.IsZero() && !l.CreatedAt.Before(f.Until):
			continue
		}
		out = append(out, l)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Reports(_ context.Context, spamcheckID int64) ([]domain.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Report(nil), s.reports[spamcheckID]...), nil
}
