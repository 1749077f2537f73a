package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
)

// Sandbox is a deterministic in-process gateway. Campaigns start active and
// finish when CompleteAll or SetCampaignStatus is called, or immediately on
// poll when AutoComplete is set. Accounts without scripted scores receive
// DefaultScores.
type Sandbox struct {
	AutoComplete  bool
	DefaultScores map[string]float64

	mu           sync.Mutex
	launches     map[string]*RunHandle
	statuses     map[string]domain.RunStatus
	scores       map[string]map[string]float64
	scoreErrs    map[string]error
	accountErrs  map[string]error
	launchErrs   []error
	pollErrs     []error
	limitErr     error
	limits       map[string]int
	copies       map[string]Copy
	launchCalls  int
	pollCalls    int
	fetchCalls   int
	launchedKeys []string
}

// NewSandbox creates an empty sandbox scoring every account 1.0 on the
// default providers.
func NewSandbox() *Sandbox {
	return &Sandbox{
		DefaultScores: map[string]float64{"google": 1, "outlook": 1},
		launches:      make(map[string]*RunHandle),
		statuses:      make(map[string]domain.RunStatus),
		scores:        make(map[string]map[string]float64),
		scoreErrs:     make(map[string]error),
		accountErrs:   make(map[string]error),
		limits:        make(map[string]int),
		copies:        make(map[string]Copy),
	}
}

// SetScores scripts the scores returned for email.
func (s *Sandbox) SetScores(email string, scores map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[email] = scores
}

// FailScores makes score fetching fail for email.
func (s *Sandbox) FailScores(email string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scoreErrs[email] = err
}

// FailAccount makes launches refuse email.
func (s *Sandbox) FailAccount(email string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountErrs[email] = err
}

// FailNextLaunch queues errors returned by the next launch calls, in order.
func (s *Sandbox) FailNextLaunch(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launchErrs = append(s.launchErrs, errs...)
}

// FailNextPoll queues errors returned by the next poll calls, in order.
func (s *Sandbox) FailNextPoll(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollErrs = append(s.pollErrs, errs...)
}

// FailSendingLimits makes every ApplySendingLimit call return err.
func (s *Sandbox) FailSendingLimits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limitErr = err
}

// SetCopy scripts the campaign copy for sourceID.
func (s *Sandbox) SetCopy(sourceID string, c Copy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.copies[sourceID] = c
}

// SetCampaignStatus sets the platform status of one campaign.
func (s *Sandbox) SetCampaignStatus(externalID string, status domain.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[externalID] = status
}

// CompleteAll marks every known campaign completed.
func (s *Sandbox) CompleteAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.statuses {
		s.statuses[id] = domain.RunCompleted
	}
}

// AppliedLimit returns the last sending limit applied to email.
func (s *Sandbox) AppliedLimit(email string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.limits[email]
	return v, ok
}

// LaunchCalls returns how many times LaunchTest was invoked.
func (s *Sandbox) LaunchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launchCalls
}

// Launches returns the number of distinct launches created.
func (s *Sandbox) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.launchedKeys)
}

// PollCalls returns how many times PollStatus was invoked.
func (s *Sandbox) PollCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollCalls
}

// FetchCalls returns how many times FetchScores was invoked.
func (s *Sandbox) FetchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls
}

func (s *Sandbox) LaunchTest(ctx context.Context, req LaunchRequest) (*RunHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launchCalls++

	if h, ok := s.launches[req.IdempotencyKey]; ok {
		return h, nil
	}
	if len(s.launchErrs) > 0 {
		err := s.launchErrs[0]
		s.launchErrs = s.launchErrs[1:]
		return nil, err
	}

	h := &RunHandle{IdempotencyKey: req.IdempotencyKey, OrganizationID: req.OrganizationID}
	for _, acc := range req.Accounts {
		if err, ok := s.accountErrs[acc.Email]; ok {
			h.Failures = append(h.Failures, AccountFailure{Email: acc.Email, Err: err})
			continue
		}
		id := uuid.NewString()
		h.Campaigns = append(h.Campaigns, Campaign{
			ExternalID:   id,
			AccountEmail: acc.Email,
			Domain:       acc.Domain,
			Tag:          fmt.Sprintf("sc-%s-%s", req.IdempotencyKey, id[:8]),
		})
		s.statuses[id] = domain.RunActive
	}
	if len(h.Campaigns) > 0 {
		s.launches[req.IdempotencyKey] = h
		s.launchedKeys = append(s.launchedKeys, req.IdempotencyKey)
	}
	return h, nil
}

func (s *Sandbox) PollStatus(ctx context.Context, ref CampaignRef) (domain.RunStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", Classify(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollCalls++

	if len(s.pollErrs) > 0 {
		err := s.pollErrs[0]
		s.pollErrs = s.pollErrs[1:]
		return "", err
	}
	st, ok := s.statuses[ref.ExternalID]
	if !ok {
		return "", &Error{Kind: domain.ErrorAPI, Op: "poll_status", Account: ref.AccountEmail, StatusCode: 404,
			Err: fmt.Errorf("campaign %s not found", ref.ExternalID)}
	}
	if s.AutoComplete && st == domain.RunActive {
		st = domain.RunCompleted
		s.statuses[ref.ExternalID] = st
	}
	return st, nil
}

func (s *Sandbox) FetchScores(ctx context.Context, handle RunHandle) ([]AccountScore, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++

	out := make([]AccountScore, 0, len(handle.Campaigns))
	for _, c := range handle.Campaigns {
		as := AccountScore{Email: c.AccountEmail, Tags: []string{c.Tag}}
		if err, ok := s.scoreErrs[c.AccountEmail]; ok {
			as.Err = err
			out = append(out, as)
			continue
		}
		scores, ok := s.scores[c.AccountEmail]
		if !ok {
			scores = s.DefaultScores
		}
		as.Scores = make(map[string]float64, len(scores))
		for k, v := range scores {
			as.Scores[k] = v
		}
		as.ReportLink = "sandbox://reports/" + c.ExternalID
		out = append(out, as)
	}
	return out, nil
}

func (s *Sandbox) ApplySendingLimit(ctx context.Context, organizationID, email string, limit int) error {
	if err := ctx.Err(); err != nil {
		return Classify(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limitErr != nil {
		return s.limitErr
	}
	s.limits[email] = limit
	return nil
}

func (s *Sandbox) FetchCampaignCopy(ctx context.Context, organizationID, sourceID string) (Copy, error) {
	if err := ctx.Err(); err != nil {
		return Copy{}, Classify(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.copies[sourceID]
	if !ok {
		return Copy{}, &Error{Kind: domain.ErrorAPI, Op: "fetch_campaign_copy", StatusCode: 404,
			Err: fmt.Errorf("campaign %s not found", sourceID)}
	}
	return c, nil
}

var (
	_ Gateway    = (*Sandbox)(nil)
	_ CopySource = (*Sandbox)(nil)
)
