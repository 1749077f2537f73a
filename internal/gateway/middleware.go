package gateway

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
)

// unwrapper is implemented by decorators so capabilities of the wrapped
// gateway stay reachable.
type unwrapper interface {
	Unwrap() Gateway
}

// AsCopySource returns the CopySource capability of gw or of any gateway it
// decorates.
func AsCopySource(gw Gateway) (CopySource, bool) {
	for gw != nil {
		if cs, ok := gw.(CopySource); ok {
			return cs, true
		}
		u, ok := gw.(unwrapper)
		if !ok {
			return nil, false
		}
		gw = u.Unwrap()
	}
	return nil, false
}

type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

// WithTimeout bounds every call to next by timeout. A non-positive timeout
// returns next unchanged.
func WithTimeout(next Gateway, timeout time.Duration) Gateway {
	if timeout <= 0 {
		return next
	}
	return &timeoutGateway{next: next, timeout: timeout}
}

func (g *timeoutGateway) Unwrap() Gateway { return g.next }

func (g *timeoutGateway) LaunchTest(ctx context.Context, req LaunchRequest) (*RunHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.next.LaunchTest(ctx, req)
}

func (g *timeoutGateway) PollStatus(ctx context.Context, ref CampaignRef) (domain.RunStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.next.PollStatus(ctx, ref)
}

func (g *timeoutGateway) FetchScores(ctx context.Context, handle RunHandle) ([]AccountScore, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.next.FetchScores(ctx, handle)
}

func (g *timeoutGateway) ApplySendingLimit(ctx context.Context, organizationID, email string, limit int) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.next.ApplySendingLimit(ctx, organizationID, email, limit)
}

type rateLimitGateway struct {
	next    Gateway
	limiter *rate.Limiter
}

// WithRateLimit makes every call to next wait for a token of limiter.
// A nil limiter returns next unchanged.
func WithRateLimit(next Gateway, limiter *rate.Limiter) Gateway {
	if limiter == nil {
		return next
	}
	return &rateLimitGateway{next: next, limiter: limiter}
}

func (g *rateLimitGateway) Unwrap() Gateway { return g.next }

func (g *rateLimitGateway) wait(ctx context.Context, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return &Error{Kind: domain.ErrorTimeout, Op: op, Err: err}
	}
	return nil
}

func (g *rateLimitGateway) LaunchTest(ctx context.Context, req LaunchRequest) (*RunHandle, error) {
	if err := g.wait(ctx, "launch_test"); err != nil {
		return nil, err
	}
	return g.next.LaunchTest(ctx, req)
}

func (g *rateLimitGateway) PollStatus(ctx context.Context, ref CampaignRef) (domain.RunStatus, error) {
	if err := g.wait(ctx, "poll_status"); err != nil {
		return "", err
	}
	return g.next.PollStatus(ctx, ref)
}

func (g *rateLimitGateway) FetchScores(ctx context.Context, handle RunHandle) ([]AccountScore, error) {
	if err := g.wait(ctx, "fetch_scores"); err != nil {
		return nil, err
	}
	return g.next.FetchScores(ctx, handle)
}

func (g *rateLimitGateway) ApplySendingLimit(ctx context.Context, organizationID, email string, limit int) error {
	if err := g.wait(ctx, "apply_sending_limit"); err != nil {
		return err
	}
	return g.next.ApplySendingLimit(ctx, organizationID, email, limit)
}
