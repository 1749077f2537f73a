package gateway

import (
	"context"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
)

// Gateway is the capability set the scheduler depends on for one platform.
type Gateway interface {
	// LaunchTest creates the external test campaigns. Calls repeated with the
	// same IdempotencyKey must return the original handle.
	LaunchTest(ctx context.Context, req LaunchRequest) (*RunHandle, error)
	PollStatus(ctx context.Context, ref CampaignRef) (domain.RunStatus, error)
	FetchScores(ctx context.Context, handle RunHandle) ([]AccountScore, error)
	ApplySendingLimit(ctx context.Context, organizationID, email string, limit int) error
}

// CopySource is implemented by gateways able to read the copy of an existing
// platform campaign.
type CopySource interface {
	FetchCampaignCopy(ctx context.Context, organizationID, sourceID string) (Copy, error)
}

// Copy is the subject and body of a campaign's first sequence step.
type Copy struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TrackingOptions are passed through to the platform campaign.
type TrackingOptions struct {
	OpenTracking bool `json:"open_tracking"`
	LinkTracking bool `json:"link_tracking"`
	PlainText    bool `json:"plain_text"`
}

// LaunchAccount is one sending account with its rendered content.
type LaunchAccount struct {
	Email   string `json:"email"`
	Domain  string `json:"domain"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// LaunchRequest describes one launch attempt of a spamcheck.
type LaunchRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	SpamcheckID    int64           `json:"spamcheck_id"`
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	Accounts       []LaunchAccount `json:"accounts"`
	Tracking       TrackingOptions `json:"tracking"`
}

// Campaign is one external campaign created by a launch.
type Campaign struct {
	ExternalID   string `json:"external_id"`
	AccountEmail string `json:"account_email"`
	Domain       string `json:"domain"`
	Tag          string `json:"tag"`
}

// AccountFailure is an account the platform refused during a launch.
type AccountFailure struct {
	Email string `json:"email"`
	Err   error  `json:"-"`
}

// RunHandle identifies the campaigns created by one launch.
type RunHandle struct {
	IdempotencyKey string           `json:"idempotency_key"`
	OrganizationID string           `json:"organization_id"`
	Campaigns      []Campaign       `json:"campaigns"`
	Failures       []AccountFailure `json:"-"`
}

// CampaignRef points at one external campaign.
type CampaignRef struct {
	OrganizationID string `json:"organization_id"`
	ExternalID     string `json:"external_id"`
	AccountEmail   string `json:"account_email"`
}

// AccountScore is the scorer's result for one account. Err is set when the
// score for that account could not be produced.
type AccountScore struct {
	Email      string             `json:"email"`
	Scores     map[string]float64 `json:"scores"`
	ReportLink string             `json:"report_link"`
	Tags       []string           `json:"tags"`
	Err        error              `json:"-"`
}

// RefFor builds a CampaignRef from a persisted run.
func RefFor(organizationID string, run domain.Run) CampaignRef {
	return CampaignRef{
		OrganizationID: organizationID,
		ExternalID:     run.ExternalID,
		AccountEmail:   run.AccountEmail,
	}
}

// HandleFor rebuilds a RunHandle from persisted runs.
func HandleFor(organizationID, key string, runs []domain.Run) RunHandle {
	h := RunHandle{IdempotencyKey: key, OrganizationID: organizationID}
	for _, r := range runs {
		h.Campaigns = append(h.Campaigns, Campaign{
			ExternalID:   r.ExternalID,
			AccountEmail: r.AccountEmail,
			Domain:       r.Domain,
			Tag:          r.Tag,
		})
	}
	return h
}
