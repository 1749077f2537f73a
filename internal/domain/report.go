package domain

import (
	"fmt"
	"math"
	"time"
)

// Report is the scored result of one account within one run.
// Reports are created during report generation and never mutated.
type Report struct {
	ID             string             `json:"id" db:"id"`
	SpamcheckID    int64              `json:"spamcheck_id" db:"spamcheck_id"`
	RunID          int64              `json:"run_id" db:"run_id"`
	OrganizationID string             `json:"organization_id" db:"organization_id"`
	AccountEmail   string             `json:"account_email" db:"account_email"`
	Scores         map[string]float64 `json:"scores" db:"scores"`
	IsGood         bool               `json:"is_good" db:"is_good"`
	SendingLimit   int                `json:"sending_limit" db:"sending_limit"`
	ReportLink     string             `json:"report_link" db:"report_link"`
	Tags           []string           `json:"tags" db:"tags"`
	WorkspaceID    string             `json:"workspace_id" db:"workspace_id"`
	UsedSubject    string             `json:"used_subject" db:"used_subject"`
	UsedBody       string             `json:"used_body" db:"used_body"`
	CreatedAt      time.Time          `json:"created_at" db:"created_at"`
}

// ScorePrecision is the number of decimals kept on provider scores.
const ScorePrecision = 2

// RoundScore rounds a provider score to ScorePrecision decimals.
func RoundScore(v float64) float64 {
	p := math.Pow(10, ScorePrecision)
	return math.Round(v*p) / p
}

// NormalizeScores validates every score against [0, scale] and rounds it.
func NormalizeScores(scores map[string]float64, scale float64) (map[string]float64, error) {
	out := make(map[string]float64, len(scores))
	for provider, v := range scores {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("score for %s is not a number", provider)
		}
		if v < 0 || v > scale {
			return nil, fmt.Errorf("score for %s out of range [0, %g]: %g", provider, scale, v)
		}
		out[provider] = RoundScore(v)
	}
	return out, nil
}
