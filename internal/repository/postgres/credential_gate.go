package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
)

// CredentialGateRepo stores blocked tenant/platform pairs in
// spamcheck_credential_gates. It satisfies scheduler.CredentialGate.
type CredentialGateRepo struct{ db *sql.DB }

// NewCredentialGateRepo creates a Postgres-backed credential gate.
func NewCredentialGateRepo(db *sql.DB) *CredentialGateRepo { return &CredentialGateRepo{db: db} }

func (r *CredentialGateRepo) Blocked(ctx context.Context, tenantID string, platform domain.Platform) (bool, error) {
	var blocked bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM spamcheck_credential_gates WHERE tenant_id = $1 AND platform = $2)`,
		tenantID, string(platform),
	).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("credential gate lookup: %w", err)
	}
	return blocked, nil
}

func (r *CredentialGateRepo) Block(ctx context.Context, tenantID string, platform domain.Platform, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO spamcheck_credential_gates (tenant_id, platform, reason, blocked_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, platform) DO UPDATE SET reason = EXCLUDED.reason, blocked_at = NOW()`,
		tenantID, string(platform), reason,
	)
	if err != nil {
		return fmt.Errorf("credential gate block: %w", err)
	}
	return nil
}

func (r *CredentialGateRepo) Clear(ctx context.Context, tenantID string, platform domain.Platform) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM spamcheck_credential_gates WHERE tenant_id = $1 AND platform = $2`,
		tenantID, string(platform),
	)
	if err != nil {
		return fmt.Errorf("credential gate clear: %w", err)
	}
	return nil
}
