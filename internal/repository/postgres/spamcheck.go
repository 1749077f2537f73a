package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
	"github.com/ignite/spamcheck-scheduler/internal/service/spamcheck"
)

// SpamcheckRepo implements spamcheck.Repository against PostgreSQL.
type SpamcheckRepo struct{ db *sql.DB }

// NewSpamcheckRepo creates a Postgres-backed spamcheck repository.
func NewSpamcheckRepo(db *sql.DB) *SpamcheckRepo { return &SpamcheckRepo{db: db} }

var _ spamcheck.Repository = (*SpamcheckRepo)(nil)

const uniqueViolation = "23505"

const spamcheckColumns = `
	id, tenant_id, organization_id, name, status, platform, is_domain_based,
	conditions, reports_waiting_time, scheduled_at, recurring_days, weekdays,
	subject, body, plain_text, open_tracking, link_tracking,
	campaign_copy_source_id, update_sending_limits, status_changed_at,
	launch_attempt, consecutive_failures, next_attempt_at, cycle, parent_id,
	superseded_by_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSpamcheck(row rowScanner) (*domain.Spamcheck, error) {
	var (
		sc          domain.Spamcheck
		recurring   sql.NullInt64
		weekdays    []int64
		copySource  sql.NullString
		nextAttempt sql.NullTime
		parentID    sql.NullInt64
		superseded  sql.NullInt64
	)
	err := row.Scan(
		&sc.ID, &sc.TenantID, &sc.OrganizationID, &sc.Name, &sc.Status, &sc.Platform, &sc.IsDomainBased,
		&sc.Conditions, &sc.ReportsWaitingTime, &sc.ScheduledAt, &recurring, pq.Array(&weekdays),
		&sc.Subject, &sc.Body, &sc.PlainText, &sc.OpenTracking, &sc.LinkTracking,
		&copySource, &sc.UpdateSendingLimits, &sc.StatusChangedAt,
		&sc.LaunchAttempt, &sc.ConsecutiveFailures, &nextAttempt, &sc.Cycle, &parentID,
		&superseded, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if recurring.Valid {
		v := int(recurring.Int64)
		sc.RecurringDays = &v
	}
	for _, d := range weekdays {
		sc.Weekdays = append(sc.Weekdays, int(d))
	}
	if copySource.Valid {
		sc.CampaignCopySourceID = &copySource.String
	}
	if nextAttempt.Valid {
		t := nextAttempt.Time.UTC()
		sc.NextAttemptAt = &t
	}
	if parentID.Valid {
		sc.ParentID = &parentID.Int64
	}
	if superseded.Valid {
		sc.SupersededByID = &superseded.Int64
	}
	sc.ScheduledAt = sc.ScheduledAt.UTC()
	sc.StatusChangedAt = sc.StatusChangedAt.UTC()
	return &sc, nil
}

func weekdaysArray(days []int) interface{} {
	out := make([]int64, len(days))
	for i, d := range days {
		out[i] = int64(d)
	}
	return pq.Array(out)
}

func statusArray(statuses []domain.Status) interface{} {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return pq.Array(out)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (r *SpamcheckRepo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func currentStatus(ctx context.Context, q queryRower, id int64) (domain.Status, error) {
	var status domain.Status
	err := q.QueryRowContext(ctx, `SELECT status FROM spamchecks WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", spamcheck.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load status: %w", err)
	}
	return status, nil
}

// diagnose explains why a conditional write on id matched no row.
func diagnose(ctx context.Context, q queryRower, id int64) error {
	status, err := currentStatus(ctx, q, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status is %s", spamcheck.ErrStaleStatus, status)
}

func (r *SpamcheckRepo) Get(ctx context.Context, id int64) (*domain.Spamcheck, error) {
	sc, err := scanSpamcheck(r.db.QueryRowContext(ctx,
		`SELECT `+spamcheckColumns+` FROM spamchecks WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, spamcheck.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get spamcheck: %w", err)
	}
	return sc, nil
}

func (r *SpamcheckRepo) List(ctx context.Context, f spamcheck.ListFilter) ([]domain.Spamcheck, error) {
	q := `SELECT ` + spamcheckColumns + ` FROM spamchecks WHERE 1=1`
	args := []interface{}{}
	idx := 1
	add := func(cond string, val interface{}) {
		q += fmt.Sprintf(" AND "+cond, idx)
		args = append(args, val)
		idx++
	}

	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.OrganizationID != "" {
		add("organization_id = $%d", f.OrganizationID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", statusArray(f.Statuses))
	}
	if f.Search != "" {
		add("name ILIKE $%d", "%"+f.Search+"%")
	}
	if f.RecurringOnly {
		q += " AND recurring_days IS NOT NULL AND recurring_days > 0"
	}
	if !f.DueBy.IsZero() {
		q += fmt.Sprintf(" AND (status <> 'queued' OR (scheduled_at <= $%d AND (next_attempt_at IS NULL OR next_attempt_at <= $%d)))", idx, idx)
		args = append(args, f.DueBy)
		idx++
	}
	if !f.IncludeSuperseded {
		q += " AND superseded_by_id IS NULL"
	}
	q += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d OFFSET $%d", idx, idx+1)
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list spamchecks: %w", err)
	}
	defer rows.Close()

	var out []domain.Spamcheck
	for rows.Next() {
		sc, err := scanSpamcheck(rows)
		if err != nil {
			return nil, fmt.Errorf("scan spamcheck: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func insertSpamcheck(ctx context.Context, tx *sql.Tx, sc *domain.Spamcheck, id int64) (int64, error) {
	cols := `tenant_id, organization_id, name, status, platform, is_domain_based,
		conditions, reports_waiting_time, scheduled_at, recurring_days, weekdays,
		subject, body, plain_text, open_tracking, link_tracking,
		campaign_copy_source_id, update_sending_limits, status_changed_at,
		launch_attempt, consecutive_failures, next_attempt_at, cycle, parent_id,
		created_at, updated_at`
	args := []interface{}{
		sc.TenantID, sc.OrganizationID, sc.Name, sc.Status, sc.Platform, sc.IsDomainBased,
		sc.Conditions, sc.ReportsWaitingTime, sc.ScheduledAt, sc.RecurringDays, weekdaysArray(sc.Weekdays),
		sc.Subject, sc.Body, sc.PlainText, sc.OpenTracking, sc.LinkTracking,
		sc.CampaignCopySourceID, sc.UpdateSendingLimits, sc.StatusChangedAt,
		sc.LaunchAttempt, sc.ConsecutiveFailures, sc.NextAttemptAt, sc.Cycle, sc.ParentID,
		sc.CreatedAt, sc.UpdatedAt,
	}
	if id != 0 {
		cols = "id, " + cols
		args = append([]interface{}{id}, args...)
	}
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var newID int64
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`INSERT INTO spamchecks (%s) VALUES (%s) RETURNING id`,
		cols, strings.Join(placeholders, ", ")), args...).Scan(&newID)
	if isUniqueViolation(err) {
		return 0, spamcheck.ErrDuplicateName
	}
	if err != nil {
		return 0, fmt.Errorf("insert spamcheck: %w", err)
	}
	return newID, nil
}

func replaceAccounts(ctx context.Context, tx *sql.Tx, id int64, emails []string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM spamcheck_accounts WHERE spamcheck_id = $1`, id); err != nil {
		return fmt.Errorf("clear accounts: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO spamcheck_accounts (spamcheck_id, email, last_tag, created_at, updated_at)
		SELECT $1, e.email, '', $3, $3
		FROM unnest($2::text[]) WITH ORDINALITY AS e(email, ord)
		ORDER BY e.ord
	`, id, pq.Array(emails), at)
	if err != nil {
		return fmt.Errorf("insert accounts: %w", err)
	}
	return nil
}

func (r *SpamcheckRepo) Create(ctx context.Context, sc *domain.Spamcheck, emails []string) (int64, error) {
	var id int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if id, err = insertSpamcheck(ctx, tx, sc, 0); err != nil {
			return err
		}
		return replaceAccounts(ctx, tx, id, emails, sc.CreatedAt)
	})
	return id, err
}

func (r *SpamcheckRepo) Update(ctx context.Context, id int64, allowed []domain.Status, u spamcheck.UpdateFields, at time.Time) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.Conditions != nil {
		add("conditions", *u.Conditions)
	}
	if u.ScheduledAt != nil {
		add("scheduled_at", *u.ScheduledAt)
	}
	if u.RecurringDays != nil {
		if *u.RecurringDays == 0 {
			add("recurring_days", nil)
		} else {
			add("recurring_days", *u.RecurringDays)
		}
	}
	if u.Weekdays != nil {
		add("weekdays", weekdaysArray(*u.Weekdays))
	}
	if u.IsDomainBased != nil {
		add("is_domain_based", *u.IsDomainBased)
	}
	if u.ReportsWaitingTime != nil {
		add("reports_waiting_time", *u.ReportsWaitingTime)
	}
	if u.Platform != nil {
		add("platform", *u.Platform)
	}
	if u.Subject != nil {
		add("subject", *u.Subject)
	}
	if u.Body != nil {
		add("body", *u.Body)
	}
	if u.PlainText != nil {
		add("plain_text", *u.PlainText)
	}
	if u.OpenTracking != nil {
		add("open_tracking", *u.OpenTracking)
	}
	if u.LinkTracking != nil {
		add("link_tracking", *u.LinkTracking)
	}
	if u.UpdateSendingLimits != nil {
		add("update_sending_limits", *u.UpdateSendingLimits)
	}
	if u.CampaignCopySourceID != nil {
		if *u.CampaignCopySourceID == "" {
			add("campaign_copy_source_id", nil)
		} else {
			add("campaign_copy_source_id", *u.CampaignCopySourceID)
		}
	}
	add("updated_at", at)

	q := fmt.Sprintf("UPDATE spamchecks SET %s WHERE id = $%d AND status = ANY($%d)",
		strings.Join(sets, ", "), idx, idx+1)
	args = append(args, id, statusArray(allowed))

	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if isUniqueViolation(err) {
			return spamcheck.ErrDuplicateName
		}
		if err != nil {
			return fmt.Errorf("update spamcheck: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return diagnose(ctx, tx, id)
		}
		if u.Accounts != nil {
			return replaceAccounts(ctx, tx, id, *u.Accounts, at)
		}
		return nil
	})
}

func (r *SpamcheckRepo) Delete(ctx context.Context, id int64, allowed []domain.Status) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM spamchecks WHERE id = $1 AND status = ANY($2)`, id, statusArray(allowed))
	if err != nil {
		return fmt.Errorf("delete spamcheck: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return diagnose(ctx, r.db, id)
	}
	return nil
}

func (r *SpamcheckRepo) Accounts(ctx context.Context, spamcheckID int64) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, spamcheck_id, email, last_tag, created_at, updated_at
		FROM spamcheck_accounts WHERE spamcheck_id = $1 ORDER BY id
	`, spamcheckID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(&a.ID, &a.SpamcheckID, &a.Email, &a.LastTag, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SpamcheckRepo) Runs(ctx context.Context, spamcheckID int64, attempt int) ([]domain.Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, spamcheck_id, launch_attempt, account_email, domain, external_id, tag, status, created_at, updated_at
		FROM spamcheck_runs WHERE spamcheck_id = $1 AND launch_attempt = $2 ORDER BY id
	`, spamcheckID, attempt)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		var run domain.Run
		if err := rows.Scan(&run.ID, &run.SpamcheckID, &run.LaunchAttempt, &run.AccountEmail, &run.Domain,
			&run.ExternalID, &run.Tag, &run.Status, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *SpamcheckRepo) UpdateRunStatus(ctx context.Context, runID int64, status domain.RunStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE spamcheck_runs SET status = $1, updated_at = $2 WHERE id = $3`, status, at, runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return spamcheck.ErrNotFound
	}
	return nil
}

func (r *SpamcheckRepo) Transition(ctx context.Context, t spamcheck.Transition) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		q := `
			UPDATE spamchecks SET
				status = $1, status_changed_at = $2, updated_at = $2,
				launch_attempt = launch_attempt + $3,
				consecutive_failures = CASE WHEN $4 THEN 0 ELSE consecutive_failures END,
				next_attempt_at = CASE WHEN $4 THEN NULL ELSE next_attempt_at END
			WHERE id = $5 AND status = $6`
		if t.TenantSlotGuard {
			// Serialise admissions per tenant so the NOT EXISTS check cannot race.
			if _, err := tx.ExecContext(ctx,
				`SELECT pg_advisory_xact_lock(hashtext(tenant_id)) FROM spamchecks WHERE id = $1`, t.ID); err != nil {
				return fmt.Errorf("lock tenant: %w", err)
			}
			q += `
				AND NOT EXISTS (
					SELECT 1 FROM spamchecks o
					WHERE o.tenant_id = spamchecks.tenant_id AND o.id <> spamchecks.id
					  AND o.status IN ('pending', 'in_progress')
				)`
		}
		q += ` RETURNING launch_attempt`

		increment := 0
		if t.IncrementAttempt {
			increment = 1
		}
		var attempt int
		err := tx.QueryRowContext(ctx, q, t.To, t.At, increment, t.ResetFailures, t.ID, t.From).Scan(&attempt)
		if err == sql.ErrNoRows {
			status, serr := currentStatus(ctx, tx, t.ID)
			switch {
			case serr != nil:
				return serr
			case status != t.From:
				return fmt.Errorf("%w: status is %s", spamcheck.ErrStaleStatus, status)
			case t.TenantSlotGuard:
				return spamcheck.ErrTenantBusy
			}
			return spamcheck.ErrStaleStatus
		}
		if err != nil {
			return fmt.Errorf("transition %s -> %s: %w", t.From, t.To, err)
		}

		for _, run := range t.Runs {
			if run.Status == "" {
				run.Status = domain.RunActive
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO spamcheck_runs
					(spamcheck_id, launch_attempt, account_email, domain, external_id, tag, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			`, t.ID, attempt, run.AccountEmail, run.Domain, run.ExternalID, run.Tag, run.Status, t.At); err != nil {
				return fmt.Errorf("insert run: %w", err)
			}
		}
		for email, tag := range t.AccountTags {
			if _, err := tx.ExecContext(ctx, `
				UPDATE spamcheck_accounts SET last_tag = $1, updated_at = $2
				WHERE spamcheck_id = $3 AND email = $4
			`, tag, t.At, t.ID, email); err != nil {
				return fmt.Errorf("update account tag: %w", err)
			}
		}
		for _, rep := range t.Reports {
			if err := insertReport(ctx, tx, t.ID, rep, t.At); err != nil {
				return err
			}
		}
		return insertErrorLogs(ctx, tx, t.ErrorLogs)
	})
}

func insertReport(ctx context.Context, tx *sql.Tx, spamcheckID int64, rep domain.Report, at time.Time) error {
	if rep.ID == "" {
		rep.ID = uuid.New().String()
	}
	if rep.CreatedAt.IsZero() {
		rep.CreatedAt = at
	}
	scores, err := json.Marshal(rep.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	var runID interface{}
	if rep.RunID != 0 {
		runID = rep.RunID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO spamcheck_reports
			(id, spamcheck_id, run_id, organization_id, account_email, scores, is_good,
			 sending_limit, report_link, tags, workspace_id, used_subject, used_body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rep.ID, spamcheckID, runID, rep.OrganizationID, rep.AccountEmail, scores, rep.IsGood,
		rep.SendingLimit, rep.ReportLink, pq.Array(rep.Tags), rep.WorkspaceID, rep.UsedSubject, rep.UsedBody, rep.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertErrorLogs(ctx context.Context, ex execer, logs []domain.ErrorLog) error {
	for _, l := range logs {
		details, err := json.Marshal(l.Details)
		if err != nil {
			return fmt.Errorf("marshal error details: %w", err)
		}
		var spamcheckID interface{}
		if l.SpamcheckID != 0 {
			spamcheckID = l.SpamcheckID
		}
		if _, err := ex.ExecContext(ctx, `
			INSERT INTO spamcheck_error_logs
				(tenant_id, spamcheck_id, account, provider, error_type, code, message,
				 details, step, status_code, workspace_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, l.TenantID, spamcheckID, l.Account, l.Provider, l.ErrorType, l.Code, l.Message,
			details, l.Step, l.StatusCode, l.WorkspaceID, l.CreatedAt); err != nil {
			return fmt.Errorf("insert error log: %w", err)
		}
	}
	return nil
}

func (r *SpamcheckRepo) RecordFailure(ctx context.Context, id int64, status domain.Status, nextAttemptAt time.Time, logs []domain.ErrorLog) (int, error) {
	var n int
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE spamchecks
			SET consecutive_failures = consecutive_failures + 1, next_attempt_at = $1, updated_at = NOW()
			WHERE id = $2 AND status = $3
			RETURNING consecutive_failures
		`, nextAttemptAt, id, status).Scan(&n)
		if err == sql.ErrNoRows {
			return diagnose(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		return insertErrorLogs(ctx, tx, logs)
	})
	return n, err
}

func (r *SpamcheckRepo) ResetFailures(ctx context.Context, id int64, status domain.Status) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE spamchecks SET consecutive_failures = 0, next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, status)
	if err != nil {
		return fmt.Errorf("reset failures: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return diagnose(ctx, r.db, id)
	}
	return nil
}

// Requeue reserves the next id first so the completed record is superseded
// before the new cycle claims the live name.
func (r *SpamcheckRepo) Requeue(ctx context.Context, prevID int64, next *domain.Spamcheck, emails []string) (int64, error) {
	var id int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT nextval(pg_get_serial_sequence('spamchecks', 'id'))`).Scan(&id); err != nil {
			return fmt.Errorf("reserve id: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE spamchecks SET superseded_by_id = $1, updated_at = $2
			WHERE id = $3 AND status = 'completed' AND superseded_by_id IS NULL
		`, id, next.CreatedAt, prevID)
		if err != nil {
			return fmt.Errorf("supersede spamcheck: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if derr := diagnose(ctx, tx, prevID); errors.Is(derr, spamcheck.ErrNotFound) {
				return derr
			}
			return spamcheck.ErrStaleStatus
		}
		if _, err := insertSpamcheck(ctx, tx, next, id); err != nil {
			return err
		}
		return replaceAccounts(ctx, tx, id, emails, next.CreatedAt)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *SpamcheckRepo) AppendErrorLogs(ctx context.Context, logs []domain.ErrorLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return insertErrorLogs(ctx, tx, logs)
	})
}

func (r *SpamcheckRepo) ErrorLogs(ctx context.Context, f spamcheck.ErrorLogFilter) ([]domain.ErrorLog, error) {
	q := `
		SELECT id, tenant_id, COALESCE(spamcheck_id, 0), account, provider, error_type, code,
		       message, details, step, status_code, workspace_id, created_at
		FROM spamcheck_error_logs WHERE 1=1`
	args := []interface{}{}
	idx := 1
	add := func(cond string, val interface{}) {
		q += fmt.Sprintf(" AND "+cond, idx)
		args = append(args, val)
		idx++
	}

	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.SpamcheckID != 0 {
		add("spamcheck_id = $%d", f.SpamcheckID)
	}
	if f.Account != "" {
		add("account = $%d", f.Account)
	}
	if f.Provider != "" {
		add("provider = $%d", f.Provider)
	}
	if f.ErrorType != "" {
		add("error_type = $%d", f.ErrorType)
	}
	if f.Step != "" {
		add("step = $%d", f.Step)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until)
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list error logs: %w", err)
	}
	defer rows.Close()

	var out []domain.ErrorLog
	for rows.Next() {
		var (
			l       domain.ErrorLog
			details []byte
		)
		if err := rows.Scan(&l.ID, &l.TenantID, &l.SpamcheckID, &l.Account, &l.Provider, &l.ErrorType, &l.Code,
			&l.Message, &details, &l.Step, &l.StatusCode, &l.WorkspaceID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan error log: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &l.Details); err != nil {
				return nil, fmt.Errorf("decode error details: %w", err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *SpamcheckRepo) Reports(ctx context.Context, spamcheckID int64) ([]domain.Report, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, spamcheck_id, COALESCE(run_id, 0), organization_id, account_email, scores, is_good,
		       sending_limit, report_link, tags, workspace_id, used_subject, used_body, created_at
		FROM spamcheck_reports WHERE spamcheck_id = $1 ORDER BY created_at, account_email
	`, spamcheckID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []domain.Report
	for rows.Next() {
		var (
			rep    domain.Report
			scores []byte
		)
		if err := rows.Scan(&rep.ID, &rep.SpamcheckID, &rep.RunID, &rep.OrganizationID, &rep.AccountEmail, &scores,
			&rep.IsGood, &rep.SendingLimit, &rep.ReportLink, pq.Array(&rep.Tags), &rep.WorkspaceID,
			&rep.UsedSubject, &rep.UsedBody, &rep.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		if err := json.Unmarshal(scores, &rep.Scores); err != nil {
			return nil, fmt.Errorf("decode scores: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}
