package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
	"github.com/ignite/spamcheck-scheduler/internal/service/spamcheck"
)

var ts = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, func() { db.Close() }
}

var spamcheckCols = []string{
	"id", "tenant_id", "organization_id", "name", "status", "platform", "is_domain_based",
	"conditions", "reports_waiting_time", "scheduled_at", "recurring_days", "weekdays",
	"subject", "body", "plain_text", "open_tracking", "link_tracking",
	"campaign_copy_source_id", "update_sending_limits", "status_changed_at",
	"launch_attempt", "consecutive_failures", "next_attempt_at", "cycle", "parent_id",
	"superseded_by_id", "created_at", "updated_at",
}

func spamcheckRow(id int64, status domain.Status) *sqlmock.Rows {
	return sqlmock.NewRows(spamcheckCols).AddRow(
		id, "tenant-1", "org-1", "Weekly", string(status), "platform_a", true,
		"google>=0.5", 1.5, ts, int64(7), "{0,4}",
		"Subject", "Body", false, true, false,
		nil, true, ts,
		int64(2), int64(0), nil, int64(3), int64(9),
		nil, ts, ts,
	)
}

func TestGet(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewSpamcheckRepo(db)

	mock.ExpectQuery("SELECT .* FROM spamchecks WHERE id = \\$1").
		WithArgs(int64(10)).
		WillReturnRows(spamcheckRow(10, domain.StatusQueued))

	sc, err := repo.Get(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), sc.ID)
	assert.Equal(t, domain.StatusQueued, sc.Status)
	assert.Equal(t, []int{0, 4}, sc.Weekdays)
	require.NotNil(t, sc.RecurringDays)
	assert.Equal(t, 7, *sc.RecurringDays)
	require.NotNil(t, sc.ParentID)
	assert.Equal(t, int64(9), *sc.ParentID)
	assert.Nil(t, sc.SupersededByID)
	assert.Nil(t, sc.NextAttemptAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT .* FROM spamchecks").WillReturnRows(sqlmock.NewRows(spamcheckCols))

	_, err := NewSpamcheckRepo(db).Get(context.Background(), 1)
	assert.ErrorIs(t, err, spamcheck.ErrNotFound)
}

func TestList_Filters(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("tenant_id = \\$1 AND status = ANY\\(\\$2\\) AND superseded_by_id IS NULL ORDER BY created_at ASC, id ASC LIMIT \\$3 OFFSET \\$4").
		WithArgs("tenant-1", sqlmock.AnyArg(), 10, 0).
		WillReturnRows(spamcheckRow(1, domain.StatusPending))

	out, err := NewSpamcheckRepo(db).List(context.Background(), spamcheck.ListFilter{
		TenantID: "tenant-1", Statuses: []domain.Status{domain.StatusQueued, domain.StatusPending}, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList_RecurringAndDue(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("status = ANY\\(\\$1\\) AND recurring_days IS NOT NULL AND recurring_days > 0 "+
		"AND \\(status <> 'queued' OR \\(scheduled_at <= \\$2 AND \\(next_attempt_at IS NULL OR next_attempt_at <= \\$2\\)\\)\\) "+
		"AND superseded_by_id IS NULL ORDER BY created_at ASC, id ASC LIMIT \\$3 OFFSET \\$4").
		WithArgs(sqlmock.AnyArg(), ts, 2, 4).
		WillReturnRows(spamcheckRow(1, domain.StatusQueued))

	out, err := NewSpamcheckRepo(db).List(context.Background(), spamcheck.ListFilter{
		Statuses:      []domain.Status{domain.StatusQueued, domain.StatusCompleted},
		RecurringOnly: true,
		DueBy:         ts,
		Limit:         2,
		Offset:        4,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_InsertsAccounts(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO spamchecks").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectExec("DELETE FROM spamcheck_accounts").WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO spamcheck_accounts").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	sc := &domain.Spamcheck{TenantID: "t", OrganizationID: "o", Name: "n", Status: domain.StatusQueued, CreatedAt: ts}
	id, err := NewSpamcheckRepo(db).Create(context.Background(), sc, []string{"a@x.com", "b@y.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_DuplicateName(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO spamchecks").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := NewSpamcheckRepo(db).Create(context.Background(), &domain.Spamcheck{Name: "n"}, []string{"a@x.com"})
	assert.ErrorIs(t, err, spamcheck.ErrDuplicateName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_WritesChildRows(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE spamchecks SET").
		WithArgs(domain.StatusInProgress, ts, 0, true, int64(4), domain.StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"launch_attempt"}).AddRow(2))
	mock.ExpectExec("INSERT INTO spamcheck_runs").
		WithArgs(int64(4), 2, "a@x.com", "x.com", "c1", "t1", domain.RunActive, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE spamcheck_accounts SET last_tag").
		WithArgs("t1", ts, int64(4), "a@x.com").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO spamcheck_error_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := NewSpamcheckRepo(db).Transition(context.Background(), spamcheck.Transition{
		ID: 4, From: domain.StatusPending, To: domain.StatusInProgress, At: ts,
		Runs:          []domain.Run{{AccountEmail: "a@x.com", Domain: "x.com", ExternalID: "c1", Tag: "t1"}},
		AccountTags:   map[string]string{"a@x.com": "t1"},
		ErrorLogs:     []domain.ErrorLog{{SpamcheckID: 4, Account: "b@y.com", ErrorType: domain.ErrorConnection}},
		ResetFailures: true,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_Stale(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE spamchecks SET").WillReturnRows(sqlmock.NewRows([]string{"launch_attempt"}))
	mock.ExpectQuery("SELECT status FROM spamchecks").
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))
	mock.ExpectRollback()

	err := NewSpamcheckRepo(db).Transition(context.Background(), spamcheck.Transition{
		ID: 4, From: domain.StatusPending, To: domain.StatusInProgress, At: ts,
	})
	assert.ErrorIs(t, err, spamcheck.ErrStaleStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_TenantBusy(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE spamchecks SET .* NOT EXISTS").
		WithArgs(domain.StatusPending, ts, 1, false, int64(4), domain.StatusQueued).
		WillReturnRows(sqlmock.NewRows([]string{"launch_attempt"}))
	mock.ExpectQuery("SELECT status FROM spamchecks").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("queued"))
	mock.ExpectRollback()

	err := NewSpamcheckRepo(db).Transition(context.Background(), spamcheck.Transition{
		ID: 4, From: domain.StatusQueued, To: domain.StatusPending, At: ts,
		IncrementAttempt: true, TenantSlotGuard: true,
	})
	assert.ErrorIs(t, err, spamcheck.ErrTenantBusy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailure(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	next := ts.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("SET consecutive_failures = consecutive_failures \\+ 1").
		WithArgs(next, int64(3), domain.StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"consecutive_failures"}).AddRow(2))
	mock.ExpectExec("INSERT INTO spamcheck_error_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	n, err := NewSpamcheckRepo(db).RecordFailure(context.Background(), 3, domain.StatusPending, next,
		[]domain.ErrorLog{{SpamcheckID: 3, ErrorType: domain.ErrorTimeout}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeue_SupersedesBeforeInsert(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT nextval").WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(21)))
	mock.ExpectExec("UPDATE spamchecks SET superseded_by_id").
		WithArgs(int64(21), ts, int64(20)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO spamchecks \\(id,").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(21)))
	mock.ExpectExec("DELETE FROM spamcheck_accounts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO spamcheck_accounts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	next := &domain.Spamcheck{Name: "n", Status: domain.StatusQueued, Cycle: 2, CreatedAt: ts}
	id, err := NewSpamcheckRepo(db).Requeue(context.Background(), 20, next, []string{"a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(21), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeue_AlreadySuperseded(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT nextval").WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(22)))
	mock.ExpectExec("UPDATE spamchecks SET superseded_by_id").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM spamchecks").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	_, err := NewSpamcheckRepo(db).Requeue(context.Background(), 20, &domain.Spamcheck{}, []string{"a@x.com"})
	assert.ErrorIs(t, err, spamcheck.ErrStaleStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorLogs_Filter(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	since := ts.Add(-time.Hour)

	mock.ExpectQuery("spamcheck_id = \\$1 AND provider = \\$2 AND error_type = \\$3 AND created_at >= \\$4 ORDER BY created_at DESC, id DESC LIMIT \\$5").
		WithArgs(int64(7), "platform_a", domain.ErrorAPI, since, 20).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "spamcheck_id", "account", "provider", "error_type", "code",
			"message", "details", "step", "status_code", "workspace_id", "created_at",
		}).AddRow(int64(1), "tenant-1", int64(7), "a@x.com", "platform_a", "api_error", "",
			"bad campaign", []byte(`{"campaign_id":"c1"}`), "poll_status", 404, "org-1", ts))

	logs, err := NewSpamcheckRepo(db).ErrorLogs(context.Background(), spamcheck.ErrorLogFilter{
		SpamcheckID: 7, Provider: "platform_a", ErrorType: domain.ErrorAPI, Since: since, Limit: 20,
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "c1", logs[0].Details["campaign_id"])
	assert.Equal(t, 404, logs[0].StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReports_DecodesScores(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM spamcheck_reports").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "spamcheck_id", "run_id", "organization_id", "account_email", "scores", "is_good",
			"sending_limit", "report_link", "tags", "workspace_id", "used_subject", "used_body", "created_at",
		}).AddRow("r1", int64(7), int64(3), "org-1", "a@x.com", []byte(`{"google":0.75}`), true,
			25, "", "{t1}", "org-1", "s", "b", ts))

	reps, err := NewSpamcheckRepo(db).Reports(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, 0.75, reps[0].Scores["google"])
	assert.Equal(t, []string{"t1"}, reps[0].Tags)
	assert.NoError(t, mock.ExpectationsWereMet())
}
