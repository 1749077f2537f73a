package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/spamcheck-scheduler/internal/config"
	"github.com/ignite/spamcheck-scheduler/internal/domain"
	"github.com/ignite/spamcheck-scheduler/internal/scheduler"
	"github.com/ignite/spamcheck-scheduler/internal/service/spamcheck"
)

type fakeRunner struct {
	stats map[string]scheduler.SweepState
	ran   []string
	err   error
}

func (f *fakeRunner) Stats() map[string]scheduler.SweepState { return f.stats }

func (f *fakeRunner) RunOnce(_ context.Context, name string) (scheduler.TickStats, error) {
	f.ran = append(f.ran, name)
	return scheduler.TickStats{Considered: 2, Processed: 1, Skipped: 1}, f.err
}

type fakeLogs struct {
	entries []domain.ErrorLog
	got     spamcheck.ErrorLogFilter
}

func (f *fakeLogs) ErrorLogs(_ context.Context, filter spamcheck.ErrorLogFilter) ([]domain.ErrorLog, error) {
	f.got = filter
	return f.entries, nil
}

type fakeBucket struct{ err error }

func (f fakeBucket) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.err
}

type fixture struct {
	runner *fakeRunner
	logs   *fakeLogs
	gates  *scheduler.MemoryGate
	server *Server
}

func newFixture(t *testing.T, hc *HealthChecker) *fixture {
	t.Helper()
	f := &fixture{
		runner: &fakeRunner{stats: map[string]scheduler.SweepState{
			scheduler.SweepQueue:  {Schedule: "@every 1m", Runs: 3},
			scheduler.SweepStatus: {Schedule: "@every 2m"},
		}},
		logs:  &fakeLogs{},
		gates: scheduler.NewMemoryGate(),
	}
	if hc == nil {
		hc = NewHealthChecker(nil, nil, nil, "", f.runner)
	}
	reg := prometheus.NewRegistry()
	scheduler.NewMetrics(reg)
	f.server = NewServer(config.OpsConfig{Addr: ":0", CORSOrigins: []string{"https://ops.example.com"}},
		NewHandlers(f.runner, f.logs, f.gates), hc, reg)
	return f
}

func (f *fixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestLiveness(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", decode(t, rec)["status"])
}

func TestReadiness(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	runner := &fakeRunner{stats: map[string]scheduler.SweepState{scheduler.SweepQueue: {}}}
	f := newFixture(t, NewHealthChecker(db, rdb, fakeBucket{}, "archive", runner))

	rec := f.do(t, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, "healthy", body["status"])
	checks := body["checks"].(map[string]interface{})
	for _, name := range []string{"database", "redis", "s3", "scheduler"} {
		assert.Equal(t, "up", checks[name].(map[string]interface{})["status"], name)
	}
}

func TestReadiness_DatabaseDown(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	f := newFixture(t, NewHealthChecker(db, nil, nil, "", nil))
	rec := f.do(t, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decode(t, rec)["status"])
}

func TestHealth_DegradedDependencies(t *testing.T) {
	runner := &fakeRunner{stats: map[string]scheduler.SweepState{
		scheduler.SweepReports: {LastError: "list waiting spamchecks: timeout"},
	}}
	f := newFixture(t, NewHealthChecker(nil, nil, fakeBucket{err: errors.New("forbidden")}, "archive", runner))

	rec := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "not_configured", checks["database"].(map[string]interface{})["status"])
	assert.Equal(t, "down", checks["s3"].(map[string]interface{})["status"])
	assert.Equal(t, "degraded", checks["scheduler"].(map[string]interface{})["status"])
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sweeps map[string]scheduler.SweepState `json:"sweeps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(3), body.Sweeps[scheduler.SweepQueue].Runs)
	assert.Equal(t, "@every 2m", body.Sweeps[scheduler.SweepStatus].Schedule)
}

func TestRunSweep(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/sweeps/queue/run")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"queue"}, f.runner.ran)
	assert.Equal(t, float64(1), decode(t, rec)["stats"].(map[string]interface{})["processed"])

	rec = f.do(t, http.MethodPost, "/sweeps/nope/run")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.runner.err = errors.New("list queue candidates: pq: relation does not exist")
	rec = f.do(t, http.MethodPost, "/sweeps/queue/run")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")
}

func TestErrorLogs(t *testing.T) {
	f := newFixture(t, nil)
	f.logs.entries = []domain.ErrorLog{{ID: 7, SpamcheckID: 42, ErrorType: domain.ErrorAPI, Step: domain.StepLaunch}}

	rec := f.do(t, http.MethodGet, "/error-logs?tenant_id=t1&spamcheck_id=42&step=launch&since=2026-03-02T09:00:00Z&limit=5000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	assert.Equal(t, "t1", f.logs.got.TenantID)
	assert.Equal(t, int64(42), f.logs.got.SpamcheckID)
	assert.Equal(t, "launch", f.logs.got.Step)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), f.logs.got.Since.UTC())
	assert.Equal(t, maxLogLimit, f.logs.got.Limit)
}

func TestErrorLogs_EmptyIsArray(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/error-logs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[],"count":0}`, rec.Body.String())
	assert.Equal(t, defaultLogLimit, f.logs.got.Limit)
}

func TestErrorLogs_BadParams(t *testing.T) {
	f := newFixture(t, nil)
	for _, q := range []string{"?spamcheck_id=abc", "?spamcheck_id=-1", "?since=yesterday", "?limit=0", "?limit=x"} {
		rec := f.do(t, http.MethodGet, "/error-logs"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestCredentialGates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.gates.Block(ctx, "t1", domain.PlatformA, "401"))

	rec := f.do(t, http.MethodGet, "/credential-gates/t1/platform_a")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["blocked"])

	rec = f.do(t, http.MethodDelete, "/credential-gates/t1/platform_a")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	blocked, err := f.gates.Blocked(ctx, "t1", domain.PlatformA)
	require.NoError(t, err)
	assert.False(t, blocked)

	rec = f.do(t, http.MethodDelete, "/credential-gates/t1/smoke_signals")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "spamcheck_launches_total")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/stats", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
