package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
	"github.com/ignite/spamcheck-scheduler/internal/pkg/httputil"
	"github.com/ignite/spamcheck-scheduler/internal/pkg/logger"
	"github.com/ignite/spamcheck-scheduler/internal/scheduler"
	"github.com/ignite/spamcheck-scheduler/internal/service/spamcheck"
)

// StatsSource exposes the per-sweep status of the scheduler.
type StatsSource interface {
	Stats() map[string]scheduler.SweepState
}

// SweepRunner triggers one sweep out of schedule.
type SweepRunner interface {
	StatsSource
	RunOnce(ctx context.Context, name string) (scheduler.TickStats, error)
}

// ErrorLogReader reads the error log.
type ErrorLogReader interface {
	ErrorLogs(ctx context.Context, f spamcheck.ErrorLogFilter) ([]domain.ErrorLog, error)
}

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// Handlers serves the ops endpoints.
type Handlers struct {
	runner SweepRunner
	logs   ErrorLogReader
	gates  scheduler.CredentialGate
	log    *logger.Logger
}

// NewHandlers creates the ops handlers. logs and gates may be nil, which
// disables their endpoints.
func NewHandlers(runner SweepRunner, logs ErrorLogReader, gates scheduler.CredentialGate) *Handlers {
	return &Handlers{runner: runner, logs: logs, gates: gates, log: logger.With("component", "api")}
}

// HandleStats returns the last run and totals of every sweep.
//
//	GET /stats
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"sweeps": h.runner.Stats(),
	})
}

// HandleRunSweep runs one sweep immediately.
//
//	POST /sweeps/{name}/run
func (h *Handlers) HandleRunSweep(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.runner.Stats()[name]; !ok {
		httputil.NotFound(w, "unknown sweep "+strconv.Quote(name))
		return
	}
	st, err := h.runner.RunOnce(r.Context(), name)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	h.log.Info("sweep triggered", "sweep", name, "processed", st.Processed, "errors", st.Errors)
	httputil.OK(w, map[string]interface{}{"sweep": name, "stats": st})
}

// HandleErrorLogs lists error log entries, newest first.
//
//	GET /error-logs?tenant_id=&spamcheck_id=&account=&step=&error_type=&since=&limit=
func (h *Handlers) HandleErrorLogs(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		httputil.ErrorCode(w, http.StatusNotImplemented, "not_configured", "error log not available")
		return
	}
	q := r.URL.Query()
	f := spamcheck.ErrorLogFilter{
		TenantID:  q.Get("tenant_id"),
		Account:   q.Get("account"),
		Provider:  q.Get("provider"),
		ErrorType: domain.ErrorType(q.Get("error_type")),
		Step:      q.Get("step"),
	}
	if raw := q.Get("spamcheck_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httputil.BadRequest(w, "spamcheck_id must be a positive integer")
			return
		}
		f.SpamcheckID = id
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.BadRequest(w, "since must be an RFC3339 timestamp")
			return
		}
		f.Since = since
	}
	limit, ok := httputil.QueryInt(r, "limit", defaultLogLimit)
	if !ok || limit < 1 {
		httputil.BadRequest(w, "limit must be a positive integer")
		return
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	f.Limit = limit

	entries, err := h.logs.ErrorLogs(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.ErrorLog{}
	}
	httputil.OK(w, map[string]interface{}{"data": entries, "count": len(entries)})
}

func (h *Handlers) gateParams(w http.ResponseWriter, r *http.Request) (string, domain.Platform, bool) {
	if h.gates == nil {
		httputil.ErrorCode(w, http.StatusNotImplemented, "not_configured", "credential gates not available")
		return "", "", false
	}
	tenant := strings.TrimSpace(chi.URLParam(r, "tenant"))
	platform := domain.Platform(chi.URLParam(r, "platform"))
	if tenant == "" {
		httputil.BadRequest(w, "tenant is required")
		return "", "", false
	}
	if !platform.Valid() {
		httputil.BadRequest(w, "unsupported platform "+strconv.Quote(string(platform)))
		return "", "", false
	}
	return tenant, platform, true
}

// HandleGetGate reports whether launches of a tenant on a platform are blocked.
//
//	GET /credential-gates/{tenant}/{platform}
func (h *Handlers) HandleGetGate(w http.ResponseWriter, r *http.Request) {
	tenant, platform, ok := h.gateParams(w, r)
	if !ok {
		return
	}
	blocked, err := h.gates.Blocked(r.Context(), tenant, platform)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"tenant_id": tenant, "platform": platform, "blocked": blocked})
}

// HandleClearGate reopens launches after the tenant fixed its credentials.
//
//	DELETE /credential-gates/{tenant}/{platform}
func (h *Handlers) HandleClearGate(w http.ResponseWriter, r *http.Request) {
	tenant, platform, ok := h.gateParams(w, r)
	if !ok {
		return
	}
	if err := h.gates.Clear(r.Context(), tenant, platform); err != nil {
		httputil.InternalError(w, err)
		return
	}
	h.log.Info("credential gate cleared", "tenant_id", tenant, "platform", platform)
	httputil.NoContent(w)
}
