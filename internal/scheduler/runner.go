package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"

	"github.com/ignite/spamcheck-scheduler/internal/pkg/logger"
)

// Ticker is one sweep.
type Ticker interface {
	Tick(ctx context.Context) (TickStats, error)
}

// Schedules holds the cron spec of every sweep, e.g. "@every 1m".
type Schedules struct {
	Queue      string
	Status     string
	Reports    string
	Recurrence string
	// SweepTimeout bounds a single sweep execution.
	SweepTimeout time.Duration
}

// DefaultSchedules matches the configuration defaults.
var DefaultSchedules = Schedules{
	Queue:        "@every 1m",
	Status:       "@every 2m",
	Reports:      "@every 2m",
	Recurrence:   "@every 5m",
	SweepTimeout: 10 * time.Minute,
}

// SweepState is the last known state of one sweep.
type SweepState struct {
	Schedule     string    `json:"schedule"`
	Runs         int64     `json:"runs"`
	LastRun      time.Time `json:"last_run"`
	LastDuration string    `json:"last_duration"`
	LastError    string    `json:"last_error,omitempty"`
	LastStats    TickStats `json:"last_stats"`
	Totals       TickStats `json:"totals"`
}

type job struct {
	name   string
	spec   string
	ticker Ticker
}

// Runner runs the four sweeps on their cron schedules. Overlapping
// executions of the same sweep are skipped and panics recovered.
type Runner struct {
	jobs    []job
	timeout time.Duration
	metrics *Metrics
	log     *logger.Logger
	clock   func() time.Time

	cron *cronv3.Cron

	mu     sync.Mutex
	status map[string]*SweepState
}

// NewRunner builds the sweeps from d and schedules them.
func NewRunner(d Deps, sched Schedules) *Runner {
	d = d.withDefaults()
	if sched.SweepTimeout <= 0 {
		sched.SweepTimeout = DefaultSchedules.SweepTimeout
	}
	r := &Runner{
		jobs: []job{
			{SweepQueue, orDefault(sched.Queue, DefaultSchedules.Queue), NewQueueScheduler(d)},
			{SweepStatus, orDefault(sched.Status, DefaultSchedules.Status), NewStatusSweep(d)},
			{SweepReports, orDefault(sched.Reports, DefaultSchedules.Reports), NewReportSweep(d)},
			{SweepRecurrence, orDefault(sched.Recurrence, DefaultSchedules.Recurrence), NewRecurrenceSweep(d)},
		},
		timeout: sched.SweepTimeout,
		metrics: d.Metrics,
		log:     d.Log.With("component", "scheduler.Runner"),
		clock:   d.Clock.Now,
		status:  make(map[string]*SweepState),
	}
	for _, j := range r.jobs {
		r.status[j.name] = &SweepState{Schedule: j.spec}
	}
	return r
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Start schedules every sweep and starts the cron loop.
func (r *Runner) Start() error {
	clog := cronLogger{r.log}
	c := cronv3.New(
		cronv3.WithParser(cronv3.NewParser(
			cronv3.SecondOptional|cronv3.Minute|cronv3.Hour|cronv3.Dom|cronv3.Month|cronv3.Dow|cronv3.Descriptor,
		)),
		cronv3.WithLocation(time.UTC),
		cronv3.WithLogger(clog),
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(clog),
			cronv3.Recover(clog),
		),
	)
	for _, j := range r.jobs {
		name := j.name
		if _, err := c.AddFunc(j.spec, func() { r.run(context.Background(), name) }); err != nil {
			return fmt.Errorf("schedule %s sweep %q: %w", name, j.spec, err)
		}
		r.log.Info("sweep scheduled", "sweep", name, "schedule", j.spec)
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop stops scheduling and waits for running sweeps or ctx.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	done := r.cron.Stop()
	select {
	case <-done.Done():
		r.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes one sweep immediately.
func (r *Runner) RunOnce(ctx context.Context, name string) (TickStats, error) {
	for _, j := range r.jobs {
		if j.name == name {
			return r.tick(ctx, j)
		}
	}
	return TickStats{}, fmt.Errorf("unknown sweep %q", name)
}

// RunAll executes every sweep once, in lifecycle order.
func (r *Runner) RunAll(ctx context.Context) error {
	for _, j := range r.jobs {
		if _, err := r.tick(ctx, j); err != nil {
			return fmt.Errorf("%s sweep: %w", j.name, err)
		}
	}
	return nil
}

func (r *Runner) run(ctx context.Context, name string) {
	if _, err := r.RunOnce(ctx, name); err != nil {
		r.log.Error("sweep failed", "sweep", name, "error", err)
	}
}

func (r *Runner) tick(ctx context.Context, j job) (TickStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	st, err := j.ticker.Tick(ctx)
	elapsed := time.Since(started)

	r.metrics.observeSweep(j.name, elapsed, err)
	r.metrics.observeStats(j.name, st)

	r.mu.Lock()
	s := r.status[j.name]
	s.Runs++
	s.LastRun = r.clock().UTC()
	s.LastDuration = elapsed.String()
	s.LastStats = st
	s.LastError = ""
	if err != nil {
		s.LastError = err.Error()
	}
	s.Totals.Considered += st.Considered
	s.Totals.Processed += st.Processed
	s.Totals.Skipped += st.Skipped
	s.Totals.Errors += st.Errors
	r.mu.Unlock()

	if st.Processed > 0 || st.Errors > 0 {
		r.log.Info("sweep finished", "sweep", j.name, "considered", st.Considered, "processed", st.Processed,
			"skipped", st.Skipped, "errors", st.Errors, "duration", elapsed.String())
	}
	return st, err
}

// Stats returns a snapshot of every sweep's status.
func (r *Runner) Stats() map[string]SweepState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]SweepState, len(r.status))
	for name, s := range r.status {
		out[name] = *s
	}
	return out
}

// cronLogger routes cron's own messages to the structured logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
