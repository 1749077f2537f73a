package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ignite/spamcheck-scheduler/internal/api"
	"github.com/ignite/spamcheck-scheduler/internal/conditions"
	"github.com/ignite/spamcheck-scheduler/internal/config"
	"github.com/ignite/spamcheck-scheduler/internal/content"
	"github.com/ignite/spamcheck-scheduler/internal/domain"
	"github.com/ignite/spamcheck-scheduler/internal/events"
	"github.com/ignite/spamcheck-scheduler/internal/gateway"
	"github.com/ignite/spamcheck-scheduler/internal/pkg/distlock"
	"github.com/ignite/spamcheck-scheduler/internal/pkg/httpretry"
	"github.com/ignite/spamcheck-scheduler/internal/pkg/logger"
	"github.com/ignite/spamcheck-scheduler/internal/repository/memory"
	"github.com/ignite/spamcheck-scheduler/internal/repository/postgres"
	"github.com/ignite/spamcheck-scheduler/internal/scheduler"
	"github.com/ignite/spamcheck-scheduler/internal/service/spamcheck"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	once := flag.Bool("once", false, "run every sweep once and exit")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.Redact())
	log := logger.With("component", "main")
	log.Info("starting spamcheck scheduler", "ops_addr", cfg.Ops.Addr, "once", *once)

	ctx := context.Background()

	db, repo := openStore(ctx, cfg.Database, log)
	if db != nil {
		defer db.Close()
	}

	rdb := openRedis(ctx, cfg.Redis, log)
	if rdb != nil {
		defer rdb.Close()
	}

	locks := distlock.NewFactory(rdb, db, cfg.Scheduler.LockTTL)
	svc := spamcheck.NewService(repo,
		spamcheck.WithLocks(locks),
		spamcheck.WithParser(conditions.NewParser(cfg.Conditions.Providers...)),
		spamcheck.WithTemplateValidator(content.NewRenderer().Validate),
	)

	var gates scheduler.CredentialGate
	switch {
	case rdb != nil:
		gates = scheduler.NewRedisGate(rdb)
	case db != nil:
		gates = postgres.NewCredentialGateRepo(db)
	default:
		gates = scheduler.NewMemoryGate()
	}

	registry, err := buildGateways(cfg.Gateway)
	if err != nil {
		log.Error("failed to build gateways", "error", err)
		os.Exit(1)
	}

	publisher, s3Client := buildPublishers(ctx, cfg.Events, rdb, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := scheduler.NewMetrics(reg)

	runner := scheduler.NewRunner(scheduler.Deps{
		Service:  svc,
		Gateways: registry,
		Locks:    locks,
		Gates:    gates,
		Events:   publisher,
		Retry: scheduler.RetryPolicy{
			MaxConsecutiveFailures: cfg.Retry.MaxConsecutiveFailures,
			BaseDelay:              cfg.Retry.BaseDelay,
			MaxDelay:               cfg.Retry.MaxDelay,
		},
		Metrics:    metrics,
		Log:        logger.Default(),
		ScoreScale: cfg.Conditions.ScoreScale,
		BatchSize:  cfg.Scheduler.BatchSize,
	}, scheduler.Schedules{
		Queue:        cfg.Scheduler.QueueSpec,
		Status:       cfg.Scheduler.StatusSpec,
		Reports:      cfg.Scheduler.ReportsSpec,
		Recurrence:   cfg.Scheduler.RecurrenceSpec,
		SweepTimeout: cfg.Scheduler.SweepTimeout,
	})

	if *once {
		runCtx, cancel := context.WithTimeout(ctx, cfg.Scheduler.SweepTimeout)
		defer cancel()
		if err := runner.RunAll(runCtx); err != nil {
			log.Error("sweeps failed", "error", err)
			os.Exit(1)
		}
		log.Info("sweeps complete")
		return
	}

	if err := runner.Start(); err != nil {
		log.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// A nil *redis.Client must not reach the health checker as a non-nil interface.
	var healthRedis redis.UniversalClient
	if rdb != nil {
		healthRedis = rdb
	}
	var bucket api.HeadBucketAPI
	if s3Client != nil {
		bucket = s3Client
	}
	srv := api.NewServer(cfg.Ops,
		api.NewHandlers(runner, svc, gates),
		api.NewHealthChecker(db, healthRedis, bucket, cfg.Events.S3Bucket, runner),
		reg)

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Error("ops server failed", "error", err)
			done <- syscall.SIGTERM
		}
	}()

	<-done
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := runner.Stop(shutdownCtx); err != nil {
		log.Warn("sweeps still running at shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("ops server shutdown failed", "error", err)
	}
	log.Info("scheduler stopped")
}

// openStore connects to Postgres, or falls back to the in-memory store when
// no database URL is configured.
func openStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*sql.DB, spamcheck.Repository) {
	if cfg.URL == "" {
		log.Warn("no database configured, using in-memory store")
		return nil, memory.New()
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	log.Info("connected to database")
	return db, postgres.NewSpamcheckRepo(db)
}

// openRedis returns nil when Redis is not configured or unreachable; locks,
// gates and events then fall back to the database or to process memory.
func openRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) *redis.Client {
	if cfg.URL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		log.Warn("invalid redis url, trying it as an address", "error", err)
		opts = &redis.Options{Addr: cfg.URL}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable, continuing without it", "error", err)
		client.Close()
		return nil
	}
	log.Info("connected to redis", "addr", opts.Addr)
	return client
}

// buildGateways registers one gateway per platform, each bounded by the
// configured call timeout and rate limit.
func buildGateways(cfg config.GatewayConfig) (*gateway.Registry, error) {
	if !cfg.Sandbox {
		return nil, errNoAdapters
	}
	registry := gateway.NewRegistry()
	sandbox := gateway.NewSandbox()
	sandbox.AutoComplete = true
	for _, p := range []domain.Platform{domain.PlatformA, domain.PlatformB} {
		var gw gateway.Gateway = sandbox
		gw = gateway.WithRateLimit(gw, rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst))
		if cfg.CallTimeout > 0 {
			gw = gateway.WithTimeout(gw, cfg.CallTimeout)
		}
		registry.Register(p, gw)
	}
	return registry, nil
}

var errNoAdapters = errors.New("no platform adapters are built in; set gateway.sandbox (SPAMCHECK_GATEWAY_SANDBOX=true)")

// buildPublishers fans completion events out to every configured sink. The
// S3 client is returned for the health check.
func buildPublishers(ctx context.Context, cfg config.EventsConfig, rdb *redis.Client, log *logger.Logger) (events.Publisher, *s3.Client) {
	var (
		multi    events.Multi
		s3Client *s3.Client
	)
	if cfg.RedisChannel != "" {
		if rdb != nil {
			multi = append(multi, events.NewRedisPublisher(rdb, cfg.RedisChannel))
		} else {
			log.Warn("events.redis_channel set without redis, skipping")
		}
	}
	if cfg.WebhookURL != "" {
		client := httpretry.NewRetryClient(&http.Client{Timeout: cfg.WebhookTimeout}, 3)
		multi = append(multi, events.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookSecret, client))
	}
	if cfg.S3Bucket != "" {
		s3cfg := events.S3Config{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}
		client, err := events.NewS3Client(ctx, s3cfg)
		if err != nil {
			log.Warn("s3 archive disabled", "error", err)
		} else {
			s3Client = client
			multi = append(multi, events.NewS3ArchiveWithClient(client, cfg.S3Bucket, cfg.S3Prefix))
		}
	}
	log.Info("event sinks configured", "count", len(multi))
	if len(multi) == 0 {
		return events.Nop{}, nil
	}
	return multi, s3Client
}
