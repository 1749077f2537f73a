package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/spamcheck-scheduler/internal/config"
	"github.com/ignite/spamcheck-scheduler/internal/pkg/logger"
	"github.com/ignite/spamcheck-scheduler/internal/repository/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	listOnly := flag.Bool("list", false, "list applied and pending migrations")
	flag.Parse()

	log := logger.With("component", "migrate")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Database.URL == "" {
		log.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	dir := cfg.Database.MigrationsDir
	if flag.NArg() > 0 {
		dir = flag.Arg(0)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	migrations, err := postgres.LoadMigrations(dir)
	if err != nil {
		log.Error("failed to load migrations", "error", err)
		os.Exit(1)
	}
	m := postgres.NewMigrator(db)

	if *listOnly {
		states, err := m.Status(ctx, migrations)
		if err != nil {
			log.Error("failed to read migration status", "error", err)
			os.Exit(1)
		}
		pending := 0
		for _, s := range states {
			if s.Pending() {
				pending++
				fmt.Printf("  %-40s pending\n", s.Version)
				continue
			}
			fmt.Printf("  %-40s %s\n", s.Version, s.AppliedAt.Format(time.RFC3339))
		}
		fmt.Printf("Total: %d migrations, %d pending\n", len(states), pending)
		return
	}

	applied, err := m.Up(ctx, migrations)
	for _, v := range applied {
		log.Info("migration applied", "version", v)
	}
	if err != nil {
		log.Error("migration failed", "error", err, "applied", len(applied))
		os.Exit(1)
	}
	log.Info("migrations complete", "dir", dir, "applied", len(applied), "total", len(migrations))
}
