package main

import (
	"context"
	"database/sql"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"github.com/easycronjobs/engine/internal/api"
	"github.com/easycronjobs/engine/internal/config"
	"github.com/easycronjobs/engine/internal/dispatch"
	"github.com/easycronjobs/engine/internal/jobs"
	redisx "github.com/easycronjobs/engine/internal/redis"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	// ---- DB ----
	db, err := sql.Open("pgx", cfg.Postgres.DSN())
	if err != nil {
		logger.Fatalf("db open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping: %v", err)
	}

	// ---- Redis ----
	rdb, err := redisx.NewClientWithBackoff(ctx, redisx.Config{
		Addr: cfg.Redis.Addr, Password: cfg.Redis.Password,
	})
	if err != nil {
		logger.Fatalf("redis connect failed: %v", err)
	}
	defer rdb.Close()

	store := jobs.NewStore(db)
	trigger := &dispatch.Trigger{
		Store:   store,
		RDB:     rdb,
		Streams: redisx.StreamsFromEnv(),
	}
	handler := api.NewHandler(store, trigger, jobs.TierChecker{}, logger)

	if err := api.StartServer(ctx, handler, cfg.API.Addr); err != nil {
		logger.Fatalf("api server: %v", err)
	}
}
