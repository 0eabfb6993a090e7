package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"github.com/easycronjobs/engine/internal/config"
	"github.com/easycronjobs/engine/internal/dispatch"
	"github.com/easycronjobs/engine/internal/jobs"
	redisx "github.com/easycronjobs/engine/internal/redis"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.LogLevel)

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
	ctx := context.Background()
	rdb, err := redisx.NewClientWithBackoff(ctx, redisx.Config{
		Addr: cfg.Redis.Addr, Password: cfg.Redis.Password,
	})
	if err != nil {
		logger.Fatalf("redis connect failed: %v", err)
	}
	defer rdb.Close()

	// ---- Leader election ----
	elect := redisx.NewLeaderElector(rdb, cfg.Scheduler.LeaderKey, cfg.Scheduler.LeaderTTLSec, hostname())
	elect.Start(ctx)
	defer elect.Stop()

	// ---- Dispatch loop ----
	d := &dispatch.Dispatcher{
		DB:      db,
		Store:   jobs.NewStore(db),
		RDB:     rdb,
		Streams: redisx.StreamsFromEnv(),
		Logger:  logger,
		Now:     time.Now,
		Batch:   cfg.Scheduler.BatchLimit,
	}
	go d.Loop(ctx, elect, time.Duration(cfg.Scheduler.TickSeconds)*time.Second)

	// ---- Health server ----
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"scheduler"}`))
	})
	mux.HandleFunc("/role", func(w http.ResponseWriter, r *http.Request) {
		role := "follower"
		if elect.IsLeader() {
			role = "leader"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`"` + role + `"`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.Scheduler.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Infof("scheduler listening on %s", cfg.Scheduler.HTTPAddr)
	logger.Fatal(srv.ListenAndServe())
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

func hostname() string {
	h, _ := os.Hostname()
	if h == "" {
		h = "scheduler"
	}
	return h
}
