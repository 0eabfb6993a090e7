package main

import (
	"context"
	"database/sql"
	"math/rand"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"github.com/easycronjobs/engine/internal/config"
	"github.com/easycronjobs/engine/internal/invoker"
	"github.com/easycronjobs/engine/internal/jobs"
	"github.com/easycronjobs/engine/internal/notify"
	redisx "github.com/easycronjobs/engine/internal/redis"
	"github.com/easycronjobs/engine/internal/worker"
)

func main() {
	ctx := context.Background()

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
	rdb, err := redisx.NewClientWithBackoff(ctx, redisx.Config{
		Addr: cfg.Redis.Addr, Password: cfg.Redis.Password,
	})
	if err != nil {
		logger.Fatalf("redis connect failed: %v", err)
	}
	defer rdb.Close()

	// ---- Runner ----
	store := jobs.NewStore(db)
	r := &worker.Runner{
		Store:        store,
		RDB:          rdb,
		Streams:      redisx.StreamsFromEnv(),
		Group:        cfg.Worker.Group,
		ConsumerName: hostname(),
		Invoker:      &invoker.Invoker{},
		Throttler:    notify.NewThrottler(store),
		Mailer:       notify.NewWebhookMailer(cfg.Notifier.WebhookURL, cfg.Notifier.From),
		Logger:       logger,
		Rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.Start(ctx)

	// ---- Health server ----
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"worker"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.Worker.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Infof("worker listening on %s (group=%s consumer=%s)", cfg.Worker.HTTPAddr, cfg.Worker.Group, hostname())
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
		h = "worker"
	}
	return h
}
