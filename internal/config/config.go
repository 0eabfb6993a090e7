// Package config loads service configuration from a YAML file when one is
// given, falling back to .env / environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	API       APIConfig       `yaml:"api"`
	LogLevel  string          `yaml:"log_level"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN renders the postgres:// URL connection string pgx accepts.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

type SchedulerConfig struct {
	TickSeconds  int    `yaml:"tick_seconds"`
	BatchLimit   int    `yaml:"batch_limit"`
	LeaderKey    string `yaml:"leader_key"`
	LeaderTTLSec int    `yaml:"leader_ttl_sec"`
	HTTPAddr     string `yaml:"http_addr"`
}

type WorkerConfig struct {
	Group    string `yaml:"group"`
	HTTPAddr string `yaml:"http_addr"`
}

type NotifierConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	From       string `yaml:"from"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads configPath when it exists, otherwise builds the config from
// the environment (after trying .env and .env.local).
func Load(configPath string) (*Config, error) {
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err == nil {
			var cfg Config
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", configPath, err)
			}
			cfg.applyDefaults()
			return &cfg, nil
		}
	}

	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load(".env.local")
	}

	cfg := &Config{
		Postgres: PostgresConfig{
			Host:     getenv("POSTGRES_HOST", "localhost"),
			Port:     getenv("POSTGRES_PORT", "5432"),
			User:     getenv("POSTGRES_USER", "easycron"),
			Password: getenv("POSTGRES_PASSWORD", "easycron"),
			Database: getenv("POSTGRES_DB", "easycron"),
			SSLMode:  getenv("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Scheduler: SchedulerConfig{
			TickSeconds:  atoi(getenv("SCHEDULER_TICK_SEC", "1"), 1),
			BatchLimit:   atoi(getenv("SCHEDULER_BATCH_LIMIT", "200"), 200),
			LeaderKey:    getenv("LEADER_KEY", "scheduler:leader"),
			LeaderTTLSec: atoi(getenv("LEADER_TTL_SEC", "10"), 10),
			HTTPAddr:     getenv("SCHEDULER_HTTP_ADDR", ":8081"),
		},
		Worker: WorkerConfig{
			Group:    getenv("REDIS_CONSUMER_GROUP", "cg:workers"),
			HTTPAddr: getenv("WORKER_HTTP_ADDR", ":8082"),
		},
		Notifier: NotifierConfig{
			WebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
			From:       getenv("NOTIFY_FROM", "noreply@easycronjobs.local"),
		},
		API: APIConfig{
			Addr: getenv("API_HTTP_ADDR", ":8080"),
		},
		LogLevel: getenv("LOG_LEVEL", "info"),
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = 1
	}
	if c.Scheduler.BatchLimit <= 0 {
		c.Scheduler.BatchLimit = 200
	}
	if c.Scheduler.LeaderKey == "" {
		c.Scheduler.LeaderKey = "scheduler:leader"
	}
	if c.Scheduler.LeaderTTLSec <= 0 {
		c.Scheduler.LeaderTTLSec = 10
	}
	if c.Worker.Group == "" {
		c.Worker.Group = "cg:workers"
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func atoi(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
