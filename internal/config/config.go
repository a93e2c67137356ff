package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings. Every field has a default so the server
// can start with nothing but DATABASE_URL set.
type Config struct {
	HTTPPort    string
	DatabaseURL string
	RedisAddr   string
	NATSURL     string
	LedgerURL   string

	// JobCost is the number of tokens debited per submission.
	JobCost int64

	IdempotencyTTL   time.Duration
	IdempotencySweep time.Duration

	// TrackerRetention bounds how long terminal jobs stay in memory.
	TrackerRetention time.Duration
	TrackerSweep     time.Duration

	// StuckThreshold must exceed the expected worker processing time.
	StuckThreshold time.Duration
	StuckSweep     time.Duration

	UpstreamTimeout time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/gradeflow?sslmode=disable"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		LedgerURL:   getEnv("LEDGER_URL", "http://localhost:9090"),
	}

	var err error
	if cfg.JobCost, err = getInt64("JOB_COST", 1); err != nil {
		return nil, err
	}
	if cfg.JobCost <= 0 {
		return nil, fmt.Errorf("JOB_COST must be positive, got %d", cfg.JobCost)
	}

	if cfg.IdempotencyTTL, err = getDuration("IDEMPOTENCY_TTL", 4*time.Hour); err != nil {
		return nil, err
	}
	if cfg.IdempotencySweep, err = getDuration("IDEMPOTENCY_SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.TrackerRetention, err = getDuration("TRACKER_RETENTION", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.TrackerSweep, err = getDuration("TRACKER_SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.StuckThreshold, err = getDuration("STUCK_THRESHOLD", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.StuckSweep, err = getDuration("STUCK_SWEEP_INTERVAL", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.UpstreamTimeout, err = getDuration("UPSTREAM_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	if cfg.StuckThreshold <= cfg.StuckSweep {
		return nil, fmt.Errorf("STUCK_THRESHOLD (%s) must exceed STUCK_SWEEP_INTERVAL (%s)",
			cfg.StuckThreshold, cfg.StuckSweep)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive", key)
	}
	return d, nil
}
