// Package config loads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Port        string
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // empty disables the cache
	CacheTTL    time.Duration

	PaymentSecret string

	MinPurchaseRL int64
	MinRefundRL   int64

	BidCurrency    string // "rl" or "inr"
	BidMaxAttempts int

	SweepInterval     time.Duration
	ReconcileInterval time.Duration // zero disables the reconciler

	SnipeWindow    time.Duration
	SnipeExtension time.Duration

	LogLevel slog.Level
}

// Load reads the configuration from the environment, applying defaults for
// unset variables. Every malformed value is reported.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

// LoadFrom reads the configuration from a map, for tests.
func LoadFrom(env map[string]string) (*Config, error) {
	return load(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
}

func load(lookup func(string) (string, bool)) (*Config, error) {
	r := reader{lookup: lookup}
	cfg := &Config{
		Port:              r.str("PORT", "8080"),
		DatabaseURL:       r.str("DATABASE_URL", ""),
		RedisURL:          r.str("REDIS_URL", ""),
		CacheTTL:          r.duration("CACHE_TTL", 30*time.Second),
		PaymentSecret:     r.str("PAYMENT_KEY_SECRET", ""),
		MinPurchaseRL:     r.integer("MIN_PURCHASE_RL", 200),
		MinRefundRL:       r.integer("MIN_REFUND_RL", 200),
		BidCurrency:       strings.ToLower(r.str("BID_CURRENCY", "rl")),
		BidMaxAttempts:    int(r.integer("BID_MAX_ATTEMPTS", 3)),
		SweepInterval:     r.duration("SWEEP_INTERVAL", 5*time.Second),
		ReconcileInterval: r.duration("RECONCILE_INTERVAL", 10*time.Minute),
		SnipeWindow:       r.duration("SNIPE_WINDOW", 0),
		SnipeExtension:    r.duration("SNIPE_EXTENSION", 0),
	}
	if raw, ok := lookup("LOG_LEVEL"); ok && raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			r.fail("LOG_LEVEL", err)
		}
	}

	switch {
	case cfg.BidCurrency != "rl" && cfg.BidCurrency != "inr":
		r.fail("BID_CURRENCY", fmt.Errorf("must be rl or inr, got %q", cfg.BidCurrency))
	case cfg.MinPurchaseRL <= 0:
		r.fail("MIN_PURCHASE_RL", errors.New("must be positive"))
	case cfg.MinRefundRL <= 0:
		r.fail("MIN_REFUND_RL", errors.New("must be positive"))
	case cfg.BidMaxAttempts <= 0:
		r.fail("BID_MAX_ATTEMPTS", errors.New("must be positive"))
	case cfg.SweepInterval <= 0:
		r.fail("SWEEP_INTERVAL", errors.New("must be positive"))
	case (cfg.SnipeWindow > 0) != (cfg.SnipeExtension > 0):
		r.fail("SNIPE_WINDOW", errors.New("SNIPE_WINDOW and SNIPE_EXTENSION must be set together"))
	}

	if err := errors.Join(r.errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int64) int64 {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	if d < 0 {
		r.fail(key, errors.New("must not be negative"))
		return def
	}
	return d
}
