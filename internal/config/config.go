// Package config loads service settings from the environment, an optional
// .env file and an optional YAML provider profile.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"qazna.org/esign/internal/provider"
)

const (
	ProviderMock   = "mock"
	ProviderHTTP   = "http"
	ProviderVendor = "vendor"

	envProduction = "production"
)

var ErrInvalid = errors.New("config: invalid")

// Config holds environment-driven settings for the API, the CLI and the migrator.
type Config struct {
	Env      string
	HTTPAddr string
	GRPCAddr string
	PGDSN    string

	Provider        string
	ProviderID      string
	ProviderURL     string
	ProviderSecret  string
	ProviderTimeout time.Duration
	ProviderRPS     float64
	ProfileFile     string
	Profile         provider.Profile

	WebhookSecret string
	AuthSecret    string

	RateBurst        int
	RatePerSec       float64
	MaxBodyBytes     int64
	SweepConcurrency int
	SweepInterval    time.Duration
}

// Load reads the given .env files (default ".env") without overriding
// variables already set, then the ESIGN_* environment.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := Config{
		Env:              strings.ToLower(getenv("ESIGN_ENV", "development")),
		HTTPAddr:         getenv("ESIGN_HTTP_ADDR", ":8080"),
		GRPCAddr:         getenv("ESIGN_GRPC_ADDR", ":9090"),
		PGDSN:            getenv("ESIGN_PG_DSN", ""),
		Provider:         strings.ToLower(getenv("ESIGN_PROVIDER", ProviderMock)),
		ProviderID:       getenv("ESIGN_PROVIDER_ID", ""),
		ProviderURL:      getenv("ESIGN_PROVIDER_URL", ""),
		ProviderSecret:   getenv("ESIGN_PROVIDER_SECRET", ""),
		ProviderTimeout:  getDuration("ESIGN_PROVIDER_TIMEOUT", 10*time.Second),
		ProviderRPS:      getFloat("ESIGN_PROVIDER_RPS", 0),
		ProfileFile:      getenv("ESIGN_PROFILE_FILE", ""),
		WebhookSecret:    getenv("ESIGN_WEBHOOK_SECRET", ""),
		AuthSecret:       getenv("ESIGN_AUTH_SECRET", ""),
		RateBurst:        getInt("ESIGN_RATE_BURST", 20),
		RatePerSec:       getFloat("ESIGN_RATE_PER_SEC", 10),
		MaxBodyBytes:     int64(getInt("ESIGN_MAX_BODY_BYTES", 1<<20)),
		SweepConcurrency: getInt("ESIGN_SWEEP_CONCURRENCY", 4),
		SweepInterval:    getDuration("ESIGN_SWEEP_INTERVAL", 0),
	}

	if cfg.ProfileFile != "" {
		p, err := provider.LoadProfile(cfg.ProfileFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Profile = p
	}
	return cfg, nil
}

// Hardened reports whether production safety rules apply.
func (c Config) Hardened() bool {
	return c.Env == envProduction
}

// Validate rejects configurations the service must not boot with.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderMock:
		if c.Hardened() {
			return fmt.Errorf("%w: mock provider in %s: %w", ErrInvalid, c.Env, provider.ErrNotConfigured)
		}
	case ProviderHTTP, ProviderVendor:
		if c.ProviderURL == "" {
			return fmt.Errorf("%w: ESIGN_PROVIDER_URL is required for provider %q", ErrInvalid, c.Provider)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalid, c.Provider)
	}
	if c.Hardened() {
		if c.WebhookSecret == "" {
			return fmt.Errorf("%w: ESIGN_WEBHOOK_SECRET is required in %s", ErrInvalid, c.Env)
		}
		if c.AuthSecret == "" {
			return fmt.Errorf("%w: ESIGN_AUTH_SECRET is required in %s", ErrInvalid, c.Env)
		}
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("%w: provider timeout must be positive", ErrInvalid)
	}
	return nil
}

// Adapter builds the configured provider adapter.
func (c Config) Adapter() (provider.Adapter, error) {
	hc := provider.HTTPConfig{
		Name:              c.ProviderID,
		BaseURL:           c.ProviderURL,
		Secret:            c.ProviderSecret,
		Timeout:           c.ProviderTimeout,
		RequestsPerSecond: c.ProviderRPS,
		Profile:           c.Profile,
	}
	switch c.Provider {
	case ProviderMock:
		return provider.NewMock(c.ProviderURL, c.Hardened()), nil
	case ProviderHTTP:
		return provider.NewHTTPClient(hc)
	case ProviderVendor:
		return provider.NewVendorClient(hc)
	}
	return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalid, c.Provider)
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
