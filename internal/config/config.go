// Package config provides environment-aware configuration management for
// the control plane.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Env Environment

	// Database
	DBDriver string // "postgres" | "sqlite"
	DBDSN    string

	// Auth
	JWTSigningKey string
	JWTExpiry     time.Duration
	APITokens     []string

	// Listen
	ListenAddr string

	// External collaborators
	ModelAdapterURL     string
	ModelAdapterKey     string
	ModelAdapterTimeout time.Duration
	WorkerInboxDir      string
	WorkerOutboxDir     string
	CriticURL           string
	CriticKey           string
	CriticTimeout       time.Duration
	DeployURL           string
	DeployKey           string
	RetrievalURL        string
	GitHubToken         string

	// Dispatch / ticket engine tunables
	DispatchTickInterval  time.Duration
	DispatchGlobalLimit   int
	DispatchSessionLimit  int
	TicketLeaseDuration   time.Duration
	TicketHeartbeat       time.Duration
	TicketRetryCeiling    int
	ReaperInterval        time.Duration
	RequireTenantHeader   bool
	RateLimitRequests     int
	RateLimitWindow       time.Duration

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// Features
	EnableDebugEndpoints bool
	MetricsEnabled       bool
	MetricsAddr          string
}

// Load loads configuration based on the CONTROLPLANE_ENV environment
// variable, optionally overlaying a .env file found in the working
// directory.
func Load() (*Config, error) {
	envStr := os.Getenv("CONTROLPLANE_ENV")
	if envStr == "" {
		envStr = string(Development)
	}
	env, ok := parseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid CONTROLPLANE_ENV: %s (must be development, testing, or production)", envStr)
	}

	if err := godotenv.Load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("warning: could not load .env: %v\n", err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func parseEnvironment(s string) (Environment, bool) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case Development:
		return Development, true
	case Testing:
		return Testing, true
	case Production:
		return Production, true
	default:
		return "", false
	}
}

func (c *Config) loadFromEnv() error {
	c.DBDriver = strings.ToLower(getEnv("DB_DRIVER", "sqlite"))
	c.DBDSN = getEnv("DB_DSN", "controlplane.db")

	c.JWTSigningKey = getEnv("JWT_SIGNING_KEY", "")
	jwtExpiry, err := getDurationEnv("JWT_EXPIRY", 24*time.Hour)
	if err != nil {
		return err
	}
	c.JWTExpiry = jwtExpiry
	c.APITokens = splitAndTrim(getEnv("API_TOKENS", ""))

	c.ListenAddr = getEnv("LISTEN_ADDR", ":8080")

	c.ModelAdapterURL = getEnv("MODEL_ADAPTER_URL", "")
	c.ModelAdapterKey = getEnv("MODEL_ADAPTER_KEY", "")
	modelTimeout, err := getDurationEnv("MODEL_ADAPTER_TIMEOUT", 60*time.Second)
	if err != nil {
		return err
	}
	c.ModelAdapterTimeout = modelTimeout

	c.WorkerInboxDir = getEnv("WORKER_INBOX_DIR", "./var/worker/in")
	c.WorkerOutboxDir = getEnv("WORKER_OUTBOX_DIR", "./var/worker/out")

	c.CriticURL = getEnv("CRITIC_URL", "")
	c.CriticKey = getEnv("CRITIC_KEY", "")
	criticTimeout, err := getDurationEnv("CRITIC_TIMEOUT", 5*time.Minute)
	if err != nil {
		return err
	}
	c.CriticTimeout = criticTimeout

	c.DeployURL = getEnv("DEPLOY_URL", "")
	c.DeployKey = getEnv("DEPLOY_KEY", "")
	c.RetrievalURL = getEnv("RETRIEVAL_URL", "")
	c.GitHubToken = getEnv("GITHUB_TOKEN", "")

	tick, err := getDurationEnv("DISPATCH_TICK_INTERVAL", time.Second)
	if err != nil {
		return err
	}
	c.DispatchTickInterval = tick
	c.DispatchGlobalLimit = getIntEnv("DISPATCH_GLOBAL_LIMIT", 20)
	c.DispatchSessionLimit = getIntEnv("DISPATCH_SESSION_LIMIT", 4)

	leaseDuration, err := getDurationEnv("TICKET_LEASE_DURATION", 30*time.Minute)
	if err != nil {
		return err
	}
	c.TicketLeaseDuration = leaseDuration
	heartbeat, err := getDurationEnv("TICKET_HEARTBEAT_INTERVAL", 60*time.Second)
	if err != nil {
		return err
	}
	c.TicketHeartbeat = heartbeat
	c.TicketRetryCeiling = getIntEnv("TICKET_RETRY_CEILING", 3)

	reaperInterval, err := getDurationEnv("REAPER_INTERVAL", 15*time.Second)
	if err != nil {
		return err
	}
	c.ReaperInterval = reaperInterval

	c.RequireTenantHeader = getBoolEnv("REQUIRE_TENANT_HEADER", c.Env == Production)
	c.RateLimitRequests = getIntEnv("RATE_LIMIT_REQUESTS", 100)
	rateLimitWindow, err := getDurationEnv("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return err
	}
	c.RateLimitWindow = rateLimitWindow

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")
	c.LogOutput = getEnv("LOG_OUTPUT", "stdout")

	c.EnableDebugEndpoints = getBoolEnv("ENABLE_DEBUG_ENDPOINTS", false)
	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", c.Env == Production)
	c.MetricsAddr = getEnv("METRICS_ADDR", ":9090")

	return nil
}

// IsDevelopment reports whether the environment is development.
func (c *Config) IsDevelopment() bool { return c.Env == Development }

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Validate rejects insecure or inconsistent configuration combinations.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if c.DBDriver != "postgres" && c.DBDriver != "sqlite" {
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	if c.IsProduction() {
		if strings.TrimSpace(c.JWTSigningKey) == "" && len(c.APITokens) == 0 {
			return fmt.Errorf("JWT_SIGNING_KEY or API_TOKENS must be set in production")
		}
		if c.EnableDebugEndpoints {
			return fmt.Errorf("ENABLE_DEBUG_ENDPOINTS must be false in production")
		}
		if !c.RequireTenantHeader {
			return fmt.Errorf("REQUIRE_TENANT_HEADER must be true in production")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func splitAndTrim(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
