// Package config loads runtime configuration from the environment.
// A .env file is honored when present so local development does not
// need exported variables.
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

// Config carries settings for both the control-plane API and the edge.
type Config struct {
	// Shared
	PostgresDSN     string
	TokenSigningKey string
	TokenIssuer     string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	SessionTTL      time.Duration
	MaxSessions     int

	// API
	APIAddr          string
	LockoutThreshold int
	RateBurst        int
	RatePerSecond    int

	// Edge
	EdgeAddr         string
	RedisAddr        string
	RedisPassword    string
	UpstreamRoutes   []RouteConfig
	PublicPaths      []string
	RateLimitPerMin  int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	UpstreamTimeout  time.Duration
}

// RouteConfig names one upstream behind the edge.
type RouteConfig struct {
	Name   string
	Prefix string
	Target string
}

// Load reads configuration, layering .env under the real environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		PostgresDSN:      os.Getenv("KREPOST_PG_DSN"),
		TokenSigningKey:  os.Getenv("KREPOST_TOKEN_KEY"),
		TokenIssuer:      getEnv("KREPOST_TOKEN_ISSUER", "krepost"),
		AccessTTL:        getEnvDuration("KREPOST_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:       getEnvDuration("KREPOST_REFRESH_TTL", 14*24*time.Hour),
		SessionTTL:       getEnvDuration("KREPOST_SESSION_TTL", 30*time.Minute),
		MaxSessions:      getEnvInt("KREPOST_MAX_SESSIONS", 5),
		APIAddr:          getEnv("KREPOST_API_ADDR", ":8080"),
		LockoutThreshold: getEnvInt("KREPOST_LOCKOUT_THRESHOLD", 5),
		RateBurst:        getEnvInt("KREPOST_RATE_BURST", 50),
		RatePerSecond:    getEnvInt("KREPOST_RATE_PER_SECOND", 25),
		EdgeAddr:         getEnv("KREPOST_EDGE_ADDR", ":8081"),
		RedisAddr:        os.Getenv("KREPOST_REDIS_ADDR"),
		RedisPassword:    os.Getenv("KREPOST_REDIS_PASSWORD"),
		RateLimitPerMin:  getEnvInt("KREPOST_EDGE_RATE_PER_MINUTE", 600),
		BreakerThreshold: getEnvInt("KREPOST_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  getEnvDuration("KREPOST_BREAKER_COOLDOWN", 30*time.Second),
		UpstreamTimeout:  getEnvDuration("KREPOST_UPSTREAM_TIMEOUT", 10*time.Second),
	}

	routes, err := parseRoutes(os.Getenv("KREPOST_ROUTES"))
	if err != nil {
		return nil, err
	}
	cfg.UpstreamRoutes = routes
	cfg.PublicPaths = splitList(os.Getenv("KREPOST_PUBLIC_PATHS"))

	if len(cfg.TokenSigningKey) < 32 {
		return nil, errors.New("config: KREPOST_TOKEN_KEY must be at least 32 bytes")
	}
	return cfg, nil
}

// parseRoutes parses "name=prefix=target,name=prefix=target".
func parseRoutes(raw string) ([]RouteConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var routes []RouteConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("config: malformed route %q, want name=prefix=target", entry)
		}
		routes = append(routes, RouteConfig{
			Name:   strings.TrimSpace(parts[0]),
			Prefix: strings.TrimSpace(parts[1]),
			Target: strings.TrimSpace(parts[2]),
		})
	}
	return routes, nil
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(raw string) []string {
	var values []string
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			values = append(values, entry)
		}
	}
	return values
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
