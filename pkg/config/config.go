// Package config loads the process configuration once at startup from
// a .env file (best effort) overlaid by the real environment. There is
// no runtime reconfiguration and nothing is persisted back to disk.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-derived value the service needs.
type Config struct {
	NNTPHost           string
	NNTPPort           int
	NNTPUseSSL         bool
	NNTPUsername       string
	NNTPPassword       string
	NNTPMaxConnections int
	NNTPIdleTimeout    time.Duration

	CacheDir   string
	SessionTTL time.Duration
	LogLevel   string
	HTTPAddr   string
}

// Load reads .env (if present) then the process environment, applying
// the defaults documented in the spec's external-interfaces section.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		NNTPHost:           os.Getenv("NNTP_HOST"),
		NNTPPort:           envInt("NNTP_PORT", 563),
		NNTPUseSSL:         envBool("NNTP_USE_SSL", true),
		NNTPUsername:       os.Getenv("NNTP_USERNAME"),
		NNTPPassword:       os.Getenv("NNTP_PASSWORD"),
		NNTPMaxConnections: envInt("NNTP_MAX_CONNECTIONS", 50),
		NNTPIdleTimeout:    envDuration("NNTP_IDLE_TIMEOUT", 10*time.Second),
		CacheDir:           envString("CACHE_DIR", "./data/sessions"),
		SessionTTL:         envDuration("SESSION_TTL", 30*time.Minute),
		LogLevel:           envString("LOG_LEVEL", "INFO"),
		HTTPAddr:           envString("HTTP_ADDR", ":8080"),
	}

	if cfg.NNTPHost == "" {
		return nil, fmt.Errorf("config: NNTP_HOST is required")
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
