package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the strategy engine.
type Config struct {
	// Storage
	DataDir      string // strategy configuration documents
	ResultsDir   string // run journals
	StoreBackend string // "file" (default) or "sqlite"
	DBPath       string

	// Market data
	PollInterval      time.Duration
	FetchTimeout      time.Duration
	MaxClockDrift     time.Duration
	BarLimit          int
	FallbackOHLCVPath string
	AlternateVenues   []string
	RedisAddr         string // optional shared snapshot cache
	RedisSnapshotTTL  time.Duration
	Timezone          string // rollup month boundaries

	// Control API
	APIAddr   string
	JWTSecret string // empty disables auth

	// Watch strategies.json and reconcile on change
	WatchConfig bool

	// Logging
	LogLevel  string
	LogPretty bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "strategies.db")
	}

	return &Config{
		DataDir:           dataDir,
		ResultsDir:        getEnv("RESULTS_DIR", "./results"),
		StoreBackend:      strings.ToLower(getEnv("STORE_BACKEND", "file")),
		DBPath:            dbPath,
		PollInterval:      time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 60)) * time.Second,
		FetchTimeout:      time.Duration(getEnvInt("FETCH_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxClockDrift:     time.Duration(getEnvInt("MAX_CLOCK_DRIFT_MS", 10000)) * time.Millisecond,
		BarLimit:          getEnvInt("BAR_LIMIT", 100),
		FallbackOHLCVPath: getEnv("FALLBACK_OHLCV_PATH", filepath.Join(dataDir, "fallback_ohlcv.json")),
		AlternateVenues:   splitAndTrim(getEnv("ALTERNATE_VENUES", "mexc,binance")),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisSnapshotTTL:  time.Duration(getEnvInt("REDIS_SNAPSHOT_TTL_HOURS", 24)) * time.Hour,
		Timezone:          getEnv("TIMEZONE", "Europe/Warsaw"),
		APIAddr:           getEnv("API_ADDR", ":8080"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		WatchConfig:       getEnv("WATCH_CONFIG", "true") == "true",
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogPretty:         getEnv("LOG_PRETTY", "false") == "true",
	}, nil
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
