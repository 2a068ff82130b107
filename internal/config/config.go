package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr           string
	DatabaseURL    string
	MigrationsDir  string
	RedisURL       string
	TokenSecret    string
	AdminToken     string
	AllowAnonymous bool
	CORSOrigin     string
	// Logging
	LogLevel       int
	LogDevelopment bool
	// Doc manager
	FlushDebounce       time.Duration
	FlushMaxUpdates     int
	FlushMaxBytes       int
	FlushRetries        int
	StoreTimeout        time.Duration
	DocIdleTTL          time.Duration
	CompactThreshold    int
	MaintenanceInterval time.Duration
	JournalPath         string
	// Gateway
	OracleTimeout   time.Duration
	HandlerTimeout  time.Duration
	OutboundQueue   int
	MaxMessageBytes int64
}

func Load() Config {
	return Config{
		Addr:           getenv("DOCSYNC_ADDR", ":3010"),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		MigrationsDir:  getenv("DOCSYNC_MIGRATIONS_DIR", "./db/migrations"),
		RedisURL:       getenv("REDIS_URL", ""),
		TokenSecret:    getenv("DOCSYNC_TOKEN_SECRET", "docsync-dev-secret"),
		AdminToken:     getenv("DOCSYNC_ADMIN_TOKEN", "docsync-admin-token"),
		AllowAnonymous: getenvBool("DOCSYNC_ALLOW_ANONYMOUS", true),
		CORSOrigin:     getenv("DOCSYNC_CORS_ORIGIN", "*"),

		LogLevel:       getenvInt("DOCSYNC_LOG_LEVEL", 0),
		LogDevelopment: getenvBool("DOCSYNC_LOG_DEV", false),

		FlushDebounce:       getenvDuration("DOCSYNC_FLUSH_DEBOUNCE", 100*time.Millisecond),
		FlushMaxUpdates:     getenvInt("DOCSYNC_FLUSH_MAX_UPDATES", 64),
		FlushMaxBytes:       getenvInt("DOCSYNC_FLUSH_MAX_BYTES", 1<<20),
		FlushRetries:        getenvInt("DOCSYNC_FLUSH_RETRIES", 5),
		StoreTimeout:        getenvDuration("DOCSYNC_STORE_TIMEOUT", 5*time.Second),
		DocIdleTTL:          getenvDuration("DOCSYNC_DOC_IDLE_TTL", 10*time.Minute),
		CompactThreshold:    getenvInt("DOCSYNC_COMPACT_THRESHOLD", 200),
		MaintenanceInterval: getenvDuration("DOCSYNC_MAINTENANCE_INTERVAL", 30*time.Second),
		JournalPath:         getenv("DOCSYNC_JOURNAL_PATH", ""),

		OracleTimeout:   getenvDuration("DOCSYNC_ORACLE_TIMEOUT", 3*time.Second),
		HandlerTimeout:  getenvDuration("DOCSYNC_HANDLER_TIMEOUT", 15*time.Second),
		OutboundQueue:   getenvInt("DOCSYNC_OUTBOUND_QUEUE", 256),
		MaxMessageBytes: int64(getenvInt("DOCSYNC_MAX_MESSAGE_BYTES", 10<<20)),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("250ms") or bare milliseconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
