package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Storage Configuration
	StoreDriver string

	PostgresURL      string
	PostgresMaxConns int

	SQLitePath        string
	SQLiteBusyTimeout time.Duration

	MongoURI      string
	MongoDatabase string
	MongoTimeout  time.Duration

	// HTTP Server Configuration
	HTTPPort         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// CORS Configuration
	CORSAllowedOrigins   string
	CORSAllowedMethods   string
	CORSAllowedHeaders   string
	CORSAllowCredentials bool
	CORSMaxAge           int

	// Dispatcher Configuration
	DispatcherEnabled      bool
	DispatcherTickInterval time.Duration
	DispatcherClaimLimit   int
	DispatcherConcurrency  int
	DispatcherRetryLimit   int
	DispatcherRetryDelay   time.Duration
	DispatcherClaimTTL     time.Duration
	RecalculateOnBoot      bool

	// Janitor Configuration
	JanitorSpec              string
	JanitorRecalculateSpec   string
	JanitorRunRetention      time.Duration
	JanitorDispatchRetention time.Duration

	// Task Runner Configuration
	ScriptsDir    string
	GatewayAPIURL string
	TaskTimeout   time.Duration

	// Gateway State Configuration
	GatewayDir string
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	return &Config{
		// Storage
		StoreDriver: getEnv("STORE_DRIVER", "sqlite"),

		PostgresURL:      getEnv("POSTGRES_URL", "postgres://localhost:5432/warden"),
		PostgresMaxConns: getIntEnv("POSTGRES_MAX_CONNS", 4),

		SQLitePath:        getEnv("SQLITE_PATH", "warden.db"),
		SQLiteBusyTimeout: getDurationEnv("SQLITE_BUSY_TIMEOUT_SEC", 5) * time.Second,

		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "warden"),
		MongoTimeout:  getDurationEnv("MONGO_TIMEOUT_SEC", 10) * time.Second,

		// HTTP Server
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		HTTPReadTimeout:  getDurationEnv("HTTP_READ_TIMEOUT_SEC", 30) * time.Second,
		HTTPWriteTimeout: getDurationEnv("HTTP_WRITE_TIMEOUT_SEC", 30) * time.Second,

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// CORS
		CORSAllowedOrigins:   getEnv("CORS_ALLOWED_ORIGINS", "*"),
		CORSAllowedMethods:   getEnv("CORS_ALLOWED_METHODS", "GET, POST, PUT, DELETE, OPTIONS, PATCH"),
		CORSAllowedHeaders:   getEnv("CORS_ALLOWED_HEADERS", "*"),
		CORSAllowCredentials: getBoolEnv("CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAge:           getIntEnv("CORS_MAX_AGE", 3600),

		// Dispatcher
		DispatcherEnabled:      getBoolEnv("DISPATCHER_ENABLED", true),
		DispatcherTickInterval: getDurationEnv("DISPATCHER_TICK_INTERVAL_SEC", 1) * time.Second,
		DispatcherClaimLimit:   getIntEnv("DISPATCHER_CLAIM_LIMIT", 10),
		DispatcherConcurrency:  getIntEnv("DISPATCHER_CONCURRENCY", 4),
		DispatcherRetryLimit:   getIntEnv("DISPATCHER_RETRY_LIMIT", 3),
		DispatcherRetryDelay:   getDurationEnv("DISPATCHER_RETRY_DELAY_SEC", 60) * time.Second,
		DispatcherClaimTTL:     getDurationEnv("DISPATCHER_CLAIM_TTL_SEC", 300) * time.Second,
		RecalculateOnBoot:      getBoolEnv("RECALCULATE_ON_BOOT", true),

		// Janitor
		JanitorSpec:              getEnv("JANITOR_CRON", "0 3 * * *"),
		JanitorRecalculateSpec:   getEnv("JANITOR_RECALCULATE_CRON", "0 * * * *"),
		JanitorRunRetention:      getDurationEnv("JANITOR_RUN_RETENTION_DAYS", 90) * 24 * time.Hour,
		JanitorDispatchRetention: getDurationEnv("JANITOR_DISPATCH_RETENTION_DAYS", 7) * 24 * time.Hour,

		// Task Runner
		ScriptsDir:    getEnv("SCRIPTS_DIR", "./scripts"),
		GatewayAPIURL: getEnv("GATEWAY_API_URL", "http://localhost:8080"),
		TaskTimeout:   getDurationEnv("TASK_TIMEOUT_SEC", 300) * time.Second,

		// Gateway State
		GatewayDir: getEnv("GATEWAY_DIR", "./data"),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Printf("Warning: Invalid integer value for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal)
		}
		log.Printf("Warning: Invalid duration value for %s, using default %d", key, defaultValue)
	}
	return time.Duration(defaultValue)
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		log.Printf("Warning: Invalid boolean value for %s, using default %t", key, defaultValue)
	}
	return defaultValue
}
