package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port            string
	LogLevel        string
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	ApprovalDBPath  string
	SurfacePath     string
	JWTSecret       string
	DefaultCooldown time.Duration
	ApprovalTTL     time.Duration
	AuditBucket     string
	AuditRegion     string
	AuditEndpoint   string
	OTLPEndpoint    string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://remotegate@localhost:5432/remotegate?sslmode=disable"
	}

	approvalDB := os.Getenv("APPROVAL_DB_PATH")
	if approvalDB == "" {
		approvalDB = "approvals.db"
	}

	surfacePath := os.Getenv("COMMAND_SURFACE_PATH")
	if surfacePath == "" {
		surfacePath = "commands.yaml"
	}

	cooldown := 5 * time.Second
	if v := os.Getenv("DEFAULT_COOLDOWN_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			cooldown = time.Duration(secs) * time.Second
		}
	}

	approvalTTL := 30 * time.Minute
	if v := os.Getenv("APPROVAL_TTL_MINUTES"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil && mins > 0 {
			approvalTTL = time.Duration(mins) * time.Minute
		}
	}

	redisDB := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redisDB = n
		}
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     dbURL,
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         redisDB,
		ApprovalDBPath:  approvalDB,
		SurfacePath:     surfacePath,
		JWTSecret:       os.Getenv("GATEWAY_JWT_SECRET"),
		DefaultCooldown: cooldown,
		ApprovalTTL:     approvalTTL,
		AuditBucket:     os.Getenv("AUDIT_BUCKET"),
		AuditRegion:     os.Getenv("AUDIT_REGION"),
		AuditEndpoint:   os.Getenv("AUDIT_ENDPOINT"),
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),
	}
}
