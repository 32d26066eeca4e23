package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	LogLevel    string

	// Database
	DBDriver   string // postgres or sqlite
	DBPath     string
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// API
	APIPort int

	// Sessions
	SessionSecret        string
	SessionDuration      time.Duration
	SessionLookupTimeout time.Duration
	SessionSweepInterval time.Duration

	// Admin JWT
	AdminJWTSecret      string
	AdminJWTExpireHours int
	AdminUsername       string
	AdminPassword       string

	// Abuse controls
	RateLimitRequests     int
	RateLimitWindow       time.Duration
	SuspiciousThreshold   int
	SuspiciousWindow      time.Duration
	SuspiciousPolicy      string // block or log
	MaxKeyAttemptsPerDay  int
	TimestampSkew         time.Duration
	MaxAdminLoginAttempts int

	// Audit
	AuditBuffer        int
	AuditRetentionDays int
	ArchiveFTPHost     string
	ArchiveFTPPort     int
	ArchiveFTPUser     string
	ArchiveFTPPassword string
	ArchiveFTPPath     string
}

const (
	PolicyBlock = "block"
	PolicyLog   = "log"
)

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + strconv.Itoa(length)))
	}
	return hex.EncodeToString(bytes)
}

func Load() *Config {
	// .env is optional; real deployments pass the environment directly
	_ = godotenv.Load()

	environment := getEnv("ENVIRONMENT", "production")

	sessionSecret := os.Getenv("SESSION_SECRET")
	if sessionSecret == "" {
		log.Println("WARNING: SESSION_SECRET not set - the persisted or generated secret will be used")
	}

	adminSecret := os.Getenv("ADMIN_JWT_SECRET")
	if adminSecret == "" {
		adminSecret = generateSecureSecret(32)
		log.Println("WARNING: ADMIN_JWT_SECRET not set - generated random secret. Admin sessions will not persist across restarts.")
	}

	dbPassword := getEnv("DB_PASSWORD", "")
	if dbPassword == "" {
		log.Println("WARNING: DB_PASSWORD not set - this is insecure for production!")
		dbPassword = "changeme"
	}

	redisPassword := getEnv("REDIS_PASSWORD", "")
	if redisPassword == "" {
		log.Println("WARNING: REDIS_PASSWORD not set - Redis is not secured!")
	}

	// Production only logs suspicious activity; other environments block it
	defaultPolicy := PolicyBlock
	if environment == "production" {
		defaultPolicy = PolicyLog
	}

	return &Config{
		Environment: environment,
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DBDriver:   getEnv("DB_DRIVER", "postgres"),
		DBPath:     getEnv("DB_PATH", "license.db"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "license"),
		DBPassword: dbPassword,
		DBName:     getEnv("DB_NAME", "license"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: redisPassword,

		APIPort: getEnvInt("API_PORT", 8080),

		SessionSecret:        sessionSecret,
		SessionDuration:      getEnvDuration("SESSION_DURATION", 7*24*time.Hour),
		SessionLookupTimeout: getEnvDuration("SESSION_LOOKUP_TIMEOUT", 3*time.Second),
		SessionSweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),

		AdminJWTSecret:      adminSecret,
		AdminJWTExpireHours: getEnvInt("ADMIN_JWT_EXPIRE_HOURS", 12),
		AdminUsername:       getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:       getEnv("ADMIN_PASSWORD", ""),

		RateLimitRequests:     getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:       getEnvDuration("RATE_LIMIT_WINDOW", time.Hour),
		SuspiciousThreshold:   getEnvInt("SUSPICIOUS_THRESHOLD", 10),
		SuspiciousWindow:      getEnvDuration("SUSPICIOUS_WINDOW", time.Hour),
		SuspiciousPolicy:      normalizePolicy(getEnv("SUSPICIOUS_POLICY", defaultPolicy)),
		MaxKeyAttemptsPerDay:  getEnvInt("MAX_KEY_ATTEMPTS_PER_DAY", 0),
		TimestampSkew:         getEnvDuration("TIMESTAMP_SKEW", 5*time.Minute),
		MaxAdminLoginAttempts: getEnvInt("MAX_ADMIN_LOGIN_ATTEMPTS", 5),

		AuditBuffer:        getEnvInt("AUDIT_BUFFER", 1024),
		AuditRetentionDays: getEnvInt("AUDIT_RETENTION_DAYS", 90),
		ArchiveFTPHost:     getEnv("AUDIT_ARCHIVE_FTP_HOST", ""),
		ArchiveFTPPort:     getEnvInt("AUDIT_ARCHIVE_FTP_PORT", 21),
		ArchiveFTPUser:     getEnv("AUDIT_ARCHIVE_FTP_USER", ""),
		ArchiveFTPPassword: getEnv("AUDIT_ARCHIVE_FTP_PASSWORD", ""),
		ArchiveFTPPath:     getEnv("AUDIT_ARCHIVE_FTP_PATH", "/"),
	}
}

// IsProduction reports whether the server runs with production defaults
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func normalizePolicy(p string) string {
	if strings.EqualFold(p, PolicyBlock) {
		return PolicyBlock
	}
	return PolicyLog
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
