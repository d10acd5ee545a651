package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process configuration read from the environment.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OpsAddr    string
	CronSecret string

	PaymentProvider string
	StripeSecretKey string

	Scheduler SchedulerConfig
}

// SchedulerConfig carries the env overrides for the scheduler loop.
type SchedulerConfig struct {
	Trigger      string
	Interval     time.Duration
	CronSpec     string
	BatchSize    int
	Workers      int
	JobTimeout   time.Duration
	EnabledJobs  []string
	TickLockTTL  time.Duration
	NodeID       int64
	RunOnStartup bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:      getenv("APP_SERVICE", "recurring"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "recurring"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		OpsAddr:    getenv("OPS_HTTP_ADDR", ":8081"),
		CronSecret: strings.TrimSpace(getenv("CRON_SECRET", "")),

		PaymentProvider: strings.ToLower(strings.TrimSpace(getenv("PAYMENT_PROVIDER", "disabled"))),
		StripeSecretKey: strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),

		Scheduler: SchedulerConfig{
			Trigger:      strings.ToLower(strings.TrimSpace(getenv("SCHEDULER_TRIGGER", "interval"))),
			Interval:     getenvDuration("SCHEDULER_RUN_INTERVAL", time.Hour),
			CronSpec:     strings.TrimSpace(getenv("SCHEDULER_CRON", "")),
			BatchSize:    getenvInt("SCHEDULER_BATCH_SIZE", 0),
			Workers:      getenvInt("SCHEDULER_WORKERS", 0),
			JobTimeout:   getenvDuration("SCHEDULER_JOB_TIMEOUT", 0),
			EnabledJobs:  parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
			TickLockTTL:  getenvDuration("SCHEDULER_TICK_LOCK_TTL", 0),
			NodeID:       getenvInt64("SNOWFLAKE_NODE_ID", 1),
			RunOnStartup: getenvBool("SCHEDULER_RUN_ON_STARTUP", true),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
