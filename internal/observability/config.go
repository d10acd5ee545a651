package observability

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/recurring/internal/config"
	"github.com/smallbiznis/recurring/internal/observability/logger"
	gormlogger "gorm.io/gorm/logger"
)

const (
	defaultSamplingRatio = 0.1
	defaultSlowQuery     = 200 * time.Millisecond
)

// Config holds the logging, tracing and SQL logging settings of the engine.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64

	// SQLLogLevel is one of silent, error, warn or info.
	SQLLogLevel string
	SlowQuery   time.Duration
	LogNotFound bool
}

type lookupFunc func(key string) (string, bool)

func LoadConfig(cfg config.Config) Config {
	return loadConfig(cfg, os.LookupEnv)
}

// loadConfig layers the observability env vars over the app config and
// normalizes every value to something the providers accept.
func loadConfig(cfg config.Config, lookup lookupFunc) Config {
	env := envReader{lookup: lookup}

	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "recurring"
	}

	protocol := env.lower("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := env.lower("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", ""); traces != "" {
		protocol = traces
	}
	if protocol != "http" {
		protocol = "grpc"
	}

	endpoint := env.str("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)

	return Config{
		ServiceName:          serviceName,
		Environment:          env.str("DEPLOYMENT_ENV", cfg.Environment),
		Version:              env.str("SERVICE_VERSION", cfg.AppVersion),
		LogLevel:             env.lower("LOG_LEVEL", "info"),
		LogFormat:            oneOf(env.lower("LOG_FORMAT", "json"), "json", "console"),
		OtelEnabled:          env.boolean("OTEL_ENABLED", true) && endpoint != "",
		OtelExporterEndpoint: endpoint,
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    clampRatio(env.float("OTEL_SAMPLING_RATIO", defaultSamplingRatio)),
		SQLLogLevel:          oneOf(env.lower("DB_LOG_LEVEL", "warn"), "warn", "silent", "error", "info"),
		SlowQuery:            env.duration("DB_SLOW_QUERY_THRESHOLD", defaultSlowQuery),
		LogNotFound:          env.boolean("DB_LOG_RECORD_NOT_FOUND", true),
	}
}

func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	return isDevEnv(c.Environment)
}

// GormLogger maps the SQL settings onto the gorm logger. Debug mode raises
// the level to info so every statement is logged.
func (c Config) GormLogger() logger.GormLoggerConfig {
	level := gormlogger.Warn
	switch c.SQLLogLevel {
	case "silent":
		level = gormlogger.Silent
	case "error":
		level = gormlogger.Error
	case "info":
		level = gormlogger.Info
	}
	if c.Debug() && level < gormlogger.Info {
		level = gormlogger.Info
	}

	slow := c.SlowQuery
	if slow <= 0 {
		slow = defaultSlowQuery
	}
	return logger.GormLoggerConfig{
		Level:                level,
		SlowThreshold:        slow,
		IgnoreRecordNotFound: !c.LogNotFound,
	}
}

func isDevEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func clampRatio(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// oneOf returns value when it is allowed, else the first allowed value.
func oneOf(value string, allowed ...string) string {
	for _, a := range allowed {
		if value == a {
			return value
		}
	}
	return allowed[0]
}

type envReader struct {
	lookup lookupFunc
}

func (e envReader) str(key, def string) string {
	if value, ok := e.lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(def)
}

func (e envReader) lower(key, def string) string {
	return strings.ToLower(e.str(key, def))
}

func (e envReader) boolean(key string, def bool) bool {
	switch e.lower(key, "") {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func (e envReader) float(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(e.str(key, ""), 64)
	if err != nil {
		return def
	}
	return parsed
}

func (e envReader) duration(key string, def time.Duration) time.Duration {
	parsed, err := time.ParseDuration(e.str(key, ""))
	if err != nil {
		return def
	}
	return parsed
}
