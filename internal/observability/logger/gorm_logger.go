package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerConfig configures the GORM zap logger.
type GormLoggerConfig struct {
	Level                gormlogger.LogLevel
	SlowThreshold        time.Duration
	IgnoreRecordNotFound bool
}

// DefaultGormLoggerConfig is what tests and tools use when no observability
// config is wired.
func DefaultGormLoggerConfig() GormLoggerConfig {
	return GormLoggerConfig{
		Level:         gormlogger.Warn,
		SlowThreshold: 200 * time.Millisecond,
	}
}

// GormLogger routes gorm output through the request-scoped zap logger.
type GormLogger struct {
	cfg GormLoggerConfig
}

func NewGormLogger(cfg GormLoggerConfig) *GormLogger {
	return &GormLogger{cfg: cfg}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.cfg.Level = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zap.InfoLevel, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zap.WarnLevel, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zap.ErrorLevel, msg, data)
}

func (l *GormLogger) message(ctx context.Context, min gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.cfg.Level < min {
		return
	}
	fields := []zap.Field{zap.String("component", "gorm")}
	if len(data) > 0 {
		fields = append(fields, zap.Any("data", data))
	}
	if ce := FromContext(ctx).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Trace logs one statement at the level classify picks.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	level, ok := l.classify(elapsed, err)
	if !ok {
		return
	}

	sql, rows := fc()
	stmt := parseStatement(sql)
	fields := []zap.Field{
		zap.String("component", "gorm"),
		zap.String("sql", strings.TrimSpace(sql)),
		zap.String("operation", stmt.operation),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if stmt.table != "" {
		fields = append(fields, zap.String("table", stmt.table))
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if ce := FromContext(ctx).Check(level, "gorm.query"); ce != nil {
		ce.Write(fields...)
	}
}

// classify maps a statement outcome to a zap level. Unique violations are
// warnings: two workers materializing one cycle's order race on the
// billing_cycle_id index and the loser reads the winner's row. A missing
// record is a routine lookup miss and logs at debug.
func (l *GormLogger) classify(elapsed time.Duration, err error) (zapcore.Level, bool) {
	level := l.cfg.Level
	switch {
	case level <= gormlogger.Silent:
		return 0, false
	case errors.Is(err, gormlogger.ErrRecordNotFound):
		return zap.DebugLevel, !l.cfg.IgnoreRecordNotFound && level >= gormlogger.Error
	case err != nil && isUniqueViolation(err):
		return zap.WarnLevel, level >= gormlogger.Warn
	case err != nil:
		return zap.ErrorLevel, true
	case l.cfg.SlowThreshold > 0 && elapsed > l.cfg.SlowThreshold:
		return zap.WarnLevel, level >= gormlogger.Warn
	default:
		return zap.DebugLevel, level >= gormlogger.Info
	}
}

// ParamsFilter drops bound values; customer emails and amounts stay out of logs.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type statement struct {
	operation string
	table     string
}

// parseStatement finds the verb of a statement and the table it touches,
// skipping a leading WITH clause.
func parseStatement(sql string) statement {
	tokens := strings.Fields(strings.TrimSpace(sql))
	for i, token := range tokens {
		verb := strings.ToUpper(strings.Trim(token, "();"))
		var marker string
		switch verb {
		case "SELECT", "DELETE":
			marker = "FROM"
		case "INSERT":
			marker = "INTO"
		case "UPDATE":
			return statement{operation: verb, table: tableAt(tokens, i+1)}
		default:
			continue
		}
		for j := i + 1; j < len(tokens); j++ {
			if strings.EqualFold(tokens[j], marker) {
				return statement{operation: verb, table: tableAt(tokens, j+1)}
			}
		}
		return statement{operation: verb}
	}
	return statement{operation: "UNKNOWN"}
}

func tableAt(tokens []string, i int) string {
	if i >= len(tokens) {
		return ""
	}
	return strings.Trim(tokens[i], "\"`();")
}

var _ gormlogger.Interface = (*GormLogger)(nil)
