package logger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultSlowQuery is the latency above which a statement is logged as slow.
const DefaultSlowQuery = 200 * time.Millisecond

// SQL adapts gorm's logger interface onto the global zap logger under the
// "sql" name. Statements are logged at debug, slow ones at warn and failed
// ones at error. gorm.ErrRecordNotFound is not a failure.
type SQL struct {
	level gormlogger.LogLevel
	slow  time.Duration
}

// NewSQL creates a gorm logger at level. A slow threshold of zero disables
// slow statement reporting.
func NewSQL(level gormlogger.LogLevel, slow time.Duration) *SQL {
	return &SQL{level: level, slow: slow}
}

func (s *SQL) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *s
	cp.level = level
	return &cp
}

func (s *SQL) Info(_ context.Context, msg string, args ...any) {
	if s.level >= gormlogger.Info {
		Named("sql").Info(fmt.Sprintf(msg, args...))
	}
}

func (s *SQL) Warn(_ context.Context, msg string, args ...any) {
	if s.level >= gormlogger.Warn {
		Named("sql").Warn(fmt.Sprintf(msg, args...))
	}
}

func (s *SQL) Error(_ context.Context, msg string, args ...any) {
	if s.level >= gormlogger.Error {
		Named("sql").Error(fmt.Sprintf(msg, args...))
	}
}

func (s *SQL) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if s.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	slow := s.slow > 0 && elapsed > s.slow

	if !failed && !slow && s.level < gormlogger.Info {
		return
	}
	query, rows := fc()
	fields := []zap.Field{
		zap.Duration("latency", elapsed),
		zap.Int64("rows", rows),
		zap.String("query", query),
	}
	lg := Named("sql").WithOptions(zap.WithCaller(false))
	switch {
	case failed && s.level >= gormlogger.Error:
		lg.Error("query failed", append(fields, zap.Error(err))...)
	case slow && s.level >= gormlogger.Warn:
		lg.Warn("slow query", append(fields, zap.Duration("threshold", s.slow))...)
	case s.level >= gormlogger.Info:
		lg.Debug("query", fields...)
	}
}
