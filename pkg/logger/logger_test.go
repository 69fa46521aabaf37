package logger

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	t.Cleanup(Replace(zap.New(core)))
	return logs
}

func TestReplace(t *testing.T) {
	logs := observe(t)
	Info("hello", zap.String("k", "v"))
	Debug("details")

	require.Equal(t, 2, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "hello", entry.Message)
	assert.Equal(t, "v", entry.ContextMap()["k"])
	assert.Equal(t, "sql", Named("sql").Name())
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskbus.log")
	l := New(&Config{Level: "warn", Format: "json", Output: "file", FilePath: path, MaxSize: 1})
	l.Info("dropped")
	l.Warn("kept")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"kept"`)
	assert.NotContains(t, string(data), "dropped")
}

func TestNewDefaultsToInfo(t *testing.T) {
	l := New(&Config{Level: "verbose"})
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestMiddleware(t *testing.T) {
	logs := observe(t)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(Middleware())
	app.Get("/ok", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/missing", func(c *fiber.Ctx) error { return fiber.ErrNotFound })
	app.Get("/boom", func(c *fiber.Ctx) error { return errors.New("boom") })

	for _, path := range []string{"/ok", "/missing", "/boom"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
		resp.Body.Close()
	}

	require.Equal(t, 3, logs.Len())
	levels := []zapcore.Level{}
	for _, e := range logs.All() {
		levels = append(levels, e.Level)
	}
	assert.Equal(t, []zapcore.Level{zapcore.DebugLevel, zapcore.WarnLevel, zapcore.ErrorLevel}, levels)
	assert.Equal(t, int64(404), logs.All()[1].ContextMap()["status"])
}

func TestSQLTrace(t *testing.T) {
	query := func() (string, int64) { return "SELECT 1", 1 }
	old := time.Now().Add(-time.Second)

	tests := []struct {
		name  string
		level gormlogger.LogLevel
		begin time.Time
		err   error
		want  string
	}{
		{"failed", gormlogger.Warn, time.Now(), errors.New("broken"), "query failed"},
		{"not found is not a failure", gormlogger.Warn, time.Now(), gorm.ErrRecordNotFound, ""},
		{"slow", gormlogger.Warn, old, nil, "slow query"},
		{"fast at warn", gormlogger.Warn, time.Now(), nil, ""},
		{"fast at info", gormlogger.Info, time.Now(), nil, "query"},
		{"silent", gormlogger.Silent, old, errors.New("broken"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := observe(t)
			NewSQL(gormlogger.Warn, DefaultSlowQuery).LogMode(tt.level).Trace(context.Background(), tt.begin, query, tt.err)
			if tt.want == "" {
				assert.Equal(t, 0, logs.Len())
				return
			}
			require.Equal(t, 1, logs.Len())
			assert.Equal(t, tt.want, logs.All()[0].Message)
			assert.Equal(t, "SELECT 1", logs.All()[0].ContextMap()["query"])
		})
	}
}
