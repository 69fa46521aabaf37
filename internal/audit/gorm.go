package audit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"yqhp/taskbus/pkg/logger"
)

// Config holds the audit database settings.
type Config struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	Driver          string `yaml:"driver" env:"DRIVER"` // mysql, postgres
	Host            string `yaml:"host" env:"HOST"`
	Port            int    `yaml:"port" env:"PORT"`
	Username        string `yaml:"username" env:"USERNAME"`
	Password        string `yaml:"password" env:"PASSWORD"`
	Database        string `yaml:"database" env:"DATABASE"`
	Charset         string `yaml:"charset" env:"CHARSET"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"` // seconds
	AutoMigrate     bool   `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	Workers         int    `yaml:"workers" env:"WORKERS"`
}

// Dialector builds the gorm dialector for the configured driver.
func Dialector(cfg *Config) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "mysql":
		charset := cfg.Charset
		if charset == "" {
			charset = "utf8mb4"
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			cfg.Username,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.Database,
			charset,
		)
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host,
			cfg.Port,
			cfg.Username,
			cfg.Password,
			cfg.Database,
		)
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Open connects to the audit database.
func Open(cfg *Config) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewSQL(gormlogger.Warn, logger.DefaultSlowQuery),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&Event{}); err != nil {
			return nil, fmt.Errorf("migrate audit table: %w", err)
		}
	}
	return db, nil
}

// GormSink writes events to a database on a worker pool so recording
// never waits on the database. Events are dropped when every worker is
// busy.
type GormSink struct {
	db      *gorm.DB
	pool    *ants.Pool
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewGormSink creates a sink writing through db with the given number of
// workers.
func NewGormSink(db *gorm.DB, workers int) (*GormSink, error) {
	if workers <= 0 {
		workers = 4
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true), ants.WithPanicHandler(func(r interface{}) {
		logger.Error("audit writer panic", zap.Any("panic", r))
	}))
	if err != nil {
		return nil, fmt.Errorf("create audit pool: %w", err)
	}
	return &GormSink{db: db, pool: pool}, nil
}

// Record implements Sink.
func (s *GormSink) Record(event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	err := s.pool.Submit(func() {
		if err := s.db.WithContext(context.Background()).Create(&event).Error; err != nil {
			s.failed.Add(1)
			logger.Warn("audit write failed",
				zap.String("activity", event.Activity),
				zap.String("task_id", event.TaskID),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		s.dropped.Add(1)
		if !errors.Is(err, ants.ErrPoolOverload) {
			logger.Warn("audit event dropped", zap.String("activity", event.Activity), zap.Error(err))
		}
	}
}

// Dropped returns the number of events dropped because the pool was busy
// or closed.
func (s *GormSink) Dropped() int64 {
	return s.dropped.Load()
}

// Failed returns the number of events the database rejected.
func (s *GormSink) Failed() int64 {
	return s.failed.Load()
}

// Close waits up to timeout for pending writes and releases the pool.
func (s *GormSink) Close(timeout time.Duration) error {
	return s.pool.ReleaseTimeout(timeout)
}

var _ Sink = (*GormSink)(nil)
