package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/careflow-go/pkg/config"
	"github.com/careflow-go/pkg/logger"
)

// DB wraps gorm with the settings the core relies on: UTC timestamps and
// translated driver errors, so duplicate-key detection works the same on
// postgres and on the sqlite used in tests.
type DB struct {
	*gorm.DB
}

func New(cfg config.DatabaseConfig, log logger.Logger) (*DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig(log))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database handle: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Wrap adapts an already-open gorm handle. Tests use it with sqlite.
func Wrap(db *gorm.DB) *DB {
	return &DB{DB: db}
}

// GormConfig is the shared gorm configuration. Exported so test helpers open
// sqlite with identical semantics.
func GormConfig() *gorm.Config { return gormConfig(logger.NewNop()) }

func gormConfig(log logger.Logger) *gorm.Config {
	return &gorm.Config{
		Logger:         newGormLogger(log),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	}
}

func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (db *DB) WithContext(ctx context.Context) *gorm.DB {
	return db.DB.WithContext(ctx)
}

func (db *DB) Transaction(fn func(*gorm.DB) error) error {
	return db.DB.Transaction(fn)
}
