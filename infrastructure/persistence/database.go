package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/IAlready8/RealMultiLLM-sub007/domain/analytics"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DatabaseManager owns the GORM connection and the invocation repository.
type DatabaseManager struct {
	db   *gorm.DB
	repo analytics.InvocationRepository
}

func NewDatabaseManager() *DatabaseManager {
	return &DatabaseManager{}
}

// Connect establishes the database connection and initializes repositories.
func (dm *DatabaseManager) Connect(ctx context.Context, dsn string) error {
	logrus.Info("Connecting to PostgreSQL database...")

	gormLogger := logger.New(
		logrus.StandardLogger(),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	dm.db = db
	dm.repo = NewInvocationRepository(db)

	logrus.Info("Successfully connected to PostgreSQL database")
	return nil
}

// Close closes the database connection.
func (dm *DatabaseManager) Close() error {
	if dm.db == nil {
		return nil
	}

	sqlDB, err := dm.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB for close: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	logrus.Info("Database connection closed")
	return nil
}

// Migrate creates the invocations table and its indexes.
func (dm *DatabaseManager) Migrate() error {
	if dm.db == nil {
		return fmt.Errorf("database connection not established")
	}

	logrus.Info("Running database migrations...")

	if err := dm.db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error; err != nil {
		return fmt.Errorf("failed to create pgcrypto extension: %w", err)
	}

	if err := dm.db.Exec(`
		CREATE TABLE IF NOT EXISTS invocation_records (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			caller_key VARCHAR(255),
			provider VARCHAR(64) NOT NULL,
			model VARCHAR(255),
			is_streaming BOOLEAN DEFAULT false,
			status VARCHAR(32) NOT NULL,
			tokens_used INTEGER DEFAULT 0,
			latency_ms BIGINT DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		)
	`).Error; err != nil {
		return fmt.Errorf("failed to create invocation_records table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_invocation_records_provider ON invocation_records(provider)`,
		`CREATE INDEX IF NOT EXISTS idx_invocation_records_status ON invocation_records(status)`,
		`CREATE INDEX IF NOT EXISTS idx_invocation_records_caller_key ON invocation_records(caller_key)`,
		`CREATE INDEX IF NOT EXISTS idx_invocation_records_created_at ON invocation_records(created_at DESC)`,
	}
	for _, idx := range indexes {
		if err := dm.db.Exec(idx).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	logrus.Info("Database migrations completed")
	return nil
}

// Health checks database connectivity.
func (dm *DatabaseManager) Health(ctx context.Context) error {
	if dm.db == nil {
		return fmt.Errorf("database connection not established")
	}

	sqlDB, err := dm.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Repository returns the invocation repository.
func (dm *DatabaseManager) Repository() analytics.InvocationRepository {
	return dm.repo
}
