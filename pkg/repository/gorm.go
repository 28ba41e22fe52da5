package repository

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/looplab/loopcore/pkg/config"
	"github.com/looplab/loopcore/pkg/models"
)

// Open connects to the configured database and migrates the schema
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	if cfg.Type == "postgres" {
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	} else {
		db, err = gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Conservative pool for SQLite, wider for Postgres
	if cfg.Type == "postgres" {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
	} else {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(10)
	}

	if err := db.AutoMigrate(
		&models.Meeting{},
		&models.Membership{},
		&models.Presence{},
		&models.PendingMutation{},
		&models.ConflictRecord{},
		&models.ChangeEvent{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return db, nil
}

// NewGormRegistry builds a store registry backed by gorm
func NewGormRegistry(db *gorm.DB) *Registry {
	feed := newChangeFeed(func(ctx context.Context, fromSeq int64) ([]models.ChangeEvent, error) {
		var events []models.ChangeEvent
		err := db.WithContext(ctx).
			Where("seq > ?", fromSeq).
			Order("seq asc").
			Find(&events).Error
		return events, err
	})

	return &Registry{
		Meetings:    &gormMeetingStore{db: db, feed: feed},
		Memberships: &gormMembershipStore{db: db, feed: feed},
		Presence:    &gormPresenceStore{db: db, feed: feed},
		Mutations:   &gormMutationStore{db: db},
		Conflicts:   &gormConflictStore{db: db},
		Feed:        feed,
	}
}
