// Package persist is the fire-and-forget sideline for finalized estimates.
// The session engine never waits on it and never retries; a failed write is
// logged by the caller and the room moves on.
package persist

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// FinalizedItem is the record emitted when a work item reaches its final
// estimate. VoteSnapshot is the revealed vote set, JSON-encoded.
type FinalizedItem struct {
	ID            uint   `gorm:"primaryKey"`
	SessionCode   string `gorm:"index"`
	ItemID        string `gorm:"index"`
	ItemTitle     string
	FinalEstimate string
	VoteSnapshot  string `gorm:"type:jsonb"`
	FinalizedAt   time.Time
}

type Sink interface {
	SaveFinalized(ctx context.Context, rec FinalizedItem) error
}

// Store persists finalize records to Postgres via gorm.
type Store struct {
	db *gorm.DB
}

func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&FinalizedItem{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveFinalized(ctx context.Context, rec FinalizedItem) error {
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Nop discards records; used when no database is configured.
type Nop struct{}

func (Nop) SaveFinalized(context.Context, FinalizedItem) error { return nil }
