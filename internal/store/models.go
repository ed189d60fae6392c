package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Room is a room the user has joined at least once.
type Room struct {
	ID           uint   `gorm:"primaryKey"`
	Topic        string `gorm:"uniqueIndex;not null"`
	Name         string
	Description  string
	LastJoinedAt time.Time `gorm:"index"`
	CreatedAt    time.Time
}

// Transfer is the latest known state of one transfer with one peer.
type Transfer struct {
	ID             uint   `gorm:"primaryKey"`
	TransferID     string `gorm:"uniqueIndex:idx_transfer_peer;not null"`
	ConnID         string `gorm:"uniqueIndex:idx_transfer_peer"`
	Direction      string `gorm:"uniqueIndex:idx_transfer_peer;not null"`
	Topic          string `gorm:"index"`
	Filename       string
	FileSize       int64
	ChunkSize      int64
	TotalChunks    int
	Status         string
	SentChunks     int
	ReceivedChunks int
	PeerKey        string
	PeerName       string
	FilePath       string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Open opens the client database at path and migrates it. ":memory:" gives
// a private in-memory database.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases shared and writes serialized
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if err := db.AutoMigrate(&Room{}, &Transfer{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
