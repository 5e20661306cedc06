package store

import (
	"time"

	"gorm.io/gorm"
)

// PlaybackRecord is the resume point for one item. ItemRef is unique: a new
// write for the same item overwrites the previous record, never merges.
type PlaybackRecord struct {
	ID            uint      `gorm:"primaryKey"`
	ItemRef       string    `gorm:"not null;uniqueIndex"`
	PositionMS    int64     `gorm:"not null"`
	DurationMS    int64     `gorm:"not null"`
	PlayedPercent float64   `gorm:"not null"`
	SavedAt       time.Time `gorm:"index;default:CURRENT_TIMESTAMP"`
}

// TableName overrides the table name
func (PlaybackRecord) TableName() string {
	return "playback_records"
}

// QueueSnapshot is the single-row persisted copy of the live queue, written
// on pause/item change/stop so a later process can restore the session.
type QueueSnapshot struct {
	ID           uint      `gorm:"primaryKey"`
	ItemsJSON    string    `gorm:"not null"` // identity-order queue items
	CurrentIndex int       `gorm:"not null"`
	Shuffle      bool      `gorm:"default:false"`
	OrderJSON    string    `gorm:""` // shuffle permutation, empty when off
	RepeatMode   string    `gorm:"not null;default:'off'"`
	PositionMS   int64     `gorm:"not null"`
	SavedAt      time.Time `gorm:"default:CURRENT_TIMESTAMP"`
}

// TableName overrides the table name
func (QueueSnapshot) TableName() string {
	return "queue_snapshots"
}

// Migrate runs database migrations
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&PlaybackRecord{},
		&QueueSnapshot{},
	)
}
