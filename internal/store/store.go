// Package store is the local persistence adapter: playback resume records and
// queue snapshots in a SQLite database, so resume works fully offline.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/justchokingaround/playcore/pkg/media"
)

// Options configures the store.
type Options struct {
	Path           string
	MaxConnections int
	WALMode        bool
}

// Store is the local record store.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at opts.Path and runs
// migrations.
func Open(opts Options) (*Store, error) {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 4
	}

	dbDir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(opts.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxConnections)
	sqlDB.SetMaxIdleConns(opts.MaxConnections / 2)

	if opts.WALMode {
		if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SavePlayback upserts the resume record for an item. Last write wins.
func (s *Store) SavePlayback(rec media.PlaybackRecord) error {
	if rec.ItemRef == "" {
		return fmt.Errorf("playback record needs an item ref")
	}

	row := PlaybackRecord{
		ItemRef:       rec.ItemRef,
		PositionMS:    rec.Position.Milliseconds(),
		DurationMS:    rec.Duration.Milliseconds(),
		PlayedPercent: rec.PlayedPercent,
		SavedAt:       rec.SavedAt,
	}
	if row.SavedAt.IsZero() {
		row.SavedAt = time.Now()
	}

	var existing PlaybackRecord
	err := s.db.Where("item_ref = ?", rec.ItemRef).First(&existing).Error
	if err == nil {
		row.ID = existing.ID
		return s.db.Save(&row).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return s.db.Create(&row).Error
}

// LoadPlayback returns the resume record for an item, or nil when none exists.
func (s *Store) LoadPlayback(itemRef string) (*media.PlaybackRecord, error) {
	var row PlaybackRecord
	err := s.db.Where("item_ref = ?", itemRef).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load playback record: %w", err)
	}
	rec := toMedia(row)
	return &rec, nil
}

// ListPlayback returns all resume records, most recent first.
func (s *Store) ListPlayback(limit int) ([]media.PlaybackRecord, error) {
	query := s.db.Model(&PlaybackRecord{}).Order("saved_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []PlaybackRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list playback records: %w", err)
	}

	recs := make([]media.PlaybackRecord, len(rows))
	for i, row := range rows {
		recs[i] = toMedia(row)
	}
	return recs, nil
}

// DeletePlayback removes the resume record for an item.
func (s *Store) DeletePlayback(itemRef string) error {
	return s.db.Where("item_ref = ?", itemRef).Delete(&PlaybackRecord{}).Error
}

// PruneIncomplete removes partially played records older than the cutoff and
// returns how many were deleted. Fully played records are kept for history.
func (s *Store) PruneIncomplete(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.db.Where("played_percent < ? AND saved_at < ?", 95.0, cutoff).
		Delete(&PlaybackRecord{})
	return result.RowsAffected, result.Error
}

// SaveQueueSnapshot overwrites the persisted queue snapshot.
func (s *Store) SaveQueueSnapshot(snap media.QueueSnapshot) error {
	itemsJSON, err := json.Marshal(snap.Items)
	if err != nil {
		return fmt.Errorf("failed to encode queue items: %w", err)
	}
	orderJSON := ""
	if snap.Shuffle {
		raw, err := json.Marshal(snap.ShuffleOrder)
		if err != nil {
			return fmt.Errorf("failed to encode shuffle order: %w", err)
		}
		orderJSON = string(raw)
	}

	row := QueueSnapshot{
		ID:           1,
		ItemsJSON:    string(itemsJSON),
		CurrentIndex: snap.CurrentIndex,
		Shuffle:      snap.Shuffle,
		OrderJSON:    orderJSON,
		RepeatMode:   string(snap.Repeat),
		PositionMS:   snap.Position.Milliseconds(),
		SavedAt:      snap.SavedAt,
	}
	if row.SavedAt.IsZero() {
		row.SavedAt = time.Now()
	}
	return s.db.Save(&row).Error
}

// LoadQueueSnapshot returns the persisted snapshot, or nil when none exists.
func (s *Store) LoadQueueSnapshot() (*media.QueueSnapshot, error) {
	var row QueueSnapshot
	err := s.db.First(&row, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue snapshot: %w", err)
	}

	snap := media.QueueSnapshot{
		CurrentIndex: row.CurrentIndex,
		Shuffle:      row.Shuffle,
		Repeat:       media.RepeatMode(row.RepeatMode),
		Position:     time.Duration(row.PositionMS) * time.Millisecond,
		SavedAt:      row.SavedAt,
	}
	if err := json.Unmarshal([]byte(row.ItemsJSON), &snap.Items); err != nil {
		return nil, fmt.Errorf("failed to decode queue items: %w", err)
	}
	if row.Shuffle && row.OrderJSON != "" {
		if err := json.Unmarshal([]byte(row.OrderJSON), &snap.ShuffleOrder); err != nil {
			return nil, fmt.Errorf("failed to decode shuffle order: %w", err)
		}
	}
	return &snap, nil
}

// ClearQueueSnapshot removes the persisted snapshot.
func (s *Store) ClearQueueSnapshot() error {
	return s.db.Delete(&QueueSnapshot{}, 1).Error
}

func toMedia(row PlaybackRecord) media.PlaybackRecord {
	return media.PlaybackRecord{
		ItemRef:       row.ItemRef,
		Position:      time.Duration(row.PositionMS) * time.Millisecond,
		Duration:      time.Duration(row.DurationMS) * time.Millisecond,
		PlayedPercent: row.PlayedPercent,
		SavedAt:       row.SavedAt,
	}
}
