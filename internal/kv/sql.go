package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is the row backing SQLStore.
type Entry struct {
	Key       string     `gorm:"column:entry_key;primaryKey;size:512;not null"`
	Value     []byte     `gorm:"column:entry_value;not null"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index:idx_kv_entries_expires_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "kv_entries"
}

const (
	columnEntryKey  = "entry_key"
	columnExpiresAt = "expires_at"
	queryLive       = "(expires_at IS NULL OR expires_at > ?)"
)

// SQLStore implements Store on a relational table through gorm.
// The schema is expected to be migrated by the caller (see internal/database).
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLStore wraps an open gorm connection.
func NewSQLStore(db *gorm.DB, clock func() time.Time) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sql store: database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: db, clock: clock}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var entry Entry
	err := s.db.WithContext(ctx).
		Where(columnEntryKey+" = ?", key).
		Where(queryLive, s.clock().UTC()).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting entry: %w", err)
	}
	return entry.Value, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.clock().UTC()
	entry := Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		UpdatedAt: now,
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		entry.ExpiresAt = &expiresAt
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnEntryKey}},
			DoUpdates: clause.AssignmentColumns([]string{"entry_value", columnExpiresAt, "updated_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("upserting entry: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where(columnEntryKey+" = ?", key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	query := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where(queryLive, s.clock().UTC()).
		Order(columnEntryKey + " ASC")
	if prefix != "" {
		// A key range rather than LIKE: ids contain '_' which LIKE treats as a wildcard.
		query = query.Where(columnEntryKey+" >= ?", prefix)
		if upper := prefixUpperBound(prefix); upper != "" {
			query = query.Where(columnEntryKey+" < ?", upper)
		}
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	keys := make([]string, 0)
	if err := query.Pluck(columnEntryKey, &keys).Error; err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	return keys, nil
}

// PurgeExpired deletes up to limit rows whose expiry has passed (all of them when limit <= 0)
// and returns how many were removed.
func (s *SQLStore) PurgeExpired(ctx context.Context, limit int) (int, error) {
	query := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where(columnExpiresAt+" IS NOT NULL AND "+columnExpiresAt+" <= ?", s.clock().UTC()).
		Order(columnEntryKey)
	if limit > 0 {
		query = query.Limit(limit)
	}
	var keys []string
	if err := query.Pluck(columnEntryKey, &keys).Error; err != nil {
		return 0, fmt.Errorf("selecting expired entries: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Where(columnEntryKey+" IN ?", keys).Delete(&Entry{})
	if result.Error != nil {
		return 0, fmt.Errorf("purging expired entries: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}
