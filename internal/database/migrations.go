package database

import (
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/kv"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLowercaseUserIndexes = "2025-06-01_lowercase_user_indexes"
	migrationPurgeExpiredEntries  = "2025-07-14_purge_expired_entries"
)

var lowercasedIndexPrefixes = []string{"user_email:", "user_username:"}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationLowercaseUserIndexes, apply: lowercaseUserIndexes},
		{name: migrationPurgeExpiredEntries, apply: purgeExpiredEntries},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// lowercaseUserIndexes rewrites email and username index keys written before lookups were
// case-insensitive. A key whose lowercase form already exists keeps the existing entry.
func lowercaseUserIndexes(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, prefix := range lowercasedIndexPrefixes {
			var entries []kv.Entry
			if err := tx.Where("entry_key LIKE ?", prefix+"%").Find(&entries).Error; err != nil {
				return err
			}
			for _, entry := range entries {
				lowered := strings.ToLower(entry.Key)
				if lowered == entry.Key {
					continue
				}
				var count int64
				if err := tx.Model(&kv.Entry{}).Where("entry_key = ?", lowered).Count(&count).Error; err != nil {
					return err
				}
				if count == 0 {
					moved := entry
					moved.Key = lowered
					if err := tx.Create(&moved).Error; err != nil {
						return err
					}
				}
				if err := tx.Where("entry_key = ?", entry.Key).Delete(&kv.Entry{}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func purgeExpiredEntries(db *gorm.DB) error {
	return db.Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now().UTC()).
		Delete(&kv.Entry{}).Error
}
