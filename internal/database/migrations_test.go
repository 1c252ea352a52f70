package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/kv"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsLowercasesUserIndexes(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&kv.Entry{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	seed := []kv.Entry{
		{Key: "user_email:Ada@Example.com", Value: []byte("usr_1"), UpdatedAt: now},
		{Key: "user_username:Grace", Value: []byte("usr_2"), UpdatedAt: now},
		{Key: "user_username:grace", Value: []byte("usr_3"), UpdatedAt: now},
		{Key: "course:Crs_Mixed", Value: []byte(`{}`), UpdatedAt: now},
		{Key: "transcription:trn_old", Value: []byte(`{}`), ExpiresAt: &past, UpdatedAt: now},
	}
	if err := database.Create(&seed).Error; err != nil {
		testContext.Fatalf("failed to seed entries: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	store, err := kv.NewSQLStore(database, nil)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	ctx := context.Background()
	expectations := map[string]string{
		"user_email:ada@example.com": "usr_1",
		"user_username:grace":        "usr_3",
		"course:Crs_Mixed":           "{}",
	}
	for key, want := range expectations {
		value, err := store.Get(ctx, key)
		if err != nil {
			testContext.Fatalf("expected %s to exist: %v", key, err)
		}
		if string(value) != want {
			testContext.Fatalf("unexpected value for %s: %s", key, value)
		}
	}

	var remaining int64
	if err := database.Model(&kv.Entry{}).Count(&remaining).Error; err != nil {
		testContext.Fatalf("failed to count entries: %v", err)
	}
	if remaining != int64(len(expectations)) {
		testContext.Fatalf("expected %d entries after migration, got %d", len(expectations), remaining)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationLowercaseUserIndexes).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "once.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	now := time.Now().UTC()
	if err := database.Create(&kv.Entry{Key: "user_email:Late@Example.com", Value: []byte("usr_9"), UpdatedAt: now}).Error; err != nil {
		testContext.Fatalf("failed to seed entry: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	var entry kv.Entry
	if err := database.Where("entry_key = ?", "user_email:Late@Example.com").Take(&entry).Error; err != nil {
		testContext.Fatalf("expected recorded migration to be skipped: %v", err)
	}
}
