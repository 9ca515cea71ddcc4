package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsSeedsSampleNotesOnce(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&notes.SampleNote{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var count int64
	if err := database.Model(&notes.SampleNote{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count samples: %v", err)
	}
	if count != 3 {
		testContext.Fatalf("expected 3 seeded samples, got %d", count)
	}

	if err := database.Where("note_id = ?", "sample-note-2").Delete(&notes.SampleNote{}).Error; err != nil {
		testContext.Fatalf("failed to delete sample: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to reapply migrations: %v", err)
	}
	if err := database.Model(&notes.SampleNote{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count samples: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("deleted samples must stay deleted, got %d", count)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationSeedSampleNotes).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteServesSampleRepository(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "peer.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	repository, err := notes.NewSampleRepository(notes.SampleRepositoryConfig{Database: database})
	if err != nil {
		testContext.Fatalf("failed to build repository: %v", err)
	}
	samples, err := repository.Load(context.Background())
	if err != nil {
		testContext.Fatalf("failed to load samples: %v", err)
	}
	if len(samples) != 3 || samples[0].ID != "sample-note-1" || !samples[0].IsLocalSample {
		testContext.Fatalf("unexpected samples %+v", samples)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
