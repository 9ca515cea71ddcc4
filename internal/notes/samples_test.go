package notes

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustSampleRepository(t *testing.T) *SampleRepository {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "samples.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&SampleNote{}); err != nil {
		t.Fatalf("failed to migrate sample schema: %v", err)
	}
	repository, err := NewSampleRepository(SampleRepositoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	return repository
}

func TestNewSampleRepositoryRequiresDatabase(t *testing.T) {
	_, err := NewSampleRepository(SampleRepositoryConfig{})
	if err == nil {
		t.Fatalf("expected error without database")
	}
	serviceErr, ok := err.(*ServiceError)
	if !ok {
		t.Fatalf("expected ServiceError, got %T", err)
	}
	if serviceErr.Code() != "notes.samples.new.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func TestSampleRepositorySaveReplacesSnapshot(t *testing.T) {
	repository := mustSampleRepository(t)
	ctx := context.Background()
	now := time.UnixMilli(1700000000123).UTC()

	samples := DefaultSamples(now)
	if err := repository.Save(ctx, samples); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	edited := samples[1:]
	edited[0].Title = "Edited"
	edited[0].UpdatedAt = now.Add(time.Minute)
	if err := repository.Save(ctx, edited); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := repository.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected snapshot of 2 notes, got %d", len(loaded))
	}
	if loaded[0].ID != "sample-note-2" || loaded[0].Title != "Edited" {
		t.Fatalf("unexpected first sample %#v", loaded[0])
	}
	if !loaded[0].UpdatedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected updatedAt to survive persistence, got %v", loaded[0].UpdatedAt)
	}
	for _, note := range loaded {
		if !note.IsLocalSample {
			t.Fatalf("loaded note %s must be flagged as local sample", note.ID)
		}
	}
}
