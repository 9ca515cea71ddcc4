package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationSeedSampleNotes = "2024-06-01_seed_sample_notes"

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
		{name: migrationSeedSampleNotes, apply: seedSampleNotes},
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

// seedSampleNotes inserts the starter notes into an empty sample table.
func seedSampleNotes(db *gorm.DB) error {
	var count int64
	if err := db.Model(&notes.SampleNote{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	rows := notes.SampleRows(notes.DefaultSamples(time.Now().UTC()))
	return db.Create(&rows).Error
}
