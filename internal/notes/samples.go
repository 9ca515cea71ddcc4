package notes

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opSamplesNew  = "notes.samples.new"
	opSamplesLoad = "notes.samples.load"
	opSamplesSave = "notes.samples.save"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// SampleNote stores one local-only note of the pre-seeded sample set.
type SampleNote struct {
	NoteID            string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Position          int    `gorm:"column:position;not null;default:0"`
	Title             string `gorm:"column:title;type:text;not null"`
	Content           string `gorm:"column:content;type:text;not null"`
	OwnerID           string `gorm:"column:owner_id;size:190;not null;default:''"`
	CollaboratorsJSON string `gorm:"column:collaborators_json;type:text;not null;default:'[]'"`
	Version           int64  `gorm:"column:version;not null;default:1"`
	LastEditBy        string `gorm:"column:last_edit_by;size:190;not null;default:''"`
	CreatedAtMillis   int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis   int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SampleNote) TableName() string {
	return "sample_notes"
}

// DefaultSamples returns the notes seeded on first start.
func DefaultSamples(now time.Time) []Note {
	build := func(id, title, content string) Note {
		return Note{
			ID:            NoteID(id),
			Title:         title,
			Content:       content,
			Collaborators: []UserID{},
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
			IsLocalSample: true,
		}
	}
	return []Note{
		build("sample-note-1", "Welcome to Collaborative Notes",
			"This is a sample note to help you get started. You can edit this note but not share it with others."),
		build("sample-note-2", "How to Use This App",
			"1. Create a new note with the + button\n2. Edit your note in the editor\n3. Share notes with others (only for newly created notes)\n\nEnjoy collaborating!"),
		build("sample-note-3", "Features Overview",
			"- Real-time collaboration\n- Peer-to-peer sharing\n- Local storage\n- Version control\n\nNote: This is a sample note and cannot be shared."),
	}
}

// SampleRepositoryConfig describes the dependencies of the sample repository.
type SampleRepositoryConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// SampleRepository persists the local-only sample notes as a single snapshot.
type SampleRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSampleRepository validates the configuration and returns a repository.
func NewSampleRepository(cfg SampleRepositoryConfig) (*SampleRepository, error) {
	if cfg.Database == nil {
		return nil, NewServiceError(opSamplesNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SampleRepository{db: cfg.Database, logger: logger}, nil
}

// Load returns the stored sample notes in their original order.
func (r *SampleRepository) Load(ctx context.Context) ([]Note, error) {
	var rows []SampleNote
	if err := r.db.WithContext(ctx).Order("position ASC").Find(&rows).Error; err != nil {
		r.logError(opSamplesLoad, "query_failed", err)
		return nil, NewServiceError(opSamplesLoad, "query_failed", err)
	}

	loaded := make([]Note, 0, len(rows))
	for _, row := range rows {
		collaborators := []UserID{}
		if row.CollaboratorsJSON != "" {
			if err := json.Unmarshal([]byte(row.CollaboratorsJSON), &collaborators); err != nil {
				r.logError(opSamplesLoad, "collaborators_invalid", err, zap.String("note_id", row.NoteID))
				return nil, NewServiceError(opSamplesLoad, "collaborators_invalid", err)
			}
		}
		loaded = append(loaded, Note{
			ID:            NoteID(row.NoteID),
			Title:         row.Title,
			Content:       row.Content,
			OwnerID:       UserID(row.OwnerID),
			Collaborators: collaborators,
			Version:       row.Version,
			CreatedAt:     time.UnixMilli(row.CreatedAtMillis).UTC(),
			UpdatedAt:     time.UnixMilli(row.UpdatedAtMillis).UTC(),
			LastEditBy:    UserID(row.LastEditBy),
			IsLocalSample: true,
		})
	}
	return loaded, nil
}

// Save replaces the stored snapshot with the provided notes.
func (r *SampleRepository) Save(ctx context.Context, samples []Note) error {
	rows := make([]SampleNote, 0, len(samples))
	for index, note := range samples {
		rows = append(rows, sampleRow(index, note))
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&SampleNote{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		r.logError(opSamplesSave, "snapshot_write_failed", err, zap.Int("count", len(rows)))
		return NewServiceError(opSamplesSave, "snapshot_write_failed", err)
	}
	return nil
}

// SampleRows converts notes into rows, used by the seed migration.
func SampleRows(samples []Note) []SampleNote {
	rows := make([]SampleNote, 0, len(samples))
	for index, note := range samples {
		rows = append(rows, sampleRow(index, note))
	}
	return rows
}

func sampleRow(position int, note Note) SampleNote {
	collaborators := note.Collaborators
	if collaborators == nil {
		collaborators = []UserID{}
	}
	encoded, _ := json.Marshal(collaborators)
	return SampleNote{
		NoteID:            note.ID.String(),
		Position:          position,
		Title:             note.Title,
		Content:           note.Content,
		OwnerID:           note.OwnerID.String(),
		CollaboratorsJSON: string(encoded),
		Version:           note.Version,
		LastEditBy:        note.LastEditBy.String(),
		CreatedAtMillis:   note.CreatedAt.UnixMilli(),
		UpdatedAtMillis:   note.UpdatedAt.UnixMilli(),
	}
}

func (r *SampleRepository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("sample repository error", attrs...)
}
