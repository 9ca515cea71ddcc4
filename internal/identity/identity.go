// Package identity persists the stable identity of the local peer.
package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	localSlot = 1

	opIdentityNew  = "identity.new"
	opIdentityLoad = "identity.load"
)

var (
	// ErrInvalidIdentity indicates that the stored identity cannot be used.
	ErrInvalidIdentity = errors.New("identity: invalid identity")
	errMissingDatabase = errors.New("database connection required")
)

// Record stores the local peer identity. The table holds a single row.
type Record struct {
	Slot        int       `gorm:"column:slot;primaryKey;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:64;not null"`
	Color       string    `gorm:"column:color;size:16;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the local identity.
func (Record) TableName() string {
	return "local_identity"
}

// ServiceConfig describes the dependencies of the identity service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider notes.IDProvider
	Random     *rand.Rand
	Logger     *zap.Logger
}

// Service loads the local identity, creating it on first run.
type Service struct {
	db     *gorm.DB
	ids    notes.IDProvider
	random *rand.Rand
	logger *zap.Logger
}

// NewService validates cfg and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, notes.NewServiceError(opIdentityNew, "missing_database", errMissingDatabase)
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = notes.NewUUIDProvider()
	}
	random := cfg.Random
	if random == nil {
		random = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, ids: ids, random: random, logger: logger}, nil
}

// LoadOrCreate returns the stored identity or generates and stores a new one.
func (s *Service) LoadOrCreate(ctx context.Context) (notes.ActiveUser, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("slot = ?", localSlot).Take(&record).Error
	if err == nil {
		userID, idErr := notes.NewUserID(record.UserID)
		if idErr != nil {
			return notes.ActiveUser{}, notes.NewServiceError(opIdentityLoad, "invalid_record", errors.Join(ErrInvalidIdentity, idErr))
		}
		return notes.ActiveUser{ID: userID, Name: record.DisplayName, Color: record.Color}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Error("identity lookup failed", zap.String("operation", opIdentityLoad), zap.Error(err))
		return notes.ActiveUser{}, notes.NewServiceError(opIdentityLoad, "query_failed", err)
	}

	user, err := s.generate()
	if err != nil {
		return notes.ActiveUser{}, err
	}
	record = Record{
		Slot:        localSlot,
		UserID:      user.ID.String(),
		DisplayName: user.Name,
		Color:       user.Color,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.Error("identity create failed", zap.String("operation", opIdentityNew), zap.Error(err))
		return notes.ActiveUser{}, notes.NewServiceError(opIdentityNew, "create_failed", err)
	}
	s.logger.Info("local identity created", zap.String("user_id", user.ID.String()), zap.String("name", user.Name))
	return user, nil
}

func (s *Service) generate() (notes.ActiveUser, error) {
	rawID, err := s.ids.NewID()
	if err != nil {
		return notes.ActiveUser{}, notes.NewServiceError(opIdentityNew, "id_failed", err)
	}
	userID, err := notes.NewUserID(rawID)
	if err != nil {
		return notes.ActiveUser{}, err
	}
	return notes.ActiveUser{
		ID:    userID,
		Name:  fmt.Sprintf("User-%d", s.random.IntN(1000)),
		Color: fmt.Sprintf("#%06x", s.random.IntN(0xffffff+1)),
	}, nil
}
