package store

import (
	"context"
	"errors"
	"time"

	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Twin interface {
	// GetOrCreate returns the twin for the device, creating an empty
	// one on first access.
	GetOrCreate(ctx context.Context, deviceID uuid.UUID) (*model.DeviceTwin, error)
	Save(ctx context.Context, twin *model.DeviceTwin) error
	InitialMigration() error
}

type TwinStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Twin = (*TwinStore)(nil)

func NewTwin(db *gorm.DB, log logrus.FieldLogger) Twin {
	return &TwinStore{db: db, log: log}
}

func (s *TwinStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.DeviceTwin{})
}

func (s *TwinStore) GetOrCreate(ctx context.Context, deviceID uuid.UUID) (*model.DeviceTwin, error) {
	var twin model.DeviceTwin
	result := s.db.WithContext(ctx).First(&twin, "device_id = ?", deviceID)
	if result.Error == nil {
		return &twin, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}

	twin = model.DeviceTwin{
		DeviceID:         deviceID,
		DesiredConfig:    model.JSONMap{},
		ReportedConfig:   model.JSONMap{},
		DesiredUpdatedAt: time.Now().UTC(),
		IsSynced:         true,
	}
	if err := s.db.WithContext(ctx).Create(&twin).Error; err != nil {
		// Lost a create race; the other writer's twin wins.
		if errors.Is(flerrors.ErrorFromGormError(err), flerrors.ErrDuplicateName) {
			result = s.db.WithContext(ctx).First(&twin, "device_id = ?", deviceID)
			return &twin, flerrors.ErrorFromGormError(result.Error)
		}
		return nil, flerrors.ErrorFromGormError(err)
	}
	return &twin, nil
}

func (s *TwinStore) Save(ctx context.Context, twin *model.DeviceTwin) error {
	if twin == nil {
		return flerrors.ErrResourceIsNil
	}
	result := s.db.WithContext(ctx).Save(twin)
	return flerrors.ErrorFromGormError(result.Error)
}
