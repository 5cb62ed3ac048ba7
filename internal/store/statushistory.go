package store

import (
	"context"

	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type StatusHistory interface {
	Create(ctx context.Context, entry *model.DeviceStatusHistory) error
	ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]model.DeviceStatusHistory, error)
	InitialMigration() error
}

type StatusHistoryStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ StatusHistory = (*StatusHistoryStore)(nil)

func NewStatusHistory(db *gorm.DB, log logrus.FieldLogger) StatusHistory {
	return &StatusHistoryStore{db: db, log: log}
}

func (s *StatusHistoryStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.DeviceStatusHistory{})
}

func (s *StatusHistoryStore) Create(ctx context.Context, entry *model.DeviceStatusHistory) error {
	if entry == nil {
		return flerrors.ErrResourceIsNil
	}
	result := s.db.WithContext(ctx).Create(entry)
	return flerrors.ErrorFromGormError(result.Error)
}

func (s *StatusHistoryStore) ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]model.DeviceStatusHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []model.DeviceStatusHistory
	result := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("changed_at DESC").
		Limit(limit).
		Find(&entries)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return entries, nil
}
