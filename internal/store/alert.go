package store

import (
	"context"

	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AlertListParams filters the recent-alerts listing.
type AlertListParams struct {
	Limit    int
	Severity *string
	DeviceID *uuid.UUID
}

type Alert interface {
	Create(ctx context.Context, alert *model.Alert) error
	Get(ctx context.Context, id uuid.UUID) (*model.Alert, error)
	ListRecent(ctx context.Context, params AlertListParams) ([]model.Alert, error)
	InitialMigration() error
}

type AlertStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Alert = (*AlertStore)(nil)

func NewAlert(db *gorm.DB, log logrus.FieldLogger) Alert {
	return &AlertStore{db: db, log: log}
}

func (s *AlertStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Alert{})
}

func (s *AlertStore) Create(ctx context.Context, alert *model.Alert) error {
	if alert == nil {
		return flerrors.ErrResourceIsNil
	}
	result := s.db.WithContext(ctx).Create(alert)
	return flerrors.ErrorFromGormError(result.Error)
}

func (s *AlertStore) Get(ctx context.Context, id uuid.UUID) (*model.Alert, error) {
	var alert model.Alert
	result := s.db.WithContext(ctx).First(&alert, "id = ?", id)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return &alert, nil
}

func (s *AlertStore) ListRecent(ctx context.Context, params AlertListParams) ([]model.Alert, error) {
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := s.db.WithContext(ctx).Order("received_at DESC").Limit(limit)
	if params.Severity != nil {
		query = query.Where("severity = ?", *params.Severity)
	}
	if params.DeviceID != nil {
		query = query.Where("device_id = ?", *params.DeviceID)
	}
	var alerts []model.Alert
	result := query.Find(&alerts)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return alerts, nil
}
