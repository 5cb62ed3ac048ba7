package store

import (
	"context"
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Device interface {
	Create(ctx context.Context, device *model.Device) error
	Get(ctx context.Context, id uuid.UUID) (*model.Device, error)
	Update(ctx context.Context, device *model.Device) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status api.DeviceStatus) error
	SetLastSeen(ctx context.Context, id uuid.UUID, seen time.Time) error
	ListDisconnected(ctx context.Context, cutoff time.Time, limit int) ([]model.Device, error)
	Delete(ctx context.Context, id uuid.UUID) error
	InitialMigration() error
}

type DeviceStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// Make sure we conform to Device interface
var _ Device = (*DeviceStore)(nil)

func NewDevice(db *gorm.DB, log logrus.FieldLogger) Device {
	return &DeviceStore{db: db, log: log}
}

func (s *DeviceStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Device{})
}

func (s *DeviceStore) Create(ctx context.Context, device *model.Device) error {
	if device == nil {
		return flerrors.ErrResourceIsNil
	}
	result := s.db.WithContext(ctx).Create(device)
	return flerrors.ErrorFromGormError(result.Error)
}

func (s *DeviceStore) Get(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	var device model.Device
	result := s.db.WithContext(ctx).First(&device, "id = ?", id)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return &device, nil
}

func (s *DeviceStore) Update(ctx context.Context, device *model.Device) error {
	if device == nil {
		return flerrors.ErrResourceIsNil
	}
	result := s.db.WithContext(ctx).Save(device)
	return flerrors.ErrorFromGormError(result.Error)
}

func (s *DeviceStore) UpdateStatus(ctx context.Context, id uuid.UUID, status api.DeviceStatus) error {
	result := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("id = ?", id).
		Update("status", string(status))
	if result.Error != nil {
		return flerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return flerrors.ErrResourceNotFound
	}
	return nil
}

func (s *DeviceStore) SetLastSeen(ctx context.Context, id uuid.UUID, seen time.Time) error {
	result := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("id = ?", id).
		Update("last_seen", seen)
	return flerrors.ErrorFromGormError(result.Error)
}

// ListDisconnected returns active devices whose last_seen predates the
// cutoff and whose status still claims connectivity. Devices in
// maintenance are the operator's business, not the monitor's.
func (s *DeviceStore) ListDisconnected(ctx context.Context, cutoff time.Time, limit int) ([]model.Device, error) {
	var devices []model.Device
	result := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(api.DeviceStatusOnline), string(api.DeviceStatusAlert)}).
		Where("last_seen IS NOT NULL AND last_seen < ?", cutoff).
		Limit(limit).
		Find(&devices)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return devices, nil
}

func (s *DeviceStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&model.Device{}, "id = ?", id)
	return flerrors.ErrorFromGormError(result.Error)
}
