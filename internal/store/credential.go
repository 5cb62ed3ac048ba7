package store

import (
	"context"
	"time"

	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Credential interface {
	Put(ctx context.Context, credential *model.DeviceCredential) error
	GetByDeviceID(ctx context.Context, deviceID uuid.UUID) (*model.DeviceCredential, error)
	DeactivateByDeviceID(ctx context.Context, deviceID uuid.UUID) error
	TouchLastUsed(ctx context.Context, deviceID uuid.UUID, when time.Time) error
	InitialMigration() error
}

type CredentialStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Credential = (*CredentialStore)(nil)

func NewCredential(db *gorm.DB, log logrus.FieldLogger) Credential {
	return &CredentialStore{db: db, log: log}
}

func (s *CredentialStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.DeviceCredential{})
}

// Put inserts the credential, replacing any previous credential for the
// same device.
func (s *CredentialStore) Put(ctx context.Context, credential *model.DeviceCredential) error {
	if credential == nil {
		return flerrors.ErrResourceIsNil
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"credential_type", "access_token_hash", "certificate_pem",
			"certificate_cn", "certificate_expiry", "is_active", "updated_at",
		}),
	}).Create(credential)
	return flerrors.ErrorFromGormError(result.Error)
}

func (s *CredentialStore) GetByDeviceID(ctx context.Context, deviceID uuid.UUID) (*model.DeviceCredential, error) {
	var credential model.DeviceCredential
	result := s.db.WithContext(ctx).First(&credential, "device_id = ?", deviceID)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return &credential, nil
}

func (s *CredentialStore) DeactivateByDeviceID(ctx context.Context, deviceID uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&model.DeviceCredential{}).
		Where("device_id = ?", deviceID).
		Update("is_active", false)
	if result.Error != nil {
		return flerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return flerrors.ErrResourceNotFound
	}
	return nil
}

// TouchLastUsed records the broker auth path's last successful use of
// the credential. Best-effort callers ignore the returned error.
func (s *CredentialStore) TouchLastUsed(ctx context.Context, deviceID uuid.UUID, when time.Time) error {
	result := s.db.WithContext(ctx).Model(&model.DeviceCredential{}).
		Where("device_id = ?", deviceID).
		Update("last_used_at", when)
	return flerrors.ErrorFromGormError(result.Error)
}
