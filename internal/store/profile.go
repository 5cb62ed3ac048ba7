package store

import (
	"context"

	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Profile interface {
	Create(ctx context.Context, profile *model.DeviceProfile) error
	Get(ctx context.Context, id uuid.UUID) (*model.DeviceProfile, error)
	GetByName(ctx context.Context, name string) (*model.DeviceProfile, error)
	List(ctx context.Context) ([]model.DeviceProfile, error)
	Update(ctx context.Context, profile *model.DeviceProfile) error
	Delete(ctx context.Context, id uuid.UUID) error
	InitialMigration() error
}

type ProfileStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Profile = (*ProfileStore)(nil)

func NewProfile(db *gorm.DB, log logrus.FieldLogger) Profile {
	return &ProfileStore{db: db, log: log}
}

func (s *ProfileStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.DeviceProfile{})
}

func (s *ProfileStore) Create(ctx context.Context, profile *model.DeviceProfile) error {
	if profile == nil {
		return flerrors.ErrResourceIsNil
	}
	result := s.db.WithContext(ctx).Create(profile)
	return flerrors.ErrorFromGormError(result.Error)
}

func (s *ProfileStore) Get(ctx context.Context, id uuid.UUID) (*model.DeviceProfile, error) {
	var profile model.DeviceProfile
	result := s.db.WithContext(ctx).First(&profile, "id = ?", id)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return &profile, nil
}

func (s *ProfileStore) GetByName(ctx context.Context, name string) (*model.DeviceProfile, error) {
	var profile model.DeviceProfile
	result := s.db.WithContext(ctx).First(&profile, "name = ?", name)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return &profile, nil
}

func (s *ProfileStore) List(ctx context.Context) ([]model.DeviceProfile, error) {
	var profiles []model.DeviceProfile
	result := s.db.WithContext(ctx).Order("name").Find(&profiles)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return profiles, nil
}

func (s *ProfileStore) Update(ctx context.Context, profile *model.DeviceProfile) error {
	if profile == nil {
		return flerrors.ErrResourceIsNil
	}
	result := s.db.WithContext(ctx).Save(profile)
	return flerrors.ErrorFromGormError(result.Error)
}

// Delete soft-deletes the profile. Devices referencing it keep their
// dangling profile_id until an admin reassigns them.
func (s *ProfileStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&model.DeviceProfile{}, "id = ?", id)
	if result.Error != nil {
		return flerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return flerrors.ErrResourceNotFound
	}
	return nil
}
