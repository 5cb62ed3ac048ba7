package store

import (
	"context"

	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Building interface {
	Create(ctx context.Context, building *model.Building) error
	Get(ctx context.Context, id uuid.UUID) (*model.Building, error)
	InitialMigration() error
}

type BuildingStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Building = (*BuildingStore)(nil)

func NewBuilding(db *gorm.DB, log logrus.FieldLogger) Building {
	return &BuildingStore{db: db, log: log}
}

func (s *BuildingStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Building{})
}

func (s *BuildingStore) Create(ctx context.Context, building *model.Building) error {
	if building == nil {
		return flerrors.ErrResourceIsNil
	}
	if building.ID == uuid.Nil {
		building.ID = uuid.New()
	}
	result := s.db.WithContext(ctx).Create(building)
	return flerrors.ErrorFromGormError(result.Error)
}

func (s *BuildingStore) Get(ctx context.Context, id uuid.UUID) (*model.Building, error) {
	var building model.Building
	result := s.db.WithContext(ctx).First(&building, "id = ?", id)
	if result.Error != nil {
		return nil, flerrors.ErrorFromGormError(result.Error)
	}
	return &building, nil
}
