package model

import (
	"time"

	"github.com/google/uuid"
)

// DeviceTwin is the desired/reported configuration pair for a device.
// Created lazily on first access.
type DeviceTwin struct {
	DeviceID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	DesiredConfig     JSONMap   `gorm:"type:jsonb"`
	DesiredVersion    int64
	DesiredUpdatedAt  time.Time
	ReportedConfig    JSONMap `gorm:"type:jsonb"`
	ReportedVersion   int64
	ReportedUpdatedAt *time.Time
	IsSynced          bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
