package model

import (
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Alert struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Source          string    `gorm:"index"`
	Severity        string    `gorm:"index"`
	Status          string    `gorm:"index"`
	AlertType       string
	Title           string
	Description     *string
	DeviceID        *uuid.UUID `gorm:"type:uuid;index"`
	BuildingID      *uuid.UUID `gorm:"type:uuid;index"`
	FloorPlanID     *uuid.UUID `gorm:"type:uuid"`
	Latitude        *float64
	Longitude       *float64
	RawPayload      JSONMap   `gorm:"type:jsonb"`
	ReceivedAt      time.Time `gorm:"index"`
	AcknowledgedAt  *time.Time
	ProcessedAt     *time.Time
	OccurrenceCount int
	LastOccurrence  *time.Time
	AssignedTo      *uuid.UUID `gorm:"type:uuid"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Alert) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = string(api.AlertStatusPending)
	}
	if a.OccurrenceCount < 1 {
		a.OccurrenceCount = 1
	}
	return nil
}
