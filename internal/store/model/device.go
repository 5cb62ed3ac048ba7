package model

import (
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Building anchors a device to an agency. Buildings are managed by an
// external collaborator; only the columns the core depends on live here.
type Building struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name     string
	AgencyID uuid.UUID `gorm:"type:uuid;index"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

type Device struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name               string    `gorm:"index"`
	DeviceType         string
	BuildingID         uuid.UUID  `gorm:"type:uuid;index"`
	ProfileID          *uuid.UUID `gorm:"type:uuid;index"`
	SerialNumber       *string
	FirmwareVersion    *string
	MACAddress         *string
	Status             string `gorm:"index"`
	LastSeen           *time.Time
	ConnectionQuality  *float64
	ProvisioningStatus string
	Config             JSONMap              `gorm:"type:jsonb"`
	Capabilities       *JSONField[[]string] `gorm:"type:jsonb"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = string(api.DeviceStatusOffline)
	}
	if d.ProvisioningStatus == "" {
		d.ProvisioningStatus = string(api.ProvisioningStatusUnprovisioned)
	}
	return nil
}

type DeviceCredential struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID          uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	CredentialType    string
	AccessTokenHash   *string
	CertificatePEM    *string
	CertificateCN     *string `gorm:"index"`
	CertificateExpiry *time.Time
	IsActive          bool
	LastUsedAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *DeviceCredential) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

type DeviceStatusHistory struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID          uuid.UUID `gorm:"type:uuid;index"`
	OldStatus         *string
	NewStatus         string
	ChangedAt         time.Time `gorm:"index"`
	Reason            *string
	ConnectionQuality *float64
}

func (h *DeviceStatusHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.ChangedAt.IsZero() {
		h.ChangedAt = time.Now().UTC()
	}
	return nil
}
