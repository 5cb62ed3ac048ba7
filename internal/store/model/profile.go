package model

import (
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DeviceProfile struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name             string    `gorm:"uniqueIndex"`
	DeviceType       string
	TelemetrySchema  *JSONField[[]api.MetricDef] `gorm:"type:jsonb"`
	AttributesServer JSONMap                     `gorm:"type:jsonb"`
	AttributesClient JSONMap                     `gorm:"type:jsonb"`
	AlertRules       *JSONField[[]api.AlertRule] `gorm:"type:jsonb"`
	DefaultConfig    JSONMap                     `gorm:"type:jsonb"`
	IsDefault        bool

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (p *DeviceProfile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Schema returns the profile's telemetry schema, never nil.
func (p *DeviceProfile) Schema() []api.MetricDef {
	if p.TelemetrySchema == nil {
		return nil
	}
	return p.TelemetrySchema.Data
}

// Rules returns the profile's alert rules, never nil.
func (p *DeviceProfile) Rules() []api.AlertRule {
	if p.AlertRules == nil {
		return nil
	}
	return p.AlertRules.Data
}

// SchemaMetric looks up a metric definition by name.
func (p *DeviceProfile) SchemaMetric(name string) (api.MetricDef, bool) {
	for _, def := range p.Schema() {
		if def.Name == name {
			return def, true
		}
	}
	return api.MetricDef{}, false
}
