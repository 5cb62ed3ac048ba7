package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TelemetryRow is one narrow row in the device_telemetry hypertable.
// Exactly one of the value columns is populated; booleans are resolved
// before numerics when classifying a raw metric value.
type TelemetryRow struct {
	Time         time.Time `gorm:"primaryKey;column:time"`
	DeviceID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	MetricName   string    `gorm:"primaryKey"`
	ValueNumeric *float64
	ValueString  *string
	ValueBool    *bool
}

func (TelemetryRow) TableName() string {
	return "device_telemetry"
}

// NewTelemetryRow classifies value into the appropriate column. The
// boolean check precedes the numeric one: a JSON true is a boolean, not
// a number, even for schemas that declared the metric numeric.
func NewTelemetryRow(ts time.Time, deviceID uuid.UUID, metric string, value any) TelemetryRow {
	row := TelemetryRow{Time: ts, DeviceID: deviceID, MetricName: metric}
	switch v := value.(type) {
	case bool:
		row.ValueBool = &v
	case float64:
		row.ValueNumeric = &v
	case float32:
		f := float64(v)
		row.ValueNumeric = &f
	case int:
		f := float64(v)
		row.ValueNumeric = &f
	case int64:
		f := float64(v)
		row.ValueNumeric = &f
	case string:
		row.ValueString = &v
	default:
		s := fmt.Sprintf("%v", value)
		row.ValueString = &s
	}
	return row
}
