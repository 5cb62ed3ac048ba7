// Package v1 holds the wire-level types shared by the transport,
// service, and ingest layers.
package v1

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type DeviceType string

const (
	DeviceTypeMicrophone DeviceType = "microphone"
	DeviceTypeCamera     DeviceType = "camera"
	DeviceTypeSensor     DeviceType = "sensor"
	DeviceTypeGateway    DeviceType = "gateway"
)

type DeviceStatus string

const (
	DeviceStatusOnline      DeviceStatus = "online"
	DeviceStatusOffline     DeviceStatus = "offline"
	DeviceStatusAlert       DeviceStatus = "alert"
	DeviceStatusMaintenance DeviceStatus = "maintenance"
	DeviceStatusError       DeviceStatus = "error"
)

type ProvisioningStatus string

const (
	ProvisioningStatusUnprovisioned ProvisioningStatus = "unprovisioned"
	ProvisioningStatusPending       ProvisioningStatus = "pending"
	ProvisioningStatusActive        ProvisioningStatus = "active"
)

type CredentialType string

const (
	CredentialTypeAccessToken CredentialType = "access_token"
	CredentialTypeX509        CredentialType = "x509"
)

type MetricType string

const (
	MetricTypeNumeric MetricType = "numeric"
	MetricTypeString  MetricType = "string"
	MetricTypeBoolean MetricType = "boolean"
)

type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "critical"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityLow      AlertSeverity = "low"
	AlertSeverityInfo     AlertSeverity = "info"
)

func ValidSeverity(s AlertSeverity) bool {
	switch s {
	case AlertSeverityCritical, AlertSeverityHigh, AlertSeverityMedium, AlertSeverityLow, AlertSeverityInfo:
		return true
	}
	return false
}

type AlertStatus string

const (
	AlertStatusPending      AlertStatus = "pending"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusProcessing   AlertStatus = "processing"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusDismissed    AlertStatus = "dismissed"
)

const AlertSourceIoTTelemetry = "iot_telemetry"

type RuleCondition string

const (
	ConditionGreaterThan        RuleCondition = "gt"
	ConditionLessThan           RuleCondition = "lt"
	ConditionGreaterThanOrEqual RuleCondition = "gte"
	ConditionLessThanOrEqual    RuleCondition = "lte"
	ConditionEqual              RuleCondition = "eq"
	ConditionNotEqual           RuleCondition = "ne"
	ConditionRange              RuleCondition = "range"
)

func ValidCondition(c RuleCondition) bool {
	switch c {
	case ConditionGreaterThan, ConditionLessThan, ConditionGreaterThanOrEqual,
		ConditionLessThanOrEqual, ConditionEqual, ConditionNotEqual, ConditionRange:
		return true
	}
	return false
}

// MetricDef describes one metric in a profile's telemetry schema.
type MetricDef struct {
	Name string     `json:"name"`
	Type MetricType `json:"type"`
	Unit *string    `json:"unit,omitempty"`
	Min  *float64   `json:"min,omitempty"`
	Max  *float64   `json:"max,omitempty"`
	Enum []string   `json:"enum,omitempty"`
}

// Threshold is either a scalar value or a {min, max} pair, depending on
// the rule condition. The scalar form keeps the raw JSON value so that
// eq/ne rules can compare strings and booleans structurally.
type Threshold struct {
	Value any      `json:"-"`
	Min   *float64 `json:"-"`
	Max   *float64 `json:"-"`
}

type thresholdRange struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

func (t *Threshold) UnmarshalJSON(data []byte) error {
	var r thresholdRange
	if err := json.Unmarshal(data, &r); err == nil && (r.Min != nil || r.Max != nil) {
		t.Min = r.Min
		t.Max = r.Max
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("threshold must be a scalar or a {min, max} object: %w", err)
	}
	t.Value = v
	return nil
}

func (t Threshold) MarshalJSON() ([]byte, error) {
	if t.Min != nil || t.Max != nil {
		return json.Marshal(thresholdRange{Min: t.Min, Max: t.Max})
	}
	return json.Marshal(t.Value)
}

// IsRange reports whether the threshold carries a {min, max} pair.
func (t Threshold) IsRange() bool {
	return t.Min != nil && t.Max != nil
}

// Numeric returns the scalar threshold as a float64 when possible.
func (t Threshold) Numeric() (float64, bool) {
	switch v := t.Value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

const DefaultCooldownSeconds = 300

// AlertRule is a per-metric alerting condition carried by a profile.
type AlertRule struct {
	Name            string        `json:"name"`
	Metric          string        `json:"metric"`
	Condition       RuleCondition `json:"condition"`
	Threshold       Threshold     `json:"threshold"`
	Severity        AlertSeverity `json:"severity"`
	CooldownSeconds int           `json:"cooldown_seconds,omitempty"`
}

// Cooldown returns the rule's cooldown, applying the default when unset.
func (r AlertRule) Cooldown() time.Duration {
	secs := r.CooldownSeconds
	if secs <= 0 {
		secs = DefaultCooldownSeconds
	}
	return time.Duration(secs) * time.Second
}

// TelemetryPayload is the shape devices publish on the telemetry topic
// and POST to the telemetry endpoint.
type TelemetryPayload struct {
	Metrics   map[string]any `json:"metrics"`
	Timestamp *string        `json:"timestamp,omitempty"`
	MessageID *string        `json:"message_id,omitempty"`
}

// TelemetryRecord is the canonical record buffered on the stream.
type TelemetryRecord struct {
	DeviceID        uuid.UUID      `json:"device_id"`
	Metrics         map[string]any `json:"metrics"`
	DeviceTimestamp *time.Time     `json:"device_timestamp,omitempty"`
	ServerTimestamp time.Time      `json:"server_timestamp"`
	MessageID       *string        `json:"message_id,omitempty"`
}

// RegistrationPayload is the shape devices publish on the register topic.
type RegistrationPayload struct {
	SerialNumber    *string `json:"serial_number,omitempty"`
	FirmwareVersion *string `json:"firmware_version,omitempty"`
	MACAddress      *string `json:"mac_address,omitempty"`
}

// ReportedConfigPayload is the shape devices publish on the reported
// config topic.
type ReportedConfigPayload struct {
	Config  map[string]any `json:"config"`
	Version *int64         `json:"version,omitempty"`
}

// DesiredConfigMessage is published, retained, on the desired config topic.
type DesiredConfigMessage struct {
	Config    map[string]any `json:"config"`
	Version   int64          `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
}
