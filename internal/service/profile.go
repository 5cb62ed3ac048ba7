package service

import (
	"context"
	"errors"
	"fmt"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

type ProfileService struct {
	store store.Store
	log   logrus.FieldLogger
}

func NewProfileService(st store.Store, log logrus.FieldLogger) *ProfileService {
	return &ProfileService{store: st, log: log}
}

func (s *ProfileService) Create(ctx context.Context, profile *model.DeviceProfile) error {
	if err := ValidateProfile(profile); err != nil {
		return err
	}
	return s.store.Profile().Create(ctx, profile)
}

func (s *ProfileService) Update(ctx context.Context, profile *model.DeviceProfile) error {
	if err := ValidateProfile(profile); err != nil {
		return err
	}
	if _, err := s.store.Profile().Get(ctx, profile.ID); err != nil {
		return err
	}
	return s.store.Profile().Update(ctx, profile)
}

func (s *ProfileService) Get(ctx context.Context, id uuid.UUID) (*model.DeviceProfile, error) {
	return s.store.Profile().Get(ctx, id)
}

func (s *ProfileService) List(ctx context.Context) ([]model.DeviceProfile, error) {
	return s.store.Profile().List(ctx)
}

func (s *ProfileService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.store.Profile().Delete(ctx, id)
}

// ValidateProfile checks internal consistency: metric names are unique,
// types are known, and every alert rule references a schema metric with
// a threshold shape matching its condition.
func ValidateProfile(profile *model.DeviceProfile) error {
	if profile == nil {
		return flerrors.ErrResourceIsNil
	}
	if profile.Name == "" {
		return fmt.Errorf("%w: profile name is required", flerrors.ErrValidation)
	}

	metrics := map[string]api.MetricDef{}
	for _, def := range profile.Schema() {
		if def.Name == "" {
			return fmt.Errorf("%w: metric name is required", flerrors.ErrValidation)
		}
		if _, dup := metrics[def.Name]; dup {
			return fmt.Errorf("%w: duplicate metric %q", flerrors.ErrValidation, def.Name)
		}
		switch def.Type {
		case api.MetricTypeNumeric, api.MetricTypeString, api.MetricTypeBoolean:
		default:
			return fmt.Errorf("%w: metric %q has unknown type %q", flerrors.ErrValidation, def.Name, def.Type)
		}
		if def.Min != nil && def.Max != nil && *def.Min > *def.Max {
			return fmt.Errorf("%w: metric %q has min > max", flerrors.ErrValidation, def.Name)
		}
		metrics[def.Name] = def
	}

	for _, rule := range profile.Rules() {
		if rule.Name == "" {
			return fmt.Errorf("%w: alert rule name is required", flerrors.ErrValidation)
		}
		if _, ok := metrics[rule.Metric]; !ok {
			return fmt.Errorf("%w: rule %q references unknown metric %q", flerrors.ErrValidation, rule.Name, rule.Metric)
		}
		if !api.ValidCondition(rule.Condition) {
			return fmt.Errorf("%w: rule %q has unknown condition %q", flerrors.ErrValidation, rule.Name, rule.Condition)
		}
		if !api.ValidSeverity(rule.Severity) {
			return fmt.Errorf("%w: rule %q has unknown severity %q", flerrors.ErrValidation, rule.Name, rule.Severity)
		}
		switch rule.Condition {
		case api.ConditionRange:
			if !rule.Threshold.IsRange() {
				return fmt.Errorf("%w: rule %q requires a {min, max} threshold", flerrors.ErrValidation, rule.Name)
			}
			if *rule.Threshold.Min > *rule.Threshold.Max {
				return fmt.Errorf("%w: rule %q has threshold min > max", flerrors.ErrValidation, rule.Name)
			}
		case api.ConditionEqual, api.ConditionNotEqual:
			if rule.Threshold.Value == nil {
				return fmt.Errorf("%w: rule %q requires a scalar threshold", flerrors.ErrValidation, rule.Name)
			}
		default:
			if _, ok := rule.Threshold.Numeric(); !ok {
				return fmt.Errorf("%w: rule %q requires a numeric threshold", flerrors.ErrValidation, rule.Name)
			}
		}
	}
	return nil
}

// SeedDefaults installs the built-in profiles. Idempotent by name;
// operator edits to an existing profile are never overwritten.
func (s *ProfileService) SeedDefaults(ctx context.Context) error {
	for _, profile := range defaultProfiles() {
		_, err := s.store.Profile().GetByName(ctx, profile.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, flerrors.ErrResourceNotFound) {
			return err
		}
		if err := s.Create(ctx, profile); err != nil {
			// Lost a seed race to another instance.
			if errors.Is(err, flerrors.ErrDuplicateName) {
				continue
			}
			return err
		}
		s.log.WithField("profile", profile.Name).Info("seeded default device profile")
	}
	return nil
}

func defaultProfiles() []*model.DeviceProfile {
	dB := "dB"
	celsius := "celsius"
	percent := "percent"
	return []*model.DeviceProfile{
		{
			Name:       "axis-microphone",
			DeviceType: string(api.DeviceTypeMicrophone),
			TelemetrySchema: model.MakeJSONField([]api.MetricDef{
				{Name: "sound_level", Type: api.MetricTypeNumeric, Unit: &dB, Min: lo.ToPtr(0.0), Max: lo.ToPtr(140.0)},
				{Name: "peak_level", Type: api.MetricTypeNumeric, Unit: &dB},
				{Name: "audio_classification", Type: api.MetricTypeString, Enum: []string{"speech", "gunshot", "glass_break", "scream", "aggression", "ambient"}},
				{Name: "recording", Type: api.MetricTypeBoolean},
			}),
			AlertRules: model.MakeJSONField([]api.AlertRule{
				{Name: "gunshot detected", Metric: "audio_classification", Condition: api.ConditionEqual, Threshold: api.Threshold{Value: "gunshot"}, Severity: api.AlertSeverityCritical, CooldownSeconds: 60},
				{Name: "glass break detected", Metric: "audio_classification", Condition: api.ConditionEqual, Threshold: api.Threshold{Value: "glass_break"}, Severity: api.AlertSeverityHigh, CooldownSeconds: 120},
				{Name: "sustained loud noise", Metric: "sound_level", Condition: api.ConditionGreaterThan, Threshold: api.Threshold{Value: 95.0}, Severity: api.AlertSeverityMedium},
			}),
			DefaultConfig: model.JSONMap{
				"sample_interval_seconds": 5,
				"sensitivity":             "medium",
			},
			IsDefault: true,
		},
		{
			Name:       "generic-camera",
			DeviceType: string(api.DeviceTypeCamera),
			TelemetrySchema: model.MakeJSONField([]api.MetricDef{
				{Name: "motion_detected", Type: api.MetricTypeBoolean},
				{Name: "intrusion", Type: api.MetricTypeBoolean},
				{Name: "tamper", Type: api.MetricTypeBoolean},
				{Name: "cpu_temperature", Type: api.MetricTypeNumeric, Unit: &celsius},
				{Name: "stream_status", Type: api.MetricTypeString, Enum: []string{"streaming", "idle", "error"}},
			}),
			AlertRules: model.MakeJSONField([]api.AlertRule{
				{Name: "intrusion detected", Metric: "intrusion", Condition: api.ConditionEqual, Threshold: api.Threshold{Value: true}, Severity: api.AlertSeverityCritical, CooldownSeconds: 60},
				{Name: "camera tampered", Metric: "tamper", Condition: api.ConditionEqual, Threshold: api.Threshold{Value: true}, Severity: api.AlertSeverityHigh},
				{Name: "camera overheating", Metric: "cpu_temperature", Condition: api.ConditionGreaterThan, Threshold: api.Threshold{Value: 85.0}, Severity: api.AlertSeverityMedium, CooldownSeconds: 600},
			}),
			DefaultConfig: model.JSONMap{
				"resolution":       "1080p",
				"motion_threshold": 0.6,
			},
			IsDefault: true,
		},
		{
			Name:       "generic-sensor",
			DeviceType: string(api.DeviceTypeSensor),
			TelemetrySchema: model.MakeJSONField([]api.MetricDef{
				{Name: "temperature", Type: api.MetricTypeNumeric, Unit: &celsius, Min: lo.ToPtr(-40.0), Max: lo.ToPtr(125.0)},
				{Name: "humidity", Type: api.MetricTypeNumeric, Unit: &percent, Min: lo.ToPtr(0.0), Max: lo.ToPtr(100.0)},
				{Name: "gas_detected", Type: api.MetricTypeBoolean},
				{Name: "battery_level", Type: api.MetricTypeNumeric, Unit: &percent},
			}),
			AlertRules: model.MakeJSONField([]api.AlertRule{
				{Name: "gas leak", Metric: "gas_detected", Condition: api.ConditionEqual, Threshold: api.Threshold{Value: true}, Severity: api.AlertSeverityCritical, CooldownSeconds: 60},
				{Name: "high temperature", Metric: "temperature", Condition: api.ConditionGreaterThan, Threshold: api.Threshold{Value: 60.0}, Severity: api.AlertSeverityHigh},
				{Name: "humidity saturation", Metric: "humidity", Condition: api.ConditionRange, Threshold: api.Threshold{Min: lo.ToPtr(95.0), Max: lo.ToPtr(100.0)}, Severity: api.AlertSeverityLow, CooldownSeconds: 3600},
				{Name: "battery low", Metric: "battery_level", Condition: api.ConditionLessThan, Threshold: api.Threshold{Value: 15.0}, Severity: api.AlertSeverityInfo, CooldownSeconds: 86400},
			}),
			DefaultConfig: model.JSONMap{
				"report_interval_seconds": 60,
			},
			IsDefault: true,
		},
	}
}
