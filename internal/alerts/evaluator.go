// Package alerts evaluates profile alert rules against telemetry as it
// flows through the worker pool.
package alerts

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/ingest"
	"github.com/firstline-io/firstline/internal/instrumentation"
	"github.com/firstline-io/firstline/internal/kvstore"
	"github.com/firstline-io/firstline/internal/realtime"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const cooldownKeyPrefix = "alert_cd:"

// Evaluator applies a profile's alert rules to each telemetry record.
// Rule matches within a rule's cooldown window are suppressed through a
// shared SET NX key, so a flapping metric produces one alert per window
// across every worker instance.
type Evaluator struct {
	store   store.Store
	kv      kvstore.KVStore
	emitter realtime.Emitter
	metrics *instrumentation.Metrics
	log     logrus.FieldLogger
}

func NewEvaluator(st store.Store, kv kvstore.KVStore, emitter realtime.Emitter, metrics *instrumentation.Metrics, log logrus.FieldLogger) *Evaluator {
	return &Evaluator{store: st, kv: kv, emitter: emitter, metrics: metrics, log: log}
}

// Evaluate checks every rule of the device's profile against the
// record. Evaluation failures are logged and swallowed by the caller;
// alerting must never hold up telemetry persistence.
func (e *Evaluator) Evaluate(ctx context.Context, info *ingest.DeviceInfo, record api.TelemetryRecord) error {
	if info.Profile == nil {
		return nil
	}
	for _, rule := range info.Profile.Rules() {
		value, present := record.Metrics[rule.Metric]
		if !present {
			continue
		}
		if !ruleMatches(rule, value) {
			continue
		}
		if err := e.fire(ctx, info, rule, value, record); err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"device": info.Device.ID,
				"rule":   rule.Name,
			}).Error("failed to fire alert")
		}
	}
	return nil
}

// ruleMatches applies the rule's condition to a raw metric value.
// Numeric conditions require a numeric value and threshold; eq and ne
// compare structurally so string and boolean rules work. A range rule
// fires when min <= value <= max.
func ruleMatches(rule api.AlertRule, value any) bool {
	switch rule.Condition {
	case api.ConditionEqual:
		return looseEqual(value, rule.Threshold.Value)
	case api.ConditionNotEqual:
		return !looseEqual(value, rule.Threshold.Value)
	case api.ConditionRange:
		num, ok := asFloat(value)
		if !ok || !rule.Threshold.IsRange() {
			return false
		}
		return num >= *rule.Threshold.Min && num <= *rule.Threshold.Max
	}

	num, ok := asFloat(value)
	if !ok {
		return false
	}
	threshold, ok := rule.Threshold.Numeric()
	if !ok {
		return false
	}
	switch rule.Condition {
	case api.ConditionGreaterThan:
		return num > threshold
	case api.ConditionLessThan:
		return num < threshold
	case api.ConditionGreaterThanOrEqual:
		return num >= threshold
	case api.ConditionLessThanOrEqual:
		return num <= threshold
	}
	return false
}

func (e *Evaluator) fire(ctx context.Context, info *ingest.DeviceInfo, rule api.AlertRule, value any, record api.TelemetryRecord) error {
	deviceID := info.Device.ID
	key := fmt.Sprintf("%s%s:%s", cooldownKeyPrefix, deviceID, rule.Name)
	created, err := e.kv.SetNX(ctx, key, []byte{1}, rule.Cooldown())
	if err != nil {
		return fmt.Errorf("cooldown check: %w", err)
	}
	if !created {
		return nil
	}

	now := time.Now().UTC()
	thresholdJSON, _ := rule.Threshold.MarshalJSON()
	alert := &model.Alert{
		Source:     api.AlertSourceIoTTelemetry,
		Severity:   string(rule.Severity),
		AlertType:  alertTypeForMetric(rule.Metric),
		Title:      rule.Name,
		Description: lo.ToPtr(fmt.Sprintf("metric %s is %v (condition: %s %s)",
			rule.Metric, value, rule.Condition, string(thresholdJSON))),
		DeviceID:   &deviceID,
		BuildingID: &info.Device.BuildingID,
		RawPayload: model.JSONMap{
			"rule_name":    rule.Name,
			"metric":       rule.Metric,
			"condition":    string(rule.Condition),
			"threshold":    string(thresholdJSON),
			"actual_value": value,
			"device_name":  info.Device.Name,
			"message_id":   record.MessageID,
		},
		ReceivedAt:     now,
		LastOccurrence: &now,
	}
	if err := e.store.Alert().Create(ctx, alert); err != nil {
		return err
	}
	e.metrics.AlertsFired.WithLabelValues(string(rule.Severity)).Inc()

	// Offline wins over alert: a device the monitor already declared
	// unreachable keeps that status even if buffered telemetry fires.
	if info.Device.Status == string(api.DeviceStatusOnline) {
		if err := e.store.Device().UpdateStatus(ctx, deviceID, api.DeviceStatusAlert); err != nil {
			e.log.WithError(err).WithField("device", deviceID).Warn("failed to set alert status")
		}
	}

	event := map[string]any{
		"alert_id":   alert.ID,
		"device_id":  deviceID,
		"severity":   rule.Severity,
		"alert_type": alert.AlertType,
		"title":      rule.Name,
		"metric":     rule.Metric,
		"value":      value,
		"fired_at":   now,
	}
	e.emitter.Emit(realtime.RoomDevice(deviceID), realtime.EventDeviceAlert, event)
	e.emitter.Emit(realtime.RoomBuilding(info.Device.BuildingID), realtime.EventDeviceAlert, event)
	e.emitter.Emit(realtime.RoomAgency(info.AgencyID), realtime.EventDeviceAlert, event)

	e.log.WithFields(logrus.Fields{
		"device":   deviceID,
		"rule":     rule.Name,
		"severity": rule.Severity,
	}).Info("alert fired")
	return nil
}

// alertTypeForMetric maps a metric name to the alert taxonomy the
// downstream incident tooling expects.
func alertTypeForMetric(metric string) string {
	m := strings.ToLower(metric)
	switch {
	case strings.Contains(m, "sound"), strings.Contains(m, "audio"), strings.Contains(m, "db"):
		return "sound_anomaly"
	case strings.Contains(m, "temperature"):
		return "high_temperature"
	case strings.Contains(m, "gas"):
		return "gas_leak"
	case strings.Contains(m, "tamper"):
		return "tamper"
	case strings.Contains(m, "motion"), strings.Contains(m, "intrusion"):
		return "intrusion"
	default:
		return "threshold_violation"
	}
}

// looseEqual compares a decoded metric value with a threshold value,
// tolerating the numeric type drift JSON decoding introduces.
func looseEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
