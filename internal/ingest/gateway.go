package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/config"
	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/instrumentation"
	"github.com/firstline-io/firstline/internal/kvstore"
	"github.com/firstline-io/firstline/internal/mqtt"
	"github.com/firstline-io/firstline/internal/queues"
	"github.com/firstline-io/firstline/internal/realtime"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const dedupKeyPrefix = "telemetry:dedup:"

// Gateway is the single ingress point for telemetry, shared by the MQTT
// subscriber and the HTTP endpoint. It validates, deduplicates, and
// enqueues; persistence happens downstream in the worker pool.
type Gateway struct {
	store     store.Store
	kv        kvstore.KVStore
	publisher *queues.Publisher
	emitter   realtime.Emitter
	metrics   *instrumentation.Metrics
	resolver  *DeviceResolver
	cfg       *config.Config
	log       logrus.FieldLogger
}

func NewGateway(st store.Store, kv kvstore.KVStore, publisher *queues.Publisher, emitter realtime.Emitter, metrics *instrumentation.Metrics, cfg *config.Config, log logrus.FieldLogger) *Gateway {
	return &Gateway{
		store:     st,
		kv:        kv,
		publisher: publisher,
		emitter:   emitter,
		metrics:   metrics,
		resolver:  NewDeviceResolver(st),
		cfg:       cfg,
		log:       log,
	}
}

// Accept validates one telemetry message and enqueues it. The returned
// error classifies the rejection: ErrDuplicate for suppressed
// redeliveries, ErrValidation (or its refinements) for bad payloads,
// ErrResourceNotFound for unknown devices. A nil return means the
// message is durably buffered, not yet persisted.
func (g *Gateway) Accept(ctx context.Context, deviceID uuid.UUID, payload api.TelemetryPayload) error {
	if len(payload.Metrics) == 0 {
		g.metrics.TelemetryRejected.WithLabelValues("empty").Inc()
		return fmt.Errorf("%w: metrics object is required", flerrors.ErrValidation)
	}

	entry, err := g.resolver.Get(ctx, deviceID)
	if err != nil {
		g.metrics.TelemetryRejected.WithLabelValues("unknown_device").Inc()
		return err
	}

	if payload.MessageID != nil && *payload.MessageID != "" {
		created, err := g.kv.SetNX(ctx,
			dedupKeyPrefix+deviceID.String()+":"+*payload.MessageID,
			[]byte{1},
			time.Duration(g.cfg.Ingest.DedupTTLSeconds)*time.Second,
		)
		if err != nil {
			// Dedup is best-effort; the telemetry table's primary key
			// absorbs anything that slips through.
			g.log.WithError(err).Warn("dedup check failed, accepting message")
		} else if !created {
			g.metrics.TelemetryDeduplicated.Inc()
			return flerrors.ErrDuplicate
		}
	}

	if err := g.validateMetrics(entry, payload.Metrics); err != nil {
		g.metrics.TelemetryRejected.WithLabelValues("schema").Inc()
		return err
	}

	record := api.TelemetryRecord{
		DeviceID:        deviceID,
		Metrics:         payload.Metrics,
		ServerTimestamp: time.Now().UTC(),
		MessageID:       payload.MessageID,
	}
	if payload.Timestamp != nil {
		if ts, err := time.Parse(time.RFC3339, *payload.Timestamp); err == nil {
			record.DeviceTimestamp = lo.ToPtr(ts.UTC())
		} else {
			g.log.WithField("device", deviceID).Debug("ignoring unparseable device timestamp")
		}
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding telemetry record: %w", err)
	}
	if _, err := g.publisher.Publish(ctx, deviceID.String(), raw); err != nil {
		return err
	}
	g.metrics.TelemetryAccepted.Inc()

	g.touchDevice(ctx, entry, record.ServerTimestamp)
	return nil
}

// validateMetrics enforces the profile's telemetry schema. Any unknown
// key or type mismatch rejects the whole message; partially persisted
// messages would make the aggregates lie.
func (g *Gateway) validateMetrics(entry *DeviceInfo, metrics map[string]any) error {
	if entry.Profile == nil {
		if g.cfg.Ingest.StrictValidation {
			return fmt.Errorf("%w: device has no profile and strict validation is on", flerrors.ErrValidation)
		}
		g.log.WithField("device", entry.Device.ID).Warn("accepting telemetry from device with no profile")
		return nil
	}

	for name, value := range metrics {
		def, ok := entry.Profile.SchemaMetric(name)
		if !ok {
			return fmt.Errorf("%w: %q", flerrors.ErrUnknownMetric, name)
		}
		if !valueMatchesType(value, def.Type) {
			return fmt.Errorf("%w: metric %q expects %s", flerrors.ErrMetricTypeMismatch, name, def.Type)
		}
	}
	return nil
}

// valueMatchesType checks a decoded JSON value against the declared
// metric type. Booleans are tested first: JSON true must never satisfy
// a numeric metric.
func valueMatchesType(value any, metricType api.MetricType) bool {
	switch value.(type) {
	case bool:
		return metricType == api.MetricTypeBoolean
	case float64, float32, int, int64, json.Number:
		return metricType == api.MetricTypeNumeric
	case string:
		return metricType == api.MetricTypeString
	}
	return false
}

// touchDevice records liveness: last_seen advances on every accepted
// message, and an offline device flips back to online with a history
// entry and a status event. Failures here never fail the accept.
func (g *Gateway) touchDevice(ctx context.Context, entry *DeviceInfo, seen time.Time) {
	deviceID := entry.Device.ID
	if err := g.store.Device().SetLastSeen(ctx, deviceID, seen); err != nil {
		g.log.WithError(err).WithField("device", deviceID).Warn("failed to update last_seen")
	}

	if entry.Device.Status != string(api.DeviceStatusOffline) {
		return
	}
	if err := g.store.Device().UpdateStatus(ctx, deviceID, api.DeviceStatusOnline); err != nil {
		g.log.WithError(err).WithField("device", deviceID).Warn("failed to flip device online")
		return
	}
	g.resolver.Invalidate(deviceID)

	history := &model.DeviceStatusHistory{
		DeviceID:  deviceID,
		OldStatus: lo.ToPtr(entry.Device.Status),
		NewStatus: string(api.DeviceStatusOnline),
		Reason:    lo.ToPtr("telemetry received"),
	}
	if err := g.store.StatusHistory().Create(ctx, history); err != nil {
		g.log.WithError(err).WithField("device", deviceID).Warn("failed to record status transition")
	}

	event := map[string]any{
		"device_id":  deviceID,
		"old_status": entry.Device.Status,
		"new_status": api.DeviceStatusOnline,
		"changed_at": seen,
	}
	g.emitter.Emit(realtime.RoomDevice(deviceID), realtime.EventDeviceStatus, event)
	g.emitter.Emit(realtime.RoomBuilding(entry.Device.BuildingID), realtime.EventDeviceStatus, event)

	g.log.WithField("device", deviceID).Info("device back online")
}

// SubscribeTelemetry attaches the gateway to the broker's telemetry
// topics. Rejections are logged and dropped; there is no reply channel
// on a QoS-1 publish.
func (g *Gateway) SubscribeTelemetry(client mqtt.Client) error {
	return client.Subscribe(mqtt.SubscriptionFilter(mqtt.SuffixTelemetry), 1, func(topic string, raw []byte) {
		_, deviceID, err := mqtt.ParseDeviceTopic(topic, mqtt.SuffixTelemetry)
		if err != nil {
			g.log.WithError(err).Warn("dropping telemetry on malformed topic")
			return
		}
		var payload api.TelemetryPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			g.metrics.TelemetryRejected.WithLabelValues("malformed").Inc()
			g.log.WithField("device", deviceID).Warn("dropping malformed telemetry payload")
			return
		}
		if err := g.Accept(context.Background(), deviceID, payload); err != nil {
			g.log.WithError(err).WithField("device", deviceID).Debug("telemetry not accepted")
		}
	})
}

func (g *Gateway) Stop() {
	g.resolver.Stop()
}
