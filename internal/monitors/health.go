// Package monitors holds the periodic background sweeps.
package monitors

import (
	"context"
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/config"
	"github.com/firstline-io/firstline/internal/instrumentation"
	"github.com/firstline-io/firstline/internal/realtime"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/firstline-io/firstline/pkg/thread"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const sweepBatchSize = 500

// HealthMonitor periodically marks devices offline when their last_seen
// falls behind the threshold. Offline overrides alert; an unreachable
// device's alert state is stale by definition.
type HealthMonitor struct {
	store     store.Store
	emitter   realtime.Emitter
	metrics   *instrumentation.Metrics
	threshold time.Duration
	thread    *thread.Thread
	log       logrus.FieldLogger
}

func NewHealthMonitor(ctx context.Context, st store.Store, emitter realtime.Emitter, metrics *instrumentation.Metrics, cfg *config.Config, log logrus.FieldLogger) *HealthMonitor {
	m := &HealthMonitor{
		store:     st,
		emitter:   emitter,
		metrics:   metrics,
		threshold: cfg.Health.OfflineThreshold,
		log:       log,
	}
	m.thread = thread.New(ctx, log, "Device Health Monitor", cfg.Health.PollInterval, m.sweep)
	return m
}

func (m *HealthMonitor) Start() {
	m.thread.Start()
}

func (m *HealthMonitor) Stop() {
	m.thread.Stop()
}

func (m *HealthMonitor) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.threshold)
	devices, err := m.store.Device().ListDisconnected(ctx, cutoff, sweepBatchSize)
	if err != nil {
		m.log.WithError(err).Error("disconnected device sweep failed")
		return
	}
	for i := range devices {
		m.markOffline(ctx, &devices[i])
	}
	if len(devices) > 0 {
		m.log.WithField("count", len(devices)).Info("marked silent devices offline")
	}
}

func (m *HealthMonitor) markOffline(ctx context.Context, device *model.Device) {
	if err := m.store.Device().UpdateStatus(ctx, device.ID, api.DeviceStatusOffline); err != nil {
		m.log.WithError(err).WithField("device", device.ID).Error("failed to mark device offline")
		return
	}
	m.metrics.DevicesMarkedOffline.Inc()

	history := &model.DeviceStatusHistory{
		DeviceID:  device.ID,
		OldStatus: lo.ToPtr(device.Status),
		NewStatus: string(api.DeviceStatusOffline),
		Reason:    lo.ToPtr("no telemetry within offline threshold"),
	}
	if err := m.store.StatusHistory().Create(ctx, history); err != nil {
		m.log.WithError(err).WithField("device", device.ID).Warn("failed to record status transition")
	}

	event := map[string]any{
		"device_id":  device.ID,
		"old_status": device.Status,
		"new_status": api.DeviceStatusOffline,
		"last_seen":  device.LastSeen,
	}
	m.emitter.Emit(realtime.RoomDevice(device.ID), realtime.EventDeviceStatus, event)
	m.emitter.Emit(realtime.RoomBuilding(device.BuildingID), realtime.EventDeviceStatus, event)
}
