package twin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/mqtt"
	"github.com/firstline-io/firstline/internal/realtime"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// TwinView is the twin plus its computed delta, as served to clients.
type TwinView struct {
	DeviceID          uuid.UUID      `json:"device_id"`
	DesiredConfig     map[string]any `json:"desired_config"`
	DesiredVersion    int64          `json:"desired_version"`
	DesiredUpdatedAt  time.Time      `json:"desired_updated_at"`
	ReportedConfig    map[string]any `json:"reported_config"`
	ReportedVersion   int64          `json:"reported_version"`
	ReportedUpdatedAt *time.Time     `json:"reported_updated_at,omitempty"`
	IsSynced          bool           `json:"is_synced"`
	Delta             Delta          `json:"delta"`
}

// Service owns twin reads and writes. Desired config flows operator to
// device through a retained publish; reported config flows device to
// backend through the reported topic.
type Service struct {
	store   store.Store
	mqtt    mqtt.Client
	emitter realtime.Emitter
	log     logrus.FieldLogger
}

func NewService(st store.Store, client mqtt.Client, emitter realtime.Emitter, log logrus.FieldLogger) *Service {
	return &Service{store: st, mqtt: client, emitter: emitter, log: log}
}

// Get returns the twin, creating an empty one on first access so every
// known device always has a twin to show.
func (s *Service) Get(ctx context.Context, deviceID uuid.UUID) (*TwinView, error) {
	if _, err := s.store.Device().Get(ctx, deviceID); err != nil {
		return nil, err
	}
	twin, err := s.store.Twin().GetOrCreate(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return viewOf(twin), nil
}

// UpdateDesired shallow-merges the patch into the desired config, bumps
// the version, and publishes the full desired document retained at
// QoS 1 so sleeping devices pick it up on reconnect. A nil patch value
// removes the key.
func (s *Service) UpdateDesired(ctx context.Context, deviceID uuid.UUID, patch map[string]any) (*TwinView, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("%w: config patch is required", flerrors.ErrValidation)
	}
	device, err := s.store.Device().Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	building, err := s.store.Building().Get(ctx, device.BuildingID)
	if err != nil {
		return nil, err
	}

	twin, err := s.store.Twin().GetOrCreate(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if twin.DesiredConfig == nil {
		twin.DesiredConfig = model.JSONMap{}
	}
	for key, value := range patch {
		if value == nil {
			delete(twin.DesiredConfig, key)
		} else {
			twin.DesiredConfig[key] = value
		}
	}
	twin.DesiredVersion++
	twin.DesiredUpdatedAt = time.Now().UTC()
	twin.IsSynced = false
	if err := s.store.Twin().Save(ctx, twin); err != nil {
		return nil, err
	}

	if err := s.publishDesired(building.AgencyID, twin); err != nil {
		// The twin is committed; the retained message is re-published on
		// the next desired update, and the device can poll the twin API.
		s.log.WithError(err).WithField("device", deviceID).Error("failed to publish desired config")
	}

	view := viewOf(twin)
	s.emitter.Emit(realtime.RoomDevice(deviceID), realtime.EventConfigUpdated, map[string]any{
		"device_id":       deviceID,
		"desired_version": twin.DesiredVersion,
		"delta":           view.Delta,
	})
	s.log.WithFields(logrus.Fields{
		"device":  deviceID,
		"version": twin.DesiredVersion,
	}).Info("desired config updated")
	return view, nil
}

// UpdateReported stores the device's reported config. Versions must
// advance strictly; a stale or replayed report is dropped with
// ErrStaleVersion. Reports without a version are accepted and numbered
// after the last one.
func (s *Service) UpdateReported(ctx context.Context, deviceID uuid.UUID, payload api.ReportedConfigPayload) error {
	if payload.Config == nil {
		return fmt.Errorf("%w: config object is required", flerrors.ErrValidation)
	}
	twin, err := s.store.Twin().GetOrCreate(ctx, deviceID)
	if err != nil {
		return err
	}

	version := twin.ReportedVersion + 1
	if payload.Version != nil {
		if *payload.Version <= twin.ReportedVersion {
			return fmt.Errorf("%w: got %d, have %d", flerrors.ErrStaleVersion, *payload.Version, twin.ReportedVersion)
		}
		version = *payload.Version
	}

	wasSynced := twin.IsSynced
	twin.ReportedConfig = model.JSONMap(payload.Config)
	twin.ReportedVersion = version
	twin.ReportedUpdatedAt = lo.ToPtr(time.Now().UTC())

	delta := ComputeDelta(twin.DesiredConfig, twin.ReportedConfig)
	twin.IsSynced = delta.InSync()
	if err := s.store.Twin().Save(ctx, twin); err != nil {
		return err
	}

	s.emitter.Emit(realtime.RoomDevice(deviceID), realtime.EventConfigUpdated, map[string]any{
		"device_id":        deviceID,
		"reported_version": version,
		"is_synced":        twin.IsSynced,
		"delta":            delta,
	})
	if twin.IsSynced && !wasSynced {
		s.emitter.Emit(realtime.RoomDevice(deviceID), realtime.EventConfigSynced, map[string]any{
			"device_id":        deviceID,
			"desired_version":  twin.DesiredVersion,
			"reported_version": version,
		})
		s.log.WithField("device", deviceID).Info("device config synced")
	}
	return nil
}

// Subscribe attaches the reported-config consumer to the broker.
func (s *Service) Subscribe(client mqtt.Client) error {
	return client.Subscribe(mqtt.SubscriptionFilter(mqtt.SuffixConfigReported), 1, func(topic string, raw []byte) {
		_, deviceID, err := mqtt.ParseDeviceTopic(topic, mqtt.SuffixConfigReported)
		if err != nil {
			s.log.WithError(err).Warn("dropping reported config on malformed topic")
			return
		}
		var payload api.ReportedConfigPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			s.log.WithField("device", deviceID).Warn("dropping malformed reported config")
			return
		}
		if err := s.UpdateReported(context.Background(), deviceID, payload); err != nil {
			s.log.WithError(err).WithField("device", deviceID).Debug("reported config not applied")
		}
	})
}

func (s *Service) publishDesired(agencyID uuid.UUID, twin *model.DeviceTwin) error {
	message := api.DesiredConfigMessage{
		Config:    twin.DesiredConfig,
		Version:   twin.DesiredVersion,
		Timestamp: twin.DesiredUpdatedAt,
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	topic := mqtt.DeviceTopic(agencyID, twin.DeviceID, mqtt.SuffixConfigDesired)
	return s.mqtt.Publish(topic, 1, true, raw)
}

func viewOf(twin *model.DeviceTwin) *TwinView {
	delta := ComputeDelta(twin.DesiredConfig, twin.ReportedConfig)
	return &TwinView{
		DeviceID:          twin.DeviceID,
		DesiredConfig:     twin.DesiredConfig,
		DesiredVersion:    twin.DesiredVersion,
		DesiredUpdatedAt:  twin.DesiredUpdatedAt,
		ReportedConfig:    twin.ReportedConfig,
		ReportedVersion:   twin.ReportedVersion,
		ReportedUpdatedAt: twin.ReportedUpdatedAt,
		IsSynced:          twin.IsSynced,
		Delta:             delta,
	}
}
