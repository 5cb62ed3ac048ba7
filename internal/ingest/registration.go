package ingest

import (
	"context"
	"encoding/json"
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/mqtt"
	"github.com/firstline-io/firstline/internal/realtime"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Registrar completes provisioning when a device announces itself on
// its register topic. Registration is idempotent; devices re-announce
// after every reboot and firmware update.
type Registrar struct {
	store   store.Store
	emitter realtime.Emitter
	log     logrus.FieldLogger
}

func NewRegistrar(st store.Store, emitter realtime.Emitter, log logrus.FieldLogger) *Registrar {
	return &Registrar{store: st, emitter: emitter, log: log}
}

func (r *Registrar) Subscribe(client mqtt.Client) error {
	return client.Subscribe(mqtt.SubscriptionFilter(mqtt.SuffixRegister), 1, func(topic string, raw []byte) {
		agencyID, deviceID, err := mqtt.ParseDeviceTopic(topic, mqtt.SuffixRegister)
		if err != nil {
			r.log.WithError(err).Warn("dropping registration on malformed topic")
			return
		}
		var payload api.RegistrationPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			r.log.WithField("device", deviceID).Warn("dropping malformed registration payload")
			return
		}
		if err := r.Register(context.Background(), agencyID, deviceID, payload); err != nil {
			r.log.WithError(err).WithField("device", deviceID).Warn("registration failed")
		}
	})
}

// Register records the device's self-reported identity and activates a
// pending provisioning. The topic's agency segment must agree with the
// device's building; the ACL already enforces this for authenticated
// devices, so a mismatch means a misconfigured broker.
func (r *Registrar) Register(ctx context.Context, agencyID, deviceID uuid.UUID, payload api.RegistrationPayload) error {
	device, err := r.store.Device().Get(ctx, deviceID)
	if err != nil {
		return err
	}
	building, err := r.store.Building().Get(ctx, device.BuildingID)
	if err != nil {
		return err
	}
	if building.AgencyID != agencyID {
		r.log.WithFields(logrus.Fields{
			"device":        deviceID,
			"topicAgency":   agencyID,
			"buildingAgency": building.AgencyID,
		}).Warn("rejecting registration with mismatched agency")
		return nil
	}

	if device.ProvisioningStatus != string(api.ProvisioningStatusPending) {
		r.log.WithField("device", deviceID).Info("dropping re-registration of non-pending device")
		return nil
	}

	if payload.SerialNumber != nil {
		device.SerialNumber = payload.SerialNumber
	}
	if payload.FirmwareVersion != nil {
		device.FirmwareVersion = payload.FirmwareVersion
	}
	if payload.MACAddress != nil {
		device.MACAddress = payload.MACAddress
	}
	oldStatus := device.Status
	device.ProvisioningStatus = string(api.ProvisioningStatusActive)
	device.Status = string(api.DeviceStatusOnline)
	device.LastSeen = lo.ToPtr(time.Now().UTC())

	if err := r.store.Device().Update(ctx, device); err != nil {
		return err
	}

	history := &model.DeviceStatusHistory{
		DeviceID:  deviceID,
		OldStatus: &oldStatus,
		NewStatus: string(api.DeviceStatusOnline),
		Reason:    lo.ToPtr("registration"),
	}
	if err := r.store.StatusHistory().Create(ctx, history); err != nil {
		r.log.WithError(err).WithField("device", deviceID).Warn("failed to record activation")
	}
	r.emitter.Emit(realtime.RoomDevice(deviceID), realtime.EventDeviceStatus, map[string]any{
		"device_id":           deviceID,
		"old_status":          oldStatus,
		"new_status":          api.DeviceStatusOnline,
		"provisioning_status": api.ProvisioningStatusActive,
	})
	r.log.WithField("device", deviceID).Info("device registered and activated")
	return nil
}
