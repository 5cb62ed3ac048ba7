// Package ingest validates inbound telemetry and registration traffic
// and hands accepted records to the stream buffer.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

const deviceCacheTTL = 30 * time.Second

// DeviceInfo is the per-device context the hot paths need: the device
// row, its profile (nil when unassigned), and the owning agency.
type DeviceInfo struct {
	Device   *model.Device
	Profile  *model.DeviceProfile
	AgencyID uuid.UUID
}

// DeviceResolver keeps the telemetry hot path off the database. Entries
// expire quickly so profile and assignment edits take effect within the
// TTL; correctness does not depend on invalidation.
type DeviceResolver struct {
	store store.Store
	cache *ttlcache.Cache[uuid.UUID, *DeviceInfo]
}

func NewDeviceResolver(st store.Store) *DeviceResolver {
	cache := ttlcache.New[uuid.UUID, *DeviceInfo](
		ttlcache.WithTTL[uuid.UUID, *DeviceInfo](deviceCacheTTL),
		ttlcache.WithDisableTouchOnHit[uuid.UUID, *DeviceInfo](),
	)
	go cache.Start()
	return &DeviceResolver{store: st, cache: cache}
}

func (c *DeviceResolver) Get(ctx context.Context, deviceID uuid.UUID) (*DeviceInfo, error) {
	if item := c.cache.Get(deviceID); item != nil {
		return item.Value(), nil
	}

	device, err := c.store.Device().Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	building, err := c.store.Building().Get(ctx, device.BuildingID)
	if err != nil {
		return nil, err
	}
	info := &DeviceInfo{Device: device, AgencyID: building.AgencyID}
	if device.ProfileID != nil {
		profile, err := c.store.Profile().Get(ctx, *device.ProfileID)
		if err != nil && !errors.Is(err, flerrors.ErrResourceNotFound) {
			return nil, err
		}
		info.Profile = profile
	}

	c.cache.Set(deviceID, info, ttlcache.DefaultTTL)
	return info, nil
}

// Invalidate drops the cached entry so the next message re-reads the
// device. Called after status transitions the gateway itself makes.
func (c *DeviceResolver) Invalidate(deviceID uuid.UUID) {
	c.cache.Delete(deviceID)
}

func (c *DeviceResolver) Stop() {
	c.cache.Stop()
}
