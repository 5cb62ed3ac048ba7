package monitors

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/config"
	"github.com/firstline-io/firstline/internal/instrumentation"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Emit(_, event string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

type monitorFixture struct {
	monitor *HealthMonitor
	store   store.Store
	emitter *recordingEmitter
	ctx     context.Context
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	log := logrus.New()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	st := store.NewStore(db, log)
	require.NoError(t, st.InitialMigration())
	t.Cleanup(func() { _ = st.Close() })

	emitter := &recordingEmitter{}
	cfg := config.NewDefault()
	cfg.Health.OfflineThreshold = 5 * time.Minute

	return &monitorFixture{
		monitor: NewHealthMonitor(context.Background(), st, emitter, instrumentation.NewMetrics(), cfg, log),
		store:   st,
		emitter: emitter,
		ctx:     context.Background(),
	}
}

func (f *monitorFixture) createDevice(t *testing.T, status api.DeviceStatus, lastSeen time.Time) uuid.UUID {
	t.Helper()
	building := &model.Building{ID: uuid.New(), Name: uuid.NewString(), AgencyID: uuid.New()}
	require.NoError(t, f.store.Building().Create(f.ctx, building))

	device := &model.Device{
		Name:       uuid.NewString(),
		DeviceType: string(api.DeviceTypeSensor),
		BuildingID: building.ID,
	}
	require.NoError(t, f.store.Device().Create(f.ctx, device))
	require.NoError(t, f.store.Device().UpdateStatus(f.ctx, device.ID, status))
	require.NoError(t, f.store.Device().SetLastSeen(f.ctx, device.ID, lastSeen))
	return device.ID
}

func TestSweepMarksSilentDevicesOffline(t *testing.T) {
	f := newMonitorFixture(t)

	stale := f.createDevice(t, api.DeviceStatusOnline, time.Now().Add(-time.Hour))
	f.monitor.sweep(f.ctx)

	device, err := f.store.Device().Get(f.ctx, stale)
	require.NoError(t, err)
	require.Equal(t, string(api.DeviceStatusOffline), device.Status)

	history, err := f.store.StatusHistory().ListByDevice(f.ctx, stale, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, string(api.DeviceStatusOffline), history[0].NewStatus)
	require.NotNil(t, history[0].OldStatus)
	require.Equal(t, string(api.DeviceStatusOnline), *history[0].OldStatus)

	// One event to the device room, one to the building room.
	require.Equal(t, 2, f.emitter.count("device:status"))
}

func TestSweepMarksAlertingSilentDeviceOffline(t *testing.T) {
	f := newMonitorFixture(t)

	stale := f.createDevice(t, api.DeviceStatusAlert, time.Now().Add(-time.Hour))
	f.monitor.sweep(f.ctx)

	device, err := f.store.Device().Get(f.ctx, stale)
	require.NoError(t, err)
	require.Equal(t, string(api.DeviceStatusOffline), device.Status)
}

func TestSweepLeavesFreshDevicesAlone(t *testing.T) {
	f := newMonitorFixture(t)

	fresh := f.createDevice(t, api.DeviceStatusOnline, time.Now())
	f.monitor.sweep(f.ctx)

	device, err := f.store.Device().Get(f.ctx, fresh)
	require.NoError(t, err)
	require.Equal(t, string(api.DeviceStatusOnline), device.Status)
	require.Zero(t, f.emitter.count("device:status"))
}

func TestSweepIgnoresAlreadyOfflineDevices(t *testing.T) {
	f := newMonitorFixture(t)

	offline := f.createDevice(t, api.DeviceStatusOffline, time.Now().Add(-time.Hour))
	f.monitor.sweep(f.ctx)

	history, err := f.store.StatusHistory().ListByDevice(f.ctx, offline, 10)
	require.NoError(t, err)
	require.Empty(t, history)
	require.Zero(t, f.emitter.count("device:status"))
}
