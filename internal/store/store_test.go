package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	s := store.NewStore(db, logrus.New())
	require.NoError(t, s.InitialMigration())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestDevice(t *testing.T, s store.Store) *model.Device {
	t.Helper()
	ctx := context.Background()
	building := &model.Building{ID: uuid.New(), Name: "hq", AgencyID: uuid.New()}
	require.NoError(t, s.Building().Create(ctx, building))

	device := &model.Device{
		Name:       "lobby-mic",
		DeviceType: string(api.DeviceTypeMicrophone),
		BuildingID: building.ID,
	}
	require.NoError(t, s.Device().Create(ctx, device))
	return device
}

func TestDeviceCreateDefaults(t *testing.T) {
	s := newTestStore(t)
	device := createTestDevice(t, s)

	require.NotEqual(t, uuid.Nil, device.ID)
	got, err := s.Device().Get(context.Background(), device.ID)
	require.NoError(t, err)
	require.Equal(t, string(api.DeviceStatusOffline), got.Status)
	require.Equal(t, string(api.ProvisioningStatusUnprovisioned), got.ProvisioningStatus)
}

func TestDeviceGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Device().Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, flerrors.ErrResourceNotFound)
}

func TestDeviceUpdateStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	device := createTestDevice(t, s)

	require.NoError(t, s.Device().UpdateStatus(ctx, device.ID, api.DeviceStatusOnline))
	got, err := s.Device().Get(ctx, device.ID)
	require.NoError(t, err)
	require.Equal(t, string(api.DeviceStatusOnline), got.Status)

	err = s.Device().UpdateStatus(ctx, uuid.New(), api.DeviceStatusOnline)
	require.ErrorIs(t, err, flerrors.ErrResourceNotFound)
}

func TestDeviceListDisconnected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := createTestDevice(t, s)
	require.NoError(t, s.Device().UpdateStatus(ctx, stale.ID, api.DeviceStatusOnline))
	require.NoError(t, s.Device().SetLastSeen(ctx, stale.ID, time.Now().Add(-10*time.Minute)))

	fresh := createTestDevice(t, s)
	require.NoError(t, s.Device().UpdateStatus(ctx, fresh.ID, api.DeviceStatusOnline))
	require.NoError(t, s.Device().SetLastSeen(ctx, fresh.ID, time.Now()))

	// Offline and maintenance devices are not the monitor's concern.
	offline := createTestDevice(t, s)
	require.NoError(t, s.Device().SetLastSeen(ctx, offline.ID, time.Now().Add(-10*time.Minute)))

	maint := createTestDevice(t, s)
	require.NoError(t, s.Device().UpdateStatus(ctx, maint.ID, api.DeviceStatusMaintenance))
	require.NoError(t, s.Device().SetLastSeen(ctx, maint.ID, time.Now().Add(-10*time.Minute)))

	devices, err := s.Device().ListDisconnected(ctx, time.Now().Add(-2*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, stale.ID, devices[0].ID)
}

func TestDeviceSoftDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	device := createTestDevice(t, s)

	require.NoError(t, s.Device().Delete(ctx, device.ID))
	_, err := s.Device().Get(ctx, device.ID)
	require.ErrorIs(t, err, flerrors.ErrResourceNotFound)
}

func TestCredentialPutReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	device := createTestDevice(t, s)

	first := &model.DeviceCredential{
		DeviceID:        device.ID,
		CredentialType:  string(api.CredentialTypeAccessToken),
		AccessTokenHash: lo.ToPtr("hash-1"),
		IsActive:        true,
	}
	require.NoError(t, s.Credential().Put(ctx, first))

	second := &model.DeviceCredential{
		DeviceID:        device.ID,
		CredentialType:  string(api.CredentialTypeAccessToken),
		AccessTokenHash: lo.ToPtr("hash-2"),
		IsActive:        true,
	}
	require.NoError(t, s.Credential().Put(ctx, second))

	got, err := s.Credential().GetByDeviceID(ctx, device.ID)
	require.NoError(t, err)
	require.Equal(t, "hash-2", *got.AccessTokenHash)
}

func TestCredentialDeactivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	device := createTestDevice(t, s)

	require.NoError(t, s.Credential().Put(ctx, &model.DeviceCredential{
		DeviceID:       device.ID,
		CredentialType: string(api.CredentialTypeAccessToken),
		IsActive:       true,
	}))
	require.NoError(t, s.Credential().DeactivateByDeviceID(ctx, device.ID))

	got, err := s.Credential().GetByDeviceID(ctx, device.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)

	err = s.Credential().DeactivateByDeviceID(ctx, uuid.New())
	require.ErrorIs(t, err, flerrors.ErrResourceNotFound)
}

func TestProfileCRUDAndUniqueName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	profile := &model.DeviceProfile{
		Name:       "generic-sensor",
		DeviceType: string(api.DeviceTypeSensor),
		TelemetrySchema: model.MakeJSONField([]api.MetricDef{
			{Name: "temperature", Type: api.MetricTypeNumeric},
		}),
	}
	require.NoError(t, s.Profile().Create(ctx, profile))

	dup := &model.DeviceProfile{Name: "generic-sensor"}
	require.ErrorIs(t, s.Profile().Create(ctx, dup), flerrors.ErrDuplicateName)

	got, err := s.Profile().GetByName(ctx, "generic-sensor")
	require.NoError(t, err)
	require.Len(t, got.Schema(), 1)
	require.Equal(t, "temperature", got.Schema()[0].Name)

	profiles, err := s.Profile().List(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 1)

	require.NoError(t, s.Profile().Delete(ctx, profile.ID))
	_, err = s.Profile().Get(ctx, profile.ID)
	require.ErrorIs(t, err, flerrors.ErrResourceNotFound)
}

func TestTwinGetOrCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	device := createTestDevice(t, s)

	twin, err := s.Twin().GetOrCreate(ctx, device.ID)
	require.NoError(t, err)
	require.True(t, twin.IsSynced)
	require.Zero(t, twin.DesiredVersion)

	twin.DesiredConfig = model.JSONMap{"interval": 5}
	twin.DesiredVersion = 1
	twin.IsSynced = false
	require.NoError(t, s.Twin().Save(ctx, twin))

	again, err := s.Twin().GetOrCreate(ctx, device.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, again.DesiredVersion)
	require.False(t, again.IsSynced)
}

func TestAlertListRecentFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	deviceA := uuid.New()
	deviceB := uuid.New()

	for i, alert := range []*model.Alert{
		{Source: api.AlertSourceIoTTelemetry, Severity: "critical", AlertType: "gas_leak", Title: "gas leak", DeviceID: &deviceA},
		{Source: api.AlertSourceIoTTelemetry, Severity: "low", AlertType: "threshold_violation", Title: "battery low", DeviceID: &deviceA},
		{Source: api.AlertSourceIoTTelemetry, Severity: "critical", AlertType: "intrusion", Title: "intrusion", DeviceID: &deviceB},
	} {
		alert.ReceivedAt = time.Now().Add(time.Duration(-i) * time.Minute)
		require.NoError(t, s.Alert().Create(ctx, alert))
	}

	all, err := s.Alert().ListRecent(ctx, store.AlertListParams{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "gas leak", all[0].Title)

	critical, err := s.Alert().ListRecent(ctx, store.AlertListParams{Severity: lo.ToPtr("critical")})
	require.NoError(t, err)
	require.Len(t, critical, 2)

	forB, err := s.Alert().ListRecent(ctx, store.AlertListParams{DeviceID: &deviceB})
	require.NoError(t, err)
	require.Len(t, forB, 1)
	require.Equal(t, "intrusion", forB[0].Title)

	limited, err := s.Alert().ListRecent(ctx, store.AlertListParams{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestStatusHistoryListByDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	device := createTestDevice(t, s)

	for _, status := range []string{"online", "alert", "offline"} {
		require.NoError(t, s.StatusHistory().Create(ctx, &model.DeviceStatusHistory{
			DeviceID:  device.ID,
			NewStatus: status,
		}))
	}

	entries, err := s.StatusHistory().ListByDevice(ctx, device.ID, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestTelemetryInsertBatchIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	deviceID := uuid.New()
	ts := time.Now().UTC().Truncate(time.Second)

	rows := []model.TelemetryRow{
		model.NewTelemetryRow(ts, deviceID, "temperature", 21.5),
		model.NewTelemetryRow(ts, deviceID, "gas_detected", false),
	}
	require.NoError(t, s.Telemetry().InsertBatch(ctx, rows))

	// A redelivered batch collides on the primary key and is absorbed.
	require.NoError(t, s.Telemetry().InsertBatch(ctx, rows))

	got, err := s.Telemetry().QueryRaw(ctx, deviceID, store.TelemetryQueryParams{})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestTelemetryQueryRawFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	deviceID := uuid.New()
	base := time.Now().UTC().Truncate(time.Second)

	var rows []model.TelemetryRow
	for i := 0; i < 5; i++ {
		rows = append(rows, model.NewTelemetryRow(base.Add(time.Duration(i)*time.Minute), deviceID, "temperature", float64(20+i)))
	}
	rows = append(rows, model.NewTelemetryRow(base, deviceID, "humidity", 40.0))
	require.NoError(t, s.Telemetry().InsertBatch(ctx, rows))

	got, err := s.Telemetry().QueryRaw(ctx, deviceID, store.TelemetryQueryParams{
		MetricName: lo.ToPtr("temperature"),
		StartTime:  lo.ToPtr(base.Add(time.Minute)),
	})
	require.NoError(t, err)
	require.Len(t, got, 4)
	// Newest first.
	require.True(t, got[0].Time.After(got[len(got)-1].Time))

	names, err := s.Telemetry().ListMetricNames(ctx, deviceID)
	require.NoError(t, err)
	require.Equal(t, []string{"humidity", "temperature"}, names)
}

func TestTelemetryQueryAggregateValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Telemetry().QueryAggregate(ctx, uuid.New(), "weekly", store.TelemetryQueryParams{})
	require.ErrorIs(t, err, flerrors.ErrInvalidArgument)

	_, err = s.Telemetry().QueryAggregate(ctx, uuid.New(), "hourly", store.TelemetryQueryParams{})
	require.ErrorIs(t, err, flerrors.ErrInvalidArgument)
}

func TestTransactionRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	device := createTestDevice(t, s)

	err := s.Transaction(ctx, func(tx store.Store) error {
		if err := tx.Device().UpdateStatus(ctx, device.ID, api.DeviceStatusOnline); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	got, err := s.Device().Get(ctx, device.ID)
	require.NoError(t, err)
	require.Equal(t, string(api.DeviceStatusOffline), got.Status)
}
