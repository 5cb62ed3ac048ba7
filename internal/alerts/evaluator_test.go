package alerts

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/ingest"
	"github.com/firstline-io/firstline/internal/instrumentation"
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

type fakeKV struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newFakeKV() *fakeKV { return &fakeKV{keys: map[string]struct{}{}} }

func (f *fakeKV) SetNX(_ context.Context, key string, _ []byte, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.keys[key]; exists {
		return false, nil
	}
	f.keys[key] = struct{}{}
	return true, nil
}
func (f *fakeKV) Get(context.Context, string) ([]byte, error) { return nil, nil }
func (f *fakeKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}
func (f *fakeKV) CheckHealth(context.Context) error { return nil }
func (f *fakeKV) Close()                            {}

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

func scalar(v any) api.Threshold { return api.Threshold{Value: v} }

func TestRuleMatches(t *testing.T) {
	cases := []struct {
		name      string
		condition api.RuleCondition
		threshold api.Threshold
		value     any
		want      bool
	}{
		{"gt above", api.ConditionGreaterThan, scalar(95.0), 96.0, true},
		{"gt equal", api.ConditionGreaterThan, scalar(95.0), 95.0, false},
		{"gte equal", api.ConditionGreaterThanOrEqual, scalar(95.0), 95.0, true},
		{"lt below", api.ConditionLessThan, scalar(15.0), 10.0, true},
		{"lte above", api.ConditionLessThanOrEqual, scalar(15.0), 16.0, false},
		{"gt non-numeric value skipped", api.ConditionGreaterThan, scalar(95.0), "loud", false},
		{"gt boolean value skipped", api.ConditionGreaterThan, scalar(95.0), true, false},
		{"eq string", api.ConditionEqual, scalar("gunshot"), "gunshot", true},
		{"eq string mismatch", api.ConditionEqual, scalar("gunshot"), "speech", false},
		{"eq bool", api.ConditionEqual, scalar(true), true, true},
		{"eq numeric tolerates int", api.ConditionEqual, scalar(5), 5.0, true},
		{"ne string", api.ConditionNotEqual, scalar("streaming"), "error", true},
		{"range inside", api.ConditionRange, api.Threshold{Min: lo.ToPtr(10.0), Max: lo.ToPtr(35.0)}, 20.0, true},
		{"range boundary", api.ConditionRange, api.Threshold{Min: lo.ToPtr(10.0), Max: lo.ToPtr(35.0)}, 10.0, true},
		{"range outside", api.ConditionRange, api.Threshold{Min: lo.ToPtr(10.0), Max: lo.ToPtr(35.0)}, 36.0, false},
		{"range non-numeric skipped", api.ConditionRange, api.Threshold{Min: lo.ToPtr(10.0), Max: lo.ToPtr(35.0)}, "warm", false},
		{"range without bounds skipped", api.ConditionRange, scalar(10.0), 20.0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := api.AlertRule{Condition: tc.condition, Threshold: tc.threshold}
			require.Equal(t, tc.want, ruleMatches(rule, tc.value))
		})
	}
}

func TestAlertTypeForMetric(t *testing.T) {
	require.Equal(t, "sound_anomaly", alertTypeForMetric("sound_level"))
	require.Equal(t, "high_temperature", alertTypeForMetric("cpu_temperature"))
	require.Equal(t, "gas_leak", alertTypeForMetric("gas_detected"))
	require.Equal(t, "tamper", alertTypeForMetric("tamper"))
	require.Equal(t, "intrusion", alertTypeForMetric("motion_detected"))
	require.Equal(t, "threshold_violation", alertTypeForMetric("battery_level"))
}

type evaluatorFixture struct {
	evaluator *Evaluator
	store     store.Store
	emitter   *recordingEmitter
	info      *ingest.DeviceInfo
}

func newEvaluatorFixture(t *testing.T) *evaluatorFixture {
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

	ctx := context.Background()
	building := &model.Building{ID: uuid.New(), Name: "hq", AgencyID: uuid.New()}
	require.NoError(t, st.Building().Create(ctx, building))

	profile := &model.DeviceProfile{
		Name:       "test-sensor",
		DeviceType: string(api.DeviceTypeSensor),
		TelemetrySchema: model.MakeJSONField([]api.MetricDef{
			{Name: "temperature", Type: api.MetricTypeNumeric},
		}),
		AlertRules: model.MakeJSONField([]api.AlertRule{
			{Name: "high temperature", Metric: "temperature", Condition: api.ConditionGreaterThan, Threshold: scalar(60.0), Severity: api.AlertSeverityHigh, CooldownSeconds: 300},
		}),
	}
	require.NoError(t, st.Profile().Create(ctx, profile))

	device := &model.Device{
		Name:       "env-1",
		DeviceType: string(api.DeviceTypeSensor),
		BuildingID: building.ID,
		ProfileID:  &profile.ID,
		Status:     string(api.DeviceStatusOnline),
	}
	require.NoError(t, st.Device().Create(ctx, device))

	emitter := &recordingEmitter{}
	evaluator := NewEvaluator(st, newFakeKV(), emitter, instrumentation.NewMetrics(), log)

	return &evaluatorFixture{
		evaluator: evaluator,
		store:     st,
		emitter:   emitter,
		info: &ingest.DeviceInfo{
			Device:   device,
			Profile:  profile,
			AgencyID: building.AgencyID,
		},
	}
}

func record(deviceID uuid.UUID, metrics map[string]any) api.TelemetryRecord {
	return api.TelemetryRecord{
		DeviceID:        deviceID,
		Metrics:         metrics,
		ServerTimestamp: time.Now().UTC(),
	}
}

func TestEvaluateFiresAndPersists(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	err := f.evaluator.Evaluate(ctx, f.info, record(f.info.Device.ID, map[string]any{"temperature": 75.0}))
	require.NoError(t, err)

	alerts, err := f.store.Alert().ListRecent(ctx, store.AlertListParams{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, api.AlertSourceIoTTelemetry, alerts[0].Source)
	require.Equal(t, "high_temperature", alerts[0].AlertType)
	require.Equal(t, string(api.AlertSeverityHigh), alerts[0].Severity)
	require.Equal(t, string(api.AlertStatusPending), alerts[0].Status)
	require.Equal(t, f.info.Device.ID, *alerts[0].DeviceID)

	require.Equal(t, "high temperature", alerts[0].RawPayload["rule_name"])
	require.Equal(t, "temperature", alerts[0].RawPayload["metric"])
	require.Equal(t, "gt", alerts[0].RawPayload["condition"])
	require.Equal(t, float64(75), alerts[0].RawPayload["actual_value"])
	require.Equal(t, "env-1", alerts[0].RawPayload["device_name"])

	// Emitted to device, building, and agency rooms.
	require.Equal(t, 3, f.emitter.count("device:alert"))

	device, err := f.store.Device().Get(ctx, f.info.Device.ID)
	require.NoError(t, err)
	require.Equal(t, string(api.DeviceStatusAlert), device.Status)
}

func TestEvaluateCooldownSuppressesRepeat(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	require.NoError(t, f.evaluator.Evaluate(ctx, f.info, record(f.info.Device.ID, map[string]any{"temperature": 75.0})))
	require.NoError(t, f.evaluator.Evaluate(ctx, f.info, record(f.info.Device.ID, map[string]any{"temperature": 80.0})))

	alerts, err := f.store.Alert().ListRecent(ctx, store.AlertListParams{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
}

func TestEvaluateBelowThresholdIsQuiet(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	require.NoError(t, f.evaluator.Evaluate(ctx, f.info, record(f.info.Device.ID, map[string]any{"temperature": 40.0})))

	alerts, err := f.store.Alert().ListRecent(ctx, store.AlertListParams{})
	require.NoError(t, err)
	require.Empty(t, alerts)
}

func TestEvaluateOfflineDeviceKeepsStatus(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Device().UpdateStatus(ctx, f.info.Device.ID, api.DeviceStatusOffline))
	f.info.Device.Status = string(api.DeviceStatusOffline)

	require.NoError(t, f.evaluator.Evaluate(ctx, f.info, record(f.info.Device.ID, map[string]any{"temperature": 75.0})))

	// The alert persists, but offline wins over alert status.
	alerts, err := f.store.Alert().ListRecent(ctx, store.AlertListParams{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	device, err := f.store.Device().Get(ctx, f.info.Device.ID)
	require.NoError(t, err)
	require.Equal(t, string(api.DeviceStatusOffline), device.Status)
}

func TestEvaluateNoProfileIsNoop(t *testing.T) {
	f := newEvaluatorFixture(t)
	f.info.Profile = nil

	require.NoError(t, f.evaluator.Evaluate(context.Background(), f.info, record(f.info.Device.ID, map[string]any{"temperature": 75.0})))

	alerts, err := f.store.Alert().ListRecent(context.Background(), store.AlertListParams{})
	require.NoError(t, err)
	require.Empty(t, alerts)
}
