package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/alerts"
	"github.com/firstline-io/firstline/internal/config"
	"github.com/firstline-io/firstline/internal/instrumentation"
	"github.com/firstline-io/firstline/internal/queues"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
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

type poolFixture struct {
	pool      *Pool
	store     store.Store
	client    *redis.Client
	publisher *queues.Publisher
	emitter   *recordingEmitter
	deviceID  uuid.UUID
	log       *logrus.Logger
}

func newPoolFixture(t *testing.T) *poolFixture {
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
		Name:       "pool-sensor",
		DeviceType: string(api.DeviceTypeSensor),
		TelemetrySchema: model.MakeJSONField([]api.MetricDef{
			{Name: "temperature", Type: api.MetricTypeNumeric},
			{Name: "gas_detected", Type: api.MetricTypeBoolean},
		}),
		AlertRules: model.MakeJSONField([]api.AlertRule{
			{Name: "high temperature", Metric: "temperature", Condition: api.ConditionGreaterThan, Threshold: api.Threshold{Value: 60.0}, Severity: api.AlertSeverityHigh},
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

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	emitter := &recordingEmitter{}
	evaluator := alerts.NewEvaluator(st, newFakeKV(), emitter, instrumentation.NewMetrics(), log)

	cfg := config.NewDefault()
	pool := NewPool(client, st, evaluator, emitter, instrumentation.NewMetrics(), cfg, log)
	t.Cleanup(pool.resolver.Stop)

	return &poolFixture{
		pool:      pool,
		store:     st,
		client:    client,
		publisher: queues.NewPublisher(client, queues.TelemetryStream, 1000, log),
		emitter:   emitter,
		deviceID:  device.ID,
		log:       log,
	}
}

func (f *poolFixture) publishRecord(t *testing.T, record api.TelemetryRecord) {
	t.Helper()
	raw, err := json.Marshal(record)
	require.NoError(t, err)
	_, err = f.publisher.Publish(context.Background(), record.DeviceID.String(), raw)
	require.NoError(t, err)
}

func (f *poolFixture) consume(t *testing.T, name string) (*queues.Consumer, []queues.Message) {
	t.Helper()
	ctx := context.Background()
	consumer, err := queues.NewConsumer(ctx, f.client, queues.TelemetryStream, ConsumerGroup, name, f.log)
	require.NoError(t, err)
	messages, err := consumer.ReadBatch(ctx, readCount, 10*time.Millisecond)
	require.NoError(t, err)
	return consumer, messages
}

func pendingCount(t *testing.T, client *redis.Client) int64 {
	t.Helper()
	pending, err := client.XPending(context.Background(), queues.TelemetryStream, ConsumerGroup).Result()
	require.NoError(t, err)
	return pending.Count
}

func TestProcessInsertsAcksAndEmits(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	f.publishRecord(t, api.TelemetryRecord{
		DeviceID:        f.deviceID,
		MessageID:       lo.ToPtr("msg-1"),
		Metrics:         map[string]any{"temperature": 21.5, "gas_detected": false},
		ServerTimestamp: now,
	})
	f.publishRecord(t, api.TelemetryRecord{
		DeviceID:        f.deviceID,
		Metrics:         map[string]any{"temperature": 22.0},
		ServerTimestamp: now.Add(time.Second),
	})

	consumer, messages := f.consume(t, "worker-0")
	require.Len(t, messages, 2)
	f.pool.Process(ctx, consumer, messages)

	rows, err := f.store.Telemetry().QueryRaw(ctx, f.deviceID, store.TelemetryQueryParams{})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byMetric := map[string]model.TelemetryRow{}
	for _, row := range rows {
		byMetric[row.MetricName] = row
	}
	require.NotNil(t, byMetric["gas_detected"].ValueBool)
	require.False(t, *byMetric["gas_detected"].ValueBool)
	require.Nil(t, byMetric["gas_detected"].ValueNumeric)
	require.NotNil(t, byMetric["temperature"].ValueNumeric)

	require.Zero(t, pendingCount(t, f.client))
	require.Equal(t, 2, f.emitter.count("telemetry:data"))
}

func TestProcessUsesDeviceTimestamp(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	deviceTime := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	f.publishRecord(t, api.TelemetryRecord{
		DeviceID:        f.deviceID,
		Metrics:         map[string]any{"temperature": 21.5},
		DeviceTimestamp: &deviceTime,
		ServerTimestamp: time.Now().UTC(),
	})

	consumer, messages := f.consume(t, "worker-0")
	f.pool.Process(ctx, consumer, messages)

	rows, err := f.store.Telemetry().QueryRaw(ctx, f.deviceID, store.TelemetryQueryParams{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.WithinDuration(t, deviceTime, rows[0].Time, time.Second)
}

func TestProcessAcksUndecodableEntries(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	_, err := f.publisher.Publish(ctx, f.deviceID.String(), []byte("not json"))
	require.NoError(t, err)

	consumer, messages := f.consume(t, "worker-0")
	require.Len(t, messages, 1)
	f.pool.Process(ctx, consumer, messages)

	// Poison entries are acked away; retrying them cannot succeed.
	require.Zero(t, pendingCount(t, f.client))

	rows, err := f.store.Telemetry().QueryRaw(ctx, f.deviceID, store.TelemetryQueryParams{})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestProcessRunsEvaluator(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	f.publishRecord(t, api.TelemetryRecord{
		DeviceID:        f.deviceID,
		Metrics:         map[string]any{"temperature": 75.0},
		ServerTimestamp: time.Now().UTC(),
	})

	consumer, messages := f.consume(t, "worker-0")
	f.pool.Process(ctx, consumer, messages)

	alertRows, err := f.store.Alert().ListRecent(ctx, store.AlertListParams{})
	require.NoError(t, err)
	require.Len(t, alertRows, 1)
	require.Equal(t, "high temperature", alertRows[0].Title)
	require.Equal(t, 3, f.emitter.count("device:alert"))

	// The alert is per rule and cooldown-gated, but the rows still land.
	rows, err := f.store.Telemetry().QueryRaw(ctx, f.deviceID, store.TelemetryQueryParams{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestRecordBatchReady(t *testing.T) {
	batch := newBatch(3, time.Hour)
	require.True(t, batch.empty())
	require.False(t, batch.ready())

	batch.add([]queues.Message{{ID: "1"}, {ID: "2"}})
	require.False(t, batch.ready())

	batch.add([]queues.Message{{ID: "3"}})
	require.True(t, batch.ready())

	drained := batch.drain()
	require.Len(t, drained, 3)
	require.True(t, batch.empty())
}

func TestRecordBatchAgesOut(t *testing.T) {
	batch := newBatch(1000, time.Millisecond)
	batch.add([]queues.Message{{ID: "1"}})
	time.Sleep(5 * time.Millisecond)
	require.True(t, batch.ready())
}
