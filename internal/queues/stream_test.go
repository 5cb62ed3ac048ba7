package queues_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/firstline-io/firstline/internal/queues"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublishAndConsume(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	log := logrus.New()

	publisher := queues.NewPublisher(client, queues.TelemetryStream, 1000, log)
	id, err := publisher.Publish(ctx, "device-1", []byte(`{"metrics":{"temperature":21}}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	consumer, err := queues.NewConsumer(ctx, client, queues.TelemetryStream, "telemetry-workers", "worker-0", log)
	require.NoError(t, err)

	messages, err := consumer.ReadBatch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "device-1", messages[0].DeviceID)
	require.JSONEq(t, `{"metrics":{"temperature":21}}`, string(messages[0].Payload))

	require.NoError(t, consumer.Ack(ctx, messages[0].ID))

	// Acked entries do not come back.
	messages, err = consumer.ReadBatch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, messages)
}

func TestConsumerGroupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	log := logrus.New()

	_, err := queues.NewConsumer(ctx, client, queues.TelemetryStream, "telemetry-workers", "worker-0", log)
	require.NoError(t, err)
	_, err = queues.NewConsumer(ctx, client, queues.TelemetryStream, "telemetry-workers", "worker-1", log)
	require.NoError(t, err)
}

func TestUnackedEntriesAreReclaimable(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	log := logrus.New()

	publisher := queues.NewPublisher(client, queues.TelemetryStream, 1000, log)
	_, err := publisher.Publish(ctx, "device-1", []byte(`{}`))
	require.NoError(t, err)

	// worker-0 reads the entry and dies without acking.
	dead, err := queues.NewConsumer(ctx, client, queues.TelemetryStream, "telemetry-workers", "worker-0", log)
	require.NoError(t, err)
	messages, err := dead.ReadBatch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	survivor, err := queues.NewConsumer(ctx, client, queues.TelemetryStream, "telemetry-workers", "reclaimer", log)
	require.NoError(t, err)
	claimed, err := survivor.AutoClaim(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, messages[0].ID, claimed[0].ID)

	require.NoError(t, survivor.Ack(ctx, claimed[0].ID))
	claimed, err = survivor.AutoClaim(ctx, 0, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestAckWithNoIDsIsNoop(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)

	consumer, err := queues.NewConsumer(ctx, client, queues.TelemetryStream, "telemetry-workers", "worker-0", logrus.New())
	require.NoError(t, err)
	require.NoError(t, consumer.Ack(ctx))
}
