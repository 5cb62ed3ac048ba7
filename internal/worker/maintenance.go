package worker

import (
	"context"
	"time"

	"github.com/firstline-io/firstline/internal/queues"
	"github.com/firstline-io/firstline/pkg/thread"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	reclaimInterval = 30 * time.Second
	reclaimMinIdle  = 30 * time.Second
	reclaimCount    = 100
)

// Reclaimer periodically sweeps the consumer group's pending list for
// entries whose worker died mid-batch and reprocesses them. Duplicate
// inserts from entries that were persisted but never acked are absorbed
// by the telemetry table's primary key.
type Reclaimer struct {
	pool     *Pool
	consumer *queues.Consumer
	thread   *thread.Thread
	log      logrus.FieldLogger
}

func NewReclaimer(ctx context.Context, client *redis.Client, pool *Pool, instanceID string, log logrus.FieldLogger) (*Reclaimer, error) {
	consumer, err := queues.NewConsumer(ctx, client, queues.TelemetryStream, ConsumerGroup, instanceID+"-reclaimer", log)
	if err != nil {
		return nil, err
	}
	r := &Reclaimer{pool: pool, consumer: consumer, log: log}
	r.thread = thread.New(ctx, log, "Stream Reclaimer", reclaimInterval, r.sweep)
	return r, nil
}

func (r *Reclaimer) Start() {
	r.thread.Start()
}

func (r *Reclaimer) Stop() {
	r.thread.Stop()
}

func (r *Reclaimer) sweep(ctx context.Context) {
	messages, err := r.consumer.AutoClaim(ctx, reclaimMinIdle, reclaimCount)
	if err != nil {
		r.log.WithError(err).Error("pending entry reclaim failed")
		return
	}
	if len(messages) == 0 {
		return
	}
	r.log.WithField("entries", len(messages)).Info("reprocessing orphaned stream entries")
	r.pool.Process(ctx, r.consumer, messages)
}
