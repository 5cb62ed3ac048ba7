// Package worker drains the telemetry stream into the database and runs
// the alert evaluator over every record on the way through.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/alerts"
	"github.com/firstline-io/firstline/internal/config"
	"github.com/firstline-io/firstline/internal/ingest"
	"github.com/firstline-io/firstline/internal/instrumentation"
	"github.com/firstline-io/firstline/internal/queues"
	"github.com/firstline-io/firstline/internal/realtime"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	ConsumerGroup = "telemetry-workers"

	readCount = 100
	readBlock = time.Second
)

// Pool runs N consumers against the telemetry stream's consumer group.
// Each consumer accumulates records and flushes them as one batch
// insert when the batch fills or ages out. Entries are acked only after
// the insert commits; everything else in the flush is best-effort.
type Pool struct {
	client    *redis.Client
	store     store.Store
	resolver  *ingest.DeviceResolver
	evaluator *alerts.Evaluator
	emitter   realtime.Emitter
	metrics   *instrumentation.Metrics
	cfg       *config.Config
	log       logrus.FieldLogger
}

func NewPool(client *redis.Client, st store.Store, evaluator *alerts.Evaluator, emitter realtime.Emitter, metrics *instrumentation.Metrics, cfg *config.Config, log logrus.FieldLogger) *Pool {
	return &Pool{
		client:    client,
		store:     st,
		resolver:  ingest.NewDeviceResolver(st),
		evaluator: evaluator,
		emitter:   emitter,
		metrics:   metrics,
		cfg:       cfg,
		log:       log,
	}
}

// Run starts the configured number of workers and blocks until the
// context is canceled and every worker has drained its pending batch.
func (p *Pool) Run(ctx context.Context, instanceID string) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Worker.Count; i++ {
		name := fmt.Sprintf("%s-worker-%d", instanceID, i)
		consumer, err := queues.NewConsumer(ctx, p.client, queues.TelemetryStream, ConsumerGroup, name, p.log)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, consumer)
		}()
	}
	wg.Wait()
	p.resolver.Stop()
	return nil
}

func (p *Pool) runWorker(ctx context.Context, consumer *queues.Consumer) {
	batch := newBatch(p.cfg.Worker.BatchSize, p.cfg.Worker.BatchTimeout)

	for {
		select {
		case <-ctx.Done():
			// Flush with a fresh context; the pool's context is gone but
			// the entries are already read off the stream.
			p.flush(context.Background(), consumer, batch)
			return
		default:
		}

		messages, err := consumer.ReadBatch(ctx, readCount, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				p.flush(context.Background(), consumer, batch)
				return
			}
			p.log.WithError(err).Error("stream read failed, backing off")
			time.Sleep(time.Second)
			continue
		}
		batch.add(messages)

		if batch.ready() {
			p.flush(ctx, consumer, batch)
		}
	}
}

// Process handles a set of already-claimed messages outside the normal
// read loop. Used by the maintenance reclaimer.
func (p *Pool) Process(ctx context.Context, consumer *queues.Consumer, messages []queues.Message) {
	batch := newBatch(len(messages), 0)
	batch.add(messages)
	p.flush(ctx, consumer, batch)
}

// flush persists the batch, acks it, and fans out telemetry events.
// On insert failure nothing is acked: the entries stay pending and the
// reclaimer retries them, with the table's primary key absorbing any
// rows that did land.
func (p *Pool) flush(ctx context.Context, consumer *queues.Consumer, batch *recordBatch) {
	if batch.empty() {
		return
	}
	records, ids, rows := p.expand(ctx, batch.drain())

	start := time.Now()
	if err := p.store.Telemetry().InsertBatch(ctx, rows); err != nil {
		p.log.WithError(err).WithField("rows", len(rows)).Error("batch insert failed, leaving entries pending")
		return
	}
	p.metrics.BatchFlushDuration.Observe(time.Since(start).Seconds())
	p.metrics.BatchRows.Observe(float64(len(rows)))

	if err := consumer.Ack(ctx, ids...); err != nil {
		// Redelivery after a successful insert is harmless.
		p.log.WithError(err).Warn("failed to ack flushed entries")
	}

	for _, rec := range records {
		p.emitter.Emit(realtime.RoomDevice(rec.record.DeviceID), realtime.EventTelemetryData, map[string]any{
			"device_id": rec.record.DeviceID,
			"metrics":   rec.record.Metrics,
			"time":      rec.timestamp,
		})
	}
	p.log.WithFields(logrus.Fields{
		"entries": len(ids),
		"rows":    len(rows),
	}).Debug("flushed telemetry batch")
}

type expandedRecord struct {
	record    api.TelemetryRecord
	timestamp time.Time
}

// expand decodes the stream entries into rows and runs the evaluator.
// Undecodable entries are acked away immediately; retrying them cannot
// succeed. Evaluator failures are swallowed here: alerting is
// best-effort relative to persistence.
func (p *Pool) expand(ctx context.Context, messages []queues.Message) ([]expandedRecord, []string, []model.TelemetryRow) {
	records := make([]expandedRecord, 0, len(messages))
	ids := make([]string, 0, len(messages))
	var rows []model.TelemetryRow

	for _, msg := range messages {
		ids = append(ids, msg.ID)

		var record api.TelemetryRecord
		if err := json.Unmarshal(msg.Payload, &record); err != nil {
			p.log.WithField("entryID", msg.ID).Warn("discarding undecodable stream entry")
			continue
		}

		ts := record.ServerTimestamp
		if record.DeviceTimestamp != nil {
			ts = *record.DeviceTimestamp
		}
		for name, value := range record.Metrics {
			rows = append(rows, model.NewTelemetryRow(ts, record.DeviceID, name, value))
		}
		records = append(records, expandedRecord{record: record, timestamp: ts})

		info, err := p.resolver.Get(ctx, record.DeviceID)
		if err != nil {
			p.log.WithError(err).WithField("device", record.DeviceID).Warn("skipping rule evaluation")
			continue
		}
		if err := p.evaluator.Evaluate(ctx, info, record); err != nil {
			p.log.WithError(err).WithField("device", record.DeviceID).Error("rule evaluation failed")
		}
	}
	return records, ids, rows
}

// recordBatch accumulates stream entries until it is worth flushing.
type recordBatch struct {
	messages  []queues.Message
	maxSize   int
	maxAge    time.Duration
	startedAt time.Time
}

func newBatch(maxSize int, maxAge time.Duration) *recordBatch {
	return &recordBatch{maxSize: maxSize, maxAge: maxAge}
}

func (b *recordBatch) add(messages []queues.Message) {
	if len(messages) == 0 {
		return
	}
	if len(b.messages) == 0 {
		b.startedAt = time.Now()
	}
	b.messages = append(b.messages, messages...)
}

func (b *recordBatch) ready() bool {
	if len(b.messages) == 0 {
		return false
	}
	if len(b.messages) >= b.maxSize {
		return true
	}
	return b.maxAge > 0 && time.Since(b.startedAt) >= b.maxAge
}

func (b *recordBatch) empty() bool {
	return len(b.messages) == 0
}

func (b *recordBatch) drain() []queues.Message {
	messages := b.messages
	b.messages = nil
	return messages
}
