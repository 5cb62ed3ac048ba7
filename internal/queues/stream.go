// Package queues implements the Redis Stream buffer between the
// ingestion gateway and the telemetry worker pool.
//
// The stream is the durability hand-off: the gateway XADDs validated
// telemetry with an approximate MAXLEN bound (on sustained overload the
// oldest buffered entries are dropped in favor of keeping the stream
// bounded), and workers consume through a consumer group so that
// unacked entries survive process restarts. Entries idle past a
// threshold are reassigned with XAUTOCLAIM.
package queues

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firstline-io/firstline/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	TelemetryStream = "telemetry:stream"

	fieldDeviceID = "device_id"
	fieldPayload  = "payload"
)

// Message is one stream entry handed to a worker.
type Message struct {
	ID       string
	DeviceID string
	Payload  []byte
}

func NewRedisClient(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Redis.Addr(),
		Password:        cfg.Redis.Password,
		DB:              0,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		DialTimeout:     5 * time.Second,
	})

	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Ping(timeoutCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info("successfully connected to Redis")
	return client, nil
}

// Publisher appends telemetry records to the stream.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
	log    logrus.FieldLogger
}

func NewPublisher(client *redis.Client, stream string, maxLen int64, log logrus.FieldLogger) *Publisher {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &Publisher{client: client, stream: stream, maxLen: maxLen, log: log}
}

func (p *Publisher) Publish(ctx context.Context, deviceID string, payload []byte) (string, error) {
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			fieldDeviceID: deviceID,
			fieldPayload:  payload,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}
	return id, nil
}

// Consumer is one member of a consumer group on the stream.
type Consumer struct {
	client       *redis.Client
	stream       string
	groupName    string
	consumerName string
	log          logrus.FieldLogger
}

func NewConsumer(ctx context.Context, client *redis.Client, stream, group, consumerName string, log logrus.FieldLogger) (*Consumer, error) {
	c := &Consumer{
		client:       client,
		stream:       stream,
		groupName:    group,
		consumerName: consumerName,
		log: log.WithFields(logrus.Fields{
			"consumerName":  consumerName,
			"consumerGroup": group,
		}),
	}
	if err := c.ensureConsumerGroup(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureConsumerGroup creates the consumer group or recreates it if it was lost (e.g., after Redis restart).
func (c *Consumer) ensureConsumerGroup(ctx context.Context) error {
	// This is idempotent - no need to synchronize
	if err := c.client.XGroupCreateMkStream(ctx, c.stream, c.groupName, "0").Err(); err != nil {
		// BUSYGROUP means it already exists - treat as success
		if strings.Contains(err.Error(), "BUSYGROUP") {
			c.log.Debug("consumer group already exists")
			return nil
		}
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	c.log.Info("consumer group ensured")
	return nil
}

// ReadBatch blocks up to block for new entries and returns at most
// count of them. An idle read returns an empty slice and no error.
func (c *Consumer) ReadBatch(ctx context.Context, count int64, block time.Duration) ([]Message, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.groupName,
		Consumer: c.consumerName,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // idle
	}
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			if gerr := c.ensureConsumerGroup(ctx); gerr != nil {
				return nil, gerr
			}
			return nil, nil // group recreated; read on the next iteration
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	return flatten(streams), nil
}

// Ack acknowledges processed entries. Entries left unacked remain in
// the pending list and are retried after reclaim.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.stream, c.groupName, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack %d message(s): %w", len(ids), err)
	}
	return nil
}

// AutoClaim transfers ownership of entries that have been pending
// longer than minIdle to this consumer and returns them for
// reprocessing. Duplicate inserts are absorbed by the telemetry
// table's primary key.
func (c *Consumer) AutoClaim(ctx context.Context, minIdle time.Duration, count int64) ([]Message, error) {
	entries, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.groupName,
		Consumer: c.consumerName,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, c.ensureConsumerGroup(ctx)
		}
		return nil, fmt.Errorf("failed to auto-claim pending messages: %w", err)
	}
	messages := make([]Message, 0, len(entries))
	for _, entry := range entries {
		if msg, ok := toMessage(entry); ok {
			messages = append(messages, msg)
		} else {
			// Malformed entry; ack it away so it stops recirculating.
			c.log.WithField("entryID", entry.ID).Warn("discarding malformed stream entry")
			_ = c.client.XAck(ctx, c.stream, c.groupName, entry.ID).Err()
		}
	}
	return messages, nil
}

func flatten(streams []redis.XStream) []Message {
	var messages []Message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			if msg, ok := toMessage(entry); ok {
				messages = append(messages, msg)
			}
		}
	}
	return messages
}

func toMessage(entry redis.XMessage) (Message, bool) {
	msg := Message{ID: entry.ID}
	if v, ok := entry.Values[fieldDeviceID].(string); ok {
		msg.DeviceID = v
	}
	switch v := entry.Values[fieldPayload].(type) {
	case []byte:
		msg.Payload = v
	case string:
		msg.Payload = []byte(v)
	default:
		return msg, false
	}
	return msg, true
}
