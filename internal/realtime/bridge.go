package realtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const bridgeChannel = "realtime:events"

// Bridge fans events out across API instances over Redis pub/sub so
// that a dashboard connected to one instance sees events produced by
// workers attached to another. Each instance tags outbound envelopes
// with its own ID and skips them on receipt.
type Bridge struct {
	client     *redis.Client
	instanceID string
	hub        *Hub
	log        logrus.FieldLogger
	cancel     context.CancelFunc
}

type bridgeEnvelope struct {
	Origin string   `json:"origin"`
	Event  envelope `json:"event"`
}

func NewBridge(client *redis.Client, hub *Hub, log logrus.FieldLogger) *Bridge {
	b := &Bridge{
		client:     client,
		instanceID: uuid.NewString(),
		hub:        hub,
		log:        log,
	}
	hub.SetBridge(b)
	return b
}

// Start subscribes to the bridge channel and pumps remote events into
// the hub until Stop is called.
func (b *Bridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	sub := b.client.Subscribe(ctx, bridgeChannel)

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env bridgeEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.WithError(err).Warn("discarding malformed bridge event")
					continue
				}
				if env.Origin == b.instanceID {
					continue
				}
				b.hub.deliverRemote(env.Event)
			}
		}
	}()
}

func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}

// Forward publishes a locally produced event to the other instances.
// Publish failures are logged and swallowed; local delivery already
// happened.
func (b *Bridge) Forward(env envelope) {
	payload, err := json.Marshal(bridgeEnvelope{Origin: b.instanceID, Event: env})
	if err != nil {
		return
	}
	if err := b.client.Publish(context.Background(), bridgeChannel, payload).Err(); err != nil {
		b.log.WithError(err).Warn("failed to forward realtime event")
	}
}

// RemoteEmitter publishes events onto the bridge channel for processes
// that carry no websocket hub of their own (workers, monitors). Every
// API instance delivers them to its connected clients.
type RemoteEmitter struct {
	client *redis.Client
	origin string
	log    logrus.FieldLogger
}

var _ Emitter = (*RemoteEmitter)(nil)

func NewRemoteEmitter(client *redis.Client, log logrus.FieldLogger) *RemoteEmitter {
	return &RemoteEmitter{
		client: client,
		origin: uuid.NewString(),
		log:    log,
	}
}

func (e *RemoteEmitter) Emit(room, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		e.log.WithError(err).WithField("event", event).Error("failed to marshal realtime event")
		return
	}
	payload, err := json.Marshal(bridgeEnvelope{
		Origin: e.origin,
		Event:  envelope{Room: room, Event: event, Data: raw},
	})
	if err != nil {
		return
	}
	if err := e.client.Publish(context.Background(), bridgeChannel, payload).Err(); err != nil {
		e.log.WithError(err).WithField("event", event).Warn("failed to publish realtime event")
	}
}
