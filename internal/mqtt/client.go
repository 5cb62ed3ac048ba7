// Package mqtt wraps the shared broker client. One client per process,
// shared by the twin publisher and the ingest subscribers.
package mqtt

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/firstline-io/firstline/internal/config"
	"github.com/sirupsen/logrus"
)

// Handler receives inbound messages for a subscription.
type Handler func(topic string, payload []byte)

// Client is the narrow broker surface the core uses: QoS-1 publish
// (optionally retained) and QoS-1 subscribe.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler Handler) error
	Close()
}

type client struct {
	paho pahomqtt.Client
	log  logrus.FieldLogger

	// subscriptions are replayed on every reconnect so that message
	// delivery resumes without the broker having to persist session
	// state for us.
	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos     byte
	handler Handler
}

const publishTimeout = 10 * time.Second

func NewClient(cfg *config.Config, clientID string, log logrus.FieldLogger) (Client, error) {
	c := &client{
		log:  log,
		subs: make(map[string]subscription),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.BrokerURL)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.MQTT.Username)
	opts.SetPassword(cfg.MQTT.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.MQTT.MaxReconnectInterval)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.WithError(err).Warn("mqtt connection lost, reconnecting")
	})
	opts.SetOnConnectHandler(func(pc pahomqtt.Client) {
		log.Info("mqtt connected")
		c.resubscribe(pc)
	})

	c.paho = pahomqtt.NewClient(opts)
	token := c.paho.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to mqtt broker %s", cfg.MQTT.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to mqtt broker %s: %w", cfg.MQTT.BrokerURL, err)
	}
	return c, nil
}

func (c *client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.paho.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

func (c *client) Subscribe(topic string, qos byte, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	token := c.paho.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out subscribing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	c.log.WithField("topic", topic).Info("mqtt subscription established")
	return nil
}

func (c *client) resubscribe(pc pahomqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, sub := range c.subs {
		subs[topic] = sub
	}
	c.mu.Unlock()

	for topic, sub := range subs {
		handler := sub.handler
		token := pc.Subscribe(topic, sub.qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			handler(msg.Topic(), msg.Payload())
		})
		if token.WaitTimeout(publishTimeout) && token.Error() == nil {
			c.log.WithField("topic", topic).Debug("mqtt subscription reinstated")
		} else {
			c.log.WithField("topic", topic).WithError(token.Error()).Error("failed to reinstate mqtt subscription")
		}
	}
}

func (c *client) Close() {
	c.paho.Disconnect(250)
}
