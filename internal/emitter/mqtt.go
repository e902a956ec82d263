package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"

	"github.com/e7canasta/scanlens/internal/config"
	"github.com/e7canasta/scanlens/modules/resultrouter"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotConnected is returned by publish calls before Connect succeeds
// or while the broker connection is down.
var ErrNotConnected = errors.New("mqtt not connected")

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// publisher is the subset of mqtt.Client the emitter uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTTEmitter publishes scanner events, UI notifications and health to an MQTT broker
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	client    publisher
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a disconnected emitter
func NewMQTTEmitter(cfg config.MQTTConfig, logger *slog.Logger) *MQTTEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTEmitter{
		cfg:       cfg,
		logger:    logger.With("component", "emitter"),
		now:       time.Now,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to the broker. Auto-reconnect stays on afterwards.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	client := mqtt.NewClient(opts)
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()

	e.logger.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// PublishEvent publishes a routed scanner event to the events topic.
func (e *MQTTEmitter) PublishEvent(ev resultrouter.Event) error {
	payload, err := json.Marshal(newEventMessage(ev, e.now()))
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return e.publish(e.cfg.Topics.Events, payload)
}

// PublishNotification publishes a user-facing notification.
func (e *MQTTEmitter) PublishNotification(n Notification) error {
	if n.At.IsZero() {
		n.At = e.now()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return e.publish(e.cfg.Topics.Notifications, payload)
}

// PublishHealth publishes a pre-encoded health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	return e.publish(e.cfg.Topics.Health, payload)
}

func (e *MQTTEmitter) publish(topic string, payload []byte) error {
	e.mu.RLock()
	client, connected := e.client, e.connected
	e.mu.RUnlock()

	if client == nil || !connected {
		e.countError()
		return ErrNotConnected
	}

	token := client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("message published",
		"topic", topic,
		"qos", e.cfg.QoS,
		"size", len(payload),
	)
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	e.mu.Lock()
	client := e.client
	e.connected = false
	e.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250) // 250ms grace period
		e.logger.Info("mqtt disconnected")
	}
	return nil
}

// Connected reports the last known connection state.
func (e *MQTTEmitter) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
