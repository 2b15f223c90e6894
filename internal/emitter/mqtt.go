package emitter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker   string // host:port or full URL
	ClientID string
	Topic    string // events go to {Topic}/{event type}
	QoS      byte
}

// MQTTPublisher publishes events as JSON to an MQTT broker.
type MQTTPublisher struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *zap.Logger

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

// Stats contains publisher statistics.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// NewMQTTPublisher creates a publisher; call Connect before Publish.
func NewMQTTPublisher(cfg MQTTConfig, logger *zap.Logger) *MQTTPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Topic == "" {
		cfg.Topic = "proctor/events"
	}
	return &MQTTPublisher{
		cfg:       cfg,
		logger:    logger.Named("mqtt"),
		published: make(map[string]uint64),
	}
}

// BrokerURL normalises a bare host:port into a tcp:// URL.
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection. Reconnects are automatic.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(p.cfg.Broker))
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		p.logger.Info("mqtt connection established",
			zap.String("broker", p.cfg.Broker),
			zap.String("client_id", p.cfg.ClientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("mqtt connection lost, will auto-reconnect",
			zap.Error(err),
			zap.String("broker", p.cfg.Broker))
	}

	p.client = mqtt.NewClient(opts)
	p.logger.Info("connecting to mqtt broker", zap.String("broker", p.cfg.Broker))

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	token := p.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return nil
}

// Topic returns the topic an event of typ is published on.
func (p *MQTTPublisher) Topic(typ string) string {
	return fmt.Sprintf("%s/%s", p.cfg.Topic, typ)
}

// Publish implements Publisher.
func (p *MQTTPublisher) Publish(_ context.Context, ev Event) error {
	if !p.isConnected() {
		p.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := ev.JSON()
	if err != nil {
		p.countError()
		return fmt.Errorf("marshal event: %w", err)
	}

	topic := p.Topic(ev.Type)
	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()

	p.logger.Debug("event published",
		zap.String("topic", topic),
		zap.String("event_id", ev.ID),
		zap.Int("size", len(payload)))
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("mqtt disconnected")
	}
	p.setConnected(false)
	return nil
}

// Stats returns publisher statistics.
func (p *MQTTPublisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	published := make(map[string]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return Stats{Connected: p.connected, Published: published, Errors: p.errors}
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
