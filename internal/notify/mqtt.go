package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig holds broker settings for MQTTPublisher.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTPublisher publishes to an MQTT broker with QoS 1.
type MQTTPublisher struct {
	mu     sync.Mutex
	client mqtt.Client
	config MQTTConfig
	logger *zap.Logger
}

// NewMQTTPublisher builds a paho client for cfg. Call Connect before Publish.
func NewMQTTPublisher(cfg MQTTConfig, logger *zap.Logger) *MQTTPublisher {
	logger = logger.Named("mqtt_publisher")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected to broker", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("connection to broker lost", zap.String("broker", cfg.Broker), zap.Error(err))
	})

	return newMQTTPublisher(mqtt.NewClient(opts), cfg, logger)
}

func newMQTTPublisher(client mqtt.Client, cfg MQTTConfig, logger *zap.Logger) *MQTTPublisher {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	return &MQTTPublisher{client: client, config: cfg, logger: logger}
}

// Connect dials the broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	if err := waitToken(ctx, token, p.config.ConnectTimeout); err != nil {
		return fmt.Errorf("connect to %s: %w", p.config.Broker, err)
	}
	return nil
}

// Publish sends msg and waits for the broker's acknowledgement.
func (p *MQTTPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.client.IsConnected() {
		return fmt.Errorf("%w: not connected to MQTT broker", ErrPublish)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode message: %w", ErrPublish, err)
	}

	token := p.client.Publish(p.config.Topic, 1, false, payload)
	if err := waitToken(ctx, token, p.config.PublishTimeout); err != nil {
		return fmt.Errorf("%w: topic %s: %w", ErrPublish, p.config.Topic, err)
	}
	p.logger.Debug("published", zap.String("topic", p.config.Topic), zap.String("img_id", msg.ImgID))
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	}
}
