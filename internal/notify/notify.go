// Package notify delivers classification results to the downstream bin device.
package notify

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

// DefaultTopic is the topic the bin controller subscribes to.
const DefaultTopic = "esp32/image/waste_classification"

// ErrPublish marks a notification that could not be delivered.
var ErrPublish = errors.New("publish failed")

// Message is the payload sent to the device.
type Message struct {
	Class       int    `json:"class"`
	WasteBinary int    `json:"waste_binary"`
	ImgID       string `json:"img_id"`
}

// Publisher emits a Message with at-least-once delivery.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// LogPublisher writes messages to the log instead of a broker. It backs
// local runs.
type LogPublisher struct {
	topic  string
	logger *zap.Logger
}

// NewLogPublisher returns a Publisher that only logs.
func NewLogPublisher(topic string, logger *zap.Logger) *LogPublisher {
	return &LogPublisher{topic: topic, logger: logger.Named("log_publisher")}
}

// Publish logs msg.
func (p *LogPublisher) Publish(_ context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Join(ErrPublish, err)
	}
	p.logger.Info("notification",
		zap.String("topic", p.topic),
		zap.ByteString("payload", payload))
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }
