package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"
	"go.uber.org/zap"
)

// IoTDataAPI is the subset of the IoT data plane client used for publishing.
type IoTDataAPI interface {
	Publish(ctx context.Context, params *iotdataplane.PublishInput, optFns ...func(*iotdataplane.Options)) (*iotdataplane.PublishOutput, error)
}

// IoTPublisher publishes through the AWS IoT data plane.
type IoTPublisher struct {
	client IoTDataAPI
	topic  string
	logger *zap.Logger
}

// NewIoTPublisher returns a Publisher for topic.
func NewIoTPublisher(client IoTDataAPI, topic string, logger *zap.Logger) *IoTPublisher {
	return &IoTPublisher{client: client, topic: topic, logger: logger.Named("iot_publisher")}
}

// Publish sends msg with QoS 1.
func (p *IoTPublisher) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode message: %w", ErrPublish, err)
	}

	_, err = p.client.Publish(ctx, &iotdataplane.PublishInput{
		Topic:   aws.String(p.topic),
		Qos:     1,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("%w: topic %s: %w", ErrPublish, p.topic, err)
	}

	p.logger.Debug("published", zap.String("topic", p.topic), zap.String("img_id", msg.ImgID))
	return nil
}

// Close is a no-op; the SDK client holds no connection.
func (p *IoTPublisher) Close() error { return nil }
