package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubIoT struct {
	inputs []*iotdataplane.PublishInput
	err    error
}

func (s *stubIoT) Publish(_ context.Context, in *iotdataplane.PublishInput, _ ...func(*iotdataplane.Options)) (*iotdataplane.PublishOutput, error) {
	s.inputs = append(s.inputs, in)
	if s.err != nil {
		return nil, s.err
	}
	return &iotdataplane.PublishOutput{}, nil
}

func TestIoTPublisherPayload(t *testing.T) {
	client := &stubIoT{}
	pub := NewIoTPublisher(client, DefaultTopic, zap.NewNop())

	require.NoError(t, pub.Publish(context.Background(), Message{Class: 3, WasteBinary: 1, ImgID: "abc"}))
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, DefaultTopic, *in.Topic)
	assert.Equal(t, int32(1), in.Qos)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(in.Payload, &decoded))
	assert.Equal(t, map[string]any{"class": float64(3), "waste_binary": float64(1), "img_id": "abc"}, decoded)
}

func TestIoTPublisherWrapsErrors(t *testing.T) {
	pub := NewIoTPublisher(&stubIoT{err: errors.New("throttled")}, "t", zap.NewNop())

	err := pub.Publish(context.Background(), Message{ImgID: "x"})
	assert.ErrorIs(t, err, ErrPublish)
	assert.Contains(t, err.Error(), "throttled")
}

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error { return t.err }

type publishCall struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeMQTTClient struct {
	mqtt.Client
	connected    bool
	publishToken mqtt.Token
	calls        []publishCall
	disconnected bool
}

func (c *fakeMQTTClient) IsConnected() bool { return c.connected }

func (c *fakeMQTTClient) Connect() mqtt.Token {
	c.connected = true
	return completedToken(nil)
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.calls = append(c.calls, publishCall{topic: topic, qos: qos, payload: payload.([]byte)})
	return c.publishToken
}

func (c *fakeMQTTClient) Disconnect(uint) {
	c.connected = false
	c.disconnected = true
}

func TestMQTTPublisherPublishesWithQoS1(t *testing.T) {
	client := &fakeMQTTClient{publishToken: completedToken(nil)}
	pub := newMQTTPublisher(client, MQTTConfig{Topic: DefaultTopic}, zap.NewNop())

	require.NoError(t, pub.Connect(context.Background()))
	require.NoError(t, pub.Publish(context.Background(), Message{Class: 0, WasteBinary: 0, ImgID: "id-1"}))

	require.Len(t, client.calls, 1)
	assert.Equal(t, DefaultTopic, client.calls[0].topic)
	assert.Equal(t, byte(1), client.calls[0].qos)
	assert.JSONEq(t, `{"class":0,"waste_binary":0,"img_id":"id-1"}`, string(client.calls[0].payload))

	require.NoError(t, pub.Close())
	assert.True(t, client.disconnected)
}

func TestMQTTPublisherRequiresConnection(t *testing.T) {
	client := &fakeMQTTClient{publishToken: completedToken(nil)}
	pub := newMQTTPublisher(client, MQTTConfig{Topic: "t"}, zap.NewNop())

	err := pub.Publish(context.Background(), Message{ImgID: "x"})
	assert.ErrorIs(t, err, ErrPublish)
	assert.Empty(t, client.calls)
}

func TestMQTTPublisherTimeout(t *testing.T) {
	client := &fakeMQTTClient{connected: true, publishToken: pendingToken()}
	pub := newMQTTPublisher(client, MQTTConfig{Topic: "t", PublishTimeout: 10 * time.Millisecond}, zap.NewNop())

	err := pub.Publish(context.Background(), Message{ImgID: "x"})
	assert.ErrorIs(t, err, ErrPublish)
	assert.Contains(t, err.Error(), "timeout")
}

func TestMQTTPublisherHonoursContext(t *testing.T) {
	client := &fakeMQTTClient{connected: true, publishToken: pendingToken()}
	pub := newMQTTPublisher(client, MQTTConfig{Topic: "t", PublishTimeout: time.Minute}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pub.Publish(ctx, Message{ImgID: "x"})
	assert.ErrorIs(t, err, ErrPublish)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMQTTPublisherBrokerError(t *testing.T) {
	client := &fakeMQTTClient{connected: true, publishToken: completedToken(errors.New("not authorized"))}
	pub := newMQTTPublisher(client, MQTTConfig{Topic: "t"}, zap.NewNop())

	err := pub.Publish(context.Background(), Message{ImgID: "x"})
	assert.ErrorIs(t, err, ErrPublish)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestLogPublisher(t *testing.T) {
	pub := NewLogPublisher(DefaultTopic, zap.NewNop())
	assert.NoError(t, pub.Publish(context.Background(), Message{ImgID: "x"}))
	assert.NoError(t, pub.Close())
}
