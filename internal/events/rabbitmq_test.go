package events

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func (c *recordingChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange, c.key, c.msg = exchange, key, msg
	return nil
}

func (c *recordingChannel) Close() error { return nil }

func TestRabbitMQPublisherRoutesByKind(t *testing.T) {
	reg := newLifecycleRegistry(t)
	ch := &recordingChannel{}
	pub := &RabbitMQPublisher{ch: ch, exchange: "taskmarket.events", durable: true}

	msg := NewMessage(reg.EventsSince(1, 1)[0])
	require.NoError(t, pub.Publish(context.Background(), msg))

	require.Equal(t, "taskmarket.events", ch.exchange)
	require.Equal(t, "task.TaskAccepted", ch.key)
	require.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	require.Equal(t, msg.ID, ch.msg.MessageId)
	require.Equal(t, int64(2), ch.msg.Headers["seq"])

	decoded, err := Decode(ch.msg.Body)
	require.NoError(t, err)
	require.Equal(t, msg.Worker, decoded.Worker)
	require.NoError(t, pub.Close())
}

func TestNewRabbitMQPublisherRequiresURL(t *testing.T) {
	_, err := NewRabbitMQPublisher(RabbitMQConfig{})
	require.Error(t, err)
}
