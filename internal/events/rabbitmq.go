package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 发布器的连接参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

// amqpChannel 抽象发布所需的 channel 能力。
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher 把事件发布到主题交换机，路由键为 task.<事件类型>。
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	durable  bool
}

// NewRabbitMQPublisher 创建 RabbitMQ 发布器并声明交换机。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "taskmarket.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: exchange, durable: cfg.Durable}, nil
}

// Publish 发布一条 JSON 消息。
func (p *RabbitMQPublisher) Publish(ctx context.Context, msg Message) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 发布器未初始化")
	}
	publishing, err := p.publishing(msg)
	if err != nil {
		return err
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, msg.RoutingKey(), false, false, publishing); err != nil {
		return fmt.Errorf("RabbitMQ 发布事件失败: %w", err)
	}
	return nil
}

func (p *RabbitMQPublisher) publishing(msg Message) (amqp.Publishing, error) {
	body, err := Encode(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}
	mode := amqp.Transient
	if p.durable {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		MessageId:    msg.ID,
		Type:         msg.Kind,
		Timestamp:    time.Unix(msg.OccurredAt, 0),
		Headers:      amqp.Table{"seq": int64(msg.Seq), "task_id": int64(msg.TaskID)},
		Body:         body,
	}, nil
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

var _ Publisher = (*RabbitMQPublisher)(nil)
