package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig 描述事件镜像队列的连接参数。
type AMQPConfig struct {
	URL   string
	Queue string
}

// AMQPMirror 把事件记录投递到 RabbitMQ 队列。
type AMQPMirror struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewAMQPMirror 创建事件镜像实例。
func NewAMQPMirror(cfg AMQPConfig) (*AMQPMirror, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "pulseanchor.events"
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
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &AMQPMirror{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 实现 Mirror 接口。
func (m *AMQPMirror) Publish(ctx context.Context, record Record) error {
	if m == nil || m.ch == nil {
		return errors.New("事件镜像未初始化")
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化事件记录失败: %w", err)
	}
	return m.ch.PublishWithContext(ctx, "", m.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close 关闭 RabbitMQ 连接。
func (m *AMQPMirror) Close() error {
	if m == nil {
		return nil
	}
	if m.ch != nil {
		_ = m.ch.Close()
	}
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}

var _ Mirror = (*AMQPMirror)(nil)
