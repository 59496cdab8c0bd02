package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"

	"OpenMCP-Nexus/pkg/logger"
)

// LogSink 把事件写入审计日志。
type LogSink struct {
	log *slog.Logger
}

// NewLogSink 创建审计日志投递目标。
func NewLogSink() *LogSink {
	return &LogSink{log: logger.Audit()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("type", string(event.Type)),
		slog.String("intent_id", event.IntentID),
	}
	if event.Stage != "" {
		attrs = append(attrs, slog.String("stage", event.Stage))
	}
	if event.Message != "" {
		attrs = append(attrs, slog.String("message", event.Message))
	}
	if event.Type == PipelineFailed || event.Type == IntentFailed {
		s.log.Warn("生命周期事件", attrs...)
		return nil
	}
	s.log.Info("生命周期事件", attrs...)
	return nil
}

func (s *LogSink) Close() error { return nil }

// AMQPConfig 描述 RabbitMQ 投递参数。
type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink 把事件以 JSON 投递到 RabbitMQ。
type AMQPSink struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	key      string
}

// NewAMQPSink 连接 RabbitMQ 并声明持久化队列。
func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "nexus.events"
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
	if cfg.Exchange == "" {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
		}
	} else if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: cfg.Exchange, key: queue}, nil
}

func (s *AMQPSink) Name() string { return "rabbitmq" }

// Deliver 使用 exchange 时以事件类型作为 routing key，否则直接投递到队列。
func (s *AMQPSink) Deliver(ctx context.Context, event Event) error {
	if s == nil || s.ch == nil {
		return errors.New("RabbitMQ 投递未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := s.key
	if s.exchange != "" {
		key = string(event.Type)
	}
	return s.ch.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Type),
		Body:         body,
	})
}

func (s *AMQPSink) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.ch != nil {
		err = s.ch.Close()
	}
	if s.conn != nil {
		err = errors.Join(err, s.conn.Close())
	}
	return err
}

// NATSConfig 描述 NATS 投递参数。
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink 把事件发布到 <prefix>.<type> 主题。
type NATSSink struct {
	conn   *nats.Conn
	pub    natsPublisher
	prefix string
}

// NewNATSSink 连接 NATS，连接失败时由客户端在后台重连。
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL 不能为空")
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("openmcp-nexus"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	return &NATSSink{conn: conn, pub: conn, prefix: subjectPrefix(cfg.SubjectPrefix)}, nil
}

func subjectPrefix(p string) string {
	p = strings.Trim(p, ".")
	if p == "" {
		return "nexus.events"
	}
	return p
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Deliver(_ context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.pub.Publish(s.prefix+"."+string(event.Type), body)
}

func (s *NATSSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*AMQPSink)(nil)
	_ Sink = (*NATSSink)(nil)
)
