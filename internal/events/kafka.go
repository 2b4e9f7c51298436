package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer publishes JSON payloads keyed by order id.
type Producer interface {
	PublishJSON(ctx context.Context, key string, payload any) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Client struct {
	Brokers []string
}

func NewClient(brokers []string) *Client {
	return &Client{Brokers: brokers}
}

func (c *Client) Enabled() bool {
	return len(c.Brokers) > 0
}

func (c *Client) NewWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// NewProducer returns a Kafka producer for topic, or a no-op producer when
// no brokers are configured.
func (c *Client) NewProducer(topic string, logger *zap.Logger) Producer {
	if !c.Enabled() {
		return NopProducer{}
	}
	return newKafkaProducer(c.NewWriter(topic), logger)
}

type KafkaProducer struct {
	writer     messageWriter
	logger     *zap.Logger
	maxElapsed time.Duration
}

func newKafkaProducer(writer messageWriter, logger *zap.Logger) *KafkaProducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaProducer{writer: writer, logger: logger, maxElapsed: 5 * time.Second}
}

func (p *KafkaProducer) PublishJSON(ctx context.Context, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{Key: []byte(key), Value: data, Time: time.Now().UTC()}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = p.maxElapsed

	err = backoff.RetryNotify(func() error {
		return p.writer.WriteMessages(ctx, msg)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		p.logger.Warn("kafka publish failed, retrying",
			zap.String("key", key),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type NopProducer struct{}

func (NopProducer) PublishJSON(context.Context, string, any) error { return nil }

func (NopProducer) Close() error { return nil }
