// Package events publishes order domain events. Kafka is used when brokers
// are configured; otherwise events are dropped by the noop publisher.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
)

var tracer = otel.Tracer("events")

// KafkaPublisher writes events to one topic, keyed by order id so every
// event of an order lands on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a long-lived writer for topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Publish sends one event synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, evt *domain.Event) error {
	ctx, span := tracer.Start(ctx, "KafkaPublisher.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", evt.Type))

	msg, err := buildMessage(evt)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return &domain.ErrExternalService{Service: "kafka", Err: err}
	}
	p.logger.Debug("event published",
		zap.String("type", evt.Type),
		zap.String("order_id", evt.OrderID),
	)
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func buildMessage(evt *domain.Event) (kafka.Message, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(evt.OrderID),
		Value: payload,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
			{Key: "tenant_id", Value: []byte(evt.TenantID)},
		},
	}, nil
}

// NoopPublisher drops events. Used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, *domain.Event) error { return nil }
func (NoopPublisher) Close() error                                 { return nil }
