package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"paidpost/internal/log"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const (
	TypePaymentResolved    = "payment.resolved"
	TypePaymentReaped      = "payment.reaped"
	TypeOrderScheduled     = "order.scheduled"
	TypeScheduleRevoked    = "order.schedule_revoked"
	TypePublicationPosted  = "publication.posted"
	TypePublicationFailed  = "publication.failed"
	TypePublicationSkipped = "publication.skipped"
)

// Event is one audit record.
type Event struct {
	Type      string    `json:"type"`
	PaymentID string    `json:"payment_id,omitempty"`
	OrderID   int64     `json:"order_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Decision  string    `json:"decision,omitempty"`
	Source    string    `json:"source,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives audit events. Emit never fails the caller.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// KafkaSink publishes events as JSON to one topic, keyed by payment id, or
// by order id when the event has no payment.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   *log.Logger
}

func NewKafkaSink(brokers []string, topic string, logger *log.Logger) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	logger.Info("Kafka producer initialized", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return NewKafkaSinkWithProducer(producer, topic, logger), nil
}

func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string, logger *log.Logger) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic, logger: logger}
}

func (s *KafkaSink) Emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("Failed to marshal audit event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	key := ev.PaymentID
	if key == "" {
		key = strconv.FormatInt(ev.OrderID, 10)
	}

	carrier := make(headerCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	msg := &sarama.ProducerMessage{
		Topic:   s.topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader(carrier),
	}
	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		s.logger.Error("Failed to publish audit event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	s.logger.Debug("Audit event published", zap.String("type", ev.Type),
		zap.Int32("partition", partition), zap.Int64("offset", offset))
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

// headerCarrier carries trace context in Kafka record headers.
type headerCarrier []sarama.RecordHeader

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
