package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	alarmapp "hvac-telemetry/internal/alarms/application"
)

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes alert events to a Kafka topic keyed by unit serial,
// so events for one unit stay ordered within a partition.
type KafkaPublisher struct {
	writer  MessageWriter
	logger  *log.Logger
	timeout time.Duration
}

// NewKafkaWriter builds a writer for the alert topic.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher: no brokers")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher: empty topic")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}, nil
}

// NewKafkaPublisher constructs a publisher over writer.
func NewKafkaPublisher(writer MessageWriter, logger *log.Logger) (*KafkaPublisher, error) {
	if writer == nil {
		return nil, errors.New("kafka publisher: nil writer")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &KafkaPublisher{writer: writer, logger: logger, timeout: 5 * time.Second}, nil
}

// Notify implements AlertNotifier. Publish failures are logged, never returned
// to the ingest path.
func (p *KafkaPublisher) Notify(ctx context.Context, event alarmapp.AlertEvent) {
	if p == nil || p.writer == nil {
		return
	}
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Printf("kafka publisher: marshal %s: %v", event.Alert.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(event.Alert.UnitSerial),
		Value: value,
		Time:  event.Alert.TriggeredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "alert_id", Value: []byte(event.Alert.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Printf("kafka publisher: publish %s: %v", event.Alert.ID, err)
	}
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
