// Package messaging streams ledger records to Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"proofmint/internal/domain"
	"proofmint/internal/idhash"
)

// Producer publishes submission records to a message queue.
type Producer interface {
	// Publish sends a single record.
	Publish(ctx context.Context, r *domain.SubmissionRecord) error

	// PublishBatch sends records in one write.
	PublishBatch(ctx context.Context, records []*domain.SubmissionRecord) error

	// Name identifies the producer in logs and metrics.
	Name() string

	// Close flushes buffered messages and closes the connection.
	Close() error
}

// KafkaConfig configures a KafkaProducer.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	RequiredAcks string        `yaml:"required_acks"` // none, one or all
	Async        bool          `yaml:"async"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// messageWriter is the subset of *kafka.Writer used by KafkaProducer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer implements Producer on segmentio/kafka-go.
type KafkaProducer struct {
	writer messageWriter
	log    logrus.FieldLogger
	topic  string
}

// NewKafkaProducer creates a KafkaProducer. Messages are keyed by the
// submission key so all attempts of one proof land on one partition.
func NewKafkaProducer(cfg KafkaConfig, log logrus.FieldLogger) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka producer configuration incomplete: both brokers and topic are required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 100 * time.Millisecond
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 5 * time.Second
	}

	var requiredAcks kafka.RequiredAcks
	switch cfg.RequiredAcks {
	case "none":
		requiredAcks = kafka.RequireNone
	case "all":
		requiredAcks = kafka.RequireAll
	default:
		requiredAcks = kafka.RequireOne
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    batchSize,
		BatchTimeout: batchTimeout,
		RequiredAcks: requiredAcks,
		Async:        cfg.Async,
		WriteTimeout: writeTimeout,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Errorf("Kafka writer error: "+msg, args...)
		}),
	}

	log.WithFields(logrus.Fields{"brokers": cfg.Brokers, "topic": cfg.Topic}).Info("Kafka producer created")
	return newKafkaProducer(w, cfg.Topic, log), nil
}

func newKafkaProducer(w messageWriter, topic string, log logrus.FieldLogger) *KafkaProducer {
	return &KafkaProducer{writer: w, log: log, topic: topic}
}

// Message builds the Kafka message for a record.
func Message(r *domain.SubmissionRecord) (kafka.Message, error) {
	value, err := json.Marshal(r)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to serialize submission record: %w", err)
	}
	return kafka.Message{
		Key:   []byte(idhash.SubmissionKey(r.WalletAddress, r.DescriptionNormalized, r.Fingerprint)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(r.Outcome)},
		},
	}, nil
}

// Publish sends a record.
func (p *KafkaProducer) Publish(ctx context.Context, r *domain.SubmissionRecord) error {
	msg, err := Message(r)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write submission %s to kafka: %w", r.ID, err)
	}
	return nil
}

// PublishBatch sends records in one write.
func (p *KafkaProducer) PublishBatch(ctx context.Context, records []*domain.SubmissionRecord) error {
	if len(records) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, len(records))
	for i, r := range records {
		msg, err := Message(r)
		if err != nil {
			return fmt.Errorf("submission %s: %w", r.ID, err)
		}
		msgs[i] = msg
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to batch write to kafka: %w", err)
	}
	p.log.WithFields(logrus.Fields{"count": len(records), "topic": p.topic}).Debug("Published submission batch")
	return nil
}

// Name implements Producer.
func (p *KafkaProducer) Name() string { return "kafka" }

// Close flushes and closes the writer.
func (p *KafkaProducer) Close() error {
	p.log.Info("Closing Kafka producer")
	return p.writer.Close()
}

var _ Producer = (*KafkaProducer)(nil)
