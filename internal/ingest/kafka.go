// Package ingest feeds producer events from a Kafka topic into the hub.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	defaultRetryDelay = 100 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

var (
	errMissingBrokers   = errors.New("kafka consumer requires at least one broker")
	errMissingTopic     = errors.New("kafka consumer requires a topic")
	errMissingGroupID   = errors.New("kafka consumer requires group id")
	errMissingReader    = errors.New("kafka consumer requires a reader")
	errMissingPublisher = errors.New("kafka consumer requires a publisher")
)

// Publisher accepts validated producer events.
type Publisher interface {
	Publish(ctx context.Context, event streams.Event) (streams.Item, error)
}

// MessageReader is the subset of *kafka.Reader the consumer relies on.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// ReaderConfig addresses the ingest topic.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader constructs a consumer-group reader for the ingest topic.
func NewReader(cfg ReaderConfig) (*kafka.Reader, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, errMissingBrokers
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errMissingTopic
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errMissingGroupID
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	}), nil
}

// Message is the wire format of an ingest record. The record key is used
// as the item id when id is absent.
type Message struct {
	Stream  streams.Name    `json:"stream"`
	Group   string          `json:"group"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Targets []string        `json:"targets,omitempty"`
}

// Decode parses a record into an event.
func Decode(record kafka.Message) (streams.Event, error) {
	var message Message
	if err := json.Unmarshal(record.Value, &message); err != nil {
		return streams.Event{}, fmt.Errorf("ingest: decode record: %w", err)
	}
	if message.ID == "" {
		message.ID = string(record.Key)
	}
	return streams.Event{
		Stream:  message.Stream,
		Group:   message.Group,
		Key:     message.ID,
		Payload: message.Payload,
		Targets: message.Targets,
	}, nil
}

// Consumer publishes every record of the topic and commits it once handled.
type Consumer struct {
	reader     MessageReader
	publisher  Publisher
	retryDelay time.Duration
	logger     *zap.Logger
}

// ConsumerConfig describes the dependencies of a Consumer.
type ConsumerConfig struct {
	Reader     MessageReader
	Publisher  Publisher
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// NewConsumer constructs a Consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Reader == nil {
		return nil, errMissingReader
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{reader: cfg.Reader, publisher: cfg.Publisher, retryDelay: retryDelay, logger: logger}, nil
}

// Run consumes until ctx is done. Records that can never be accepted are
// logged and committed; store failures are retried before committing.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		record, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ingest: fetch: %w", err)
		}
		if err := c.handle(ctx, record); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, record); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ingest: commit offset %d: %w", record.Offset, err)
		}
	}
}

// Close releases the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) handle(ctx context.Context, record kafka.Message) error {
	event, err := Decode(record)
	if err != nil {
		c.logger.Warn("ingest record rejected", recordFields(record, err)...)
		return nil
	}

	delay := c.retryDelay
	for {
		_, err := c.publisher.Publish(ctx, event)
		if err == nil {
			return nil
		}
		if rejected(err) {
			c.logger.Warn("ingest record rejected", recordFields(record, err)...)
			return nil
		}
		c.logger.Error("ingest publish failed", recordFields(record, err)...)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

// rejected reports errors that retrying the same record cannot fix.
func rejected(err error) bool {
	return errors.Is(err, streams.ErrUnknownStream) ||
		errors.Is(err, streams.ErrSchemaViolation) ||
		errors.Is(err, streams.ErrMalformedTarget) ||
		errors.Is(err, streams.ErrInvalidKey)
}

func recordFields(record kafka.Message, err error) []zap.Field {
	return []zap.Field{
		zap.String("topic", record.Topic),
		zap.Int("partition", record.Partition),
		zap.Int64("offset", record.Offset),
		zap.Error(err),
	}
}
