package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrProducerClosed is returned after Close.
var ErrProducerClosed = errors.New("kafka: producer is closed")

// permanentErrors will not succeed on a later attempt, so callers should not
// requeue the record.
var permanentErrors = []error{
	kafka.MessageSizeTooLarge,
	kafka.InvalidTopic,
	kafka.TopicAuthorizationFailed,
	kafka.ClusterAuthorizationFailed,
}

// MessageWriter is the subset of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes JSON records to one topic. Retries are left to the
// writer's MaxAttempts.
type Producer struct {
	writer MessageWriter
	topic  string
	logger *slog.Logger
	closed atomic.Bool

	mu    sync.Mutex
	stats Stats
}

// NewProducer validates config and builds a kafka-go Writer from it.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	transport, err := config.Transport()
	if err != nil {
		return nil, err
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{}, // same key, same partition
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		MaxAttempts:  config.MaxAttempts,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.Codec(),
		Transport:    transport,
		ErrorLogger: kafka.LoggerFunc(func(format string, args ...any) {
			logger.Warn("kafka writer: "+fmt.Sprintf(format, args...), "topic", config.Topic)
		}),
	}

	logger.Info("kafka forwarding enabled",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"compression", config.Compression,
		"sasl", config.SASL.Mechanism,
		"tls", config.TLS.Enabled,
	)
	return NewProducerWithWriter(w, config.Topic, logger), nil
}

// NewProducerWithWriter wraps an existing writer.
func NewProducerWithWriter(w MessageWriter, topic string, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{writer: w, topic: topic, logger: logger}
}

func (p *Producer) Topic() string { return p.topic }

// PublishJSON marshals value and writes it under key. Headers are attached
// in key order.
func (p *Producer) PublishJSON(ctx context.Context, key string, value any, headers map[string]string) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: encode record: %w", err)
	}

	msg := kafka.Message{Key: []byte(key), Value: body, Time: time.Now().UTC()}
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(headers[k])})
	}

	err = p.writer.WriteMessages(ctx, msg)
	p.record(len(msg.Key)+len(msg.Value), err)
	switch {
	case err == nil:
		return nil
	case isPermanent(err):
		return fmt.Errorf("kafka: non-retryable error on %s: %w", p.topic, err)
	default:
		return fmt.Errorf("kafka: write to %s: %w", p.topic, err)
	}
}

func (p *Producer) record(size int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.stats.Errors++
		p.stats.LastError = err.Error()
		p.stats.LastErrorTime = time.Now()
		return
	}
	p.stats.MessagesProduced++
	p.stats.BytesProduced += int64(size)
}

// Stats returns a snapshot of the producer counters.
func (p *Producer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close flushes pending batches and closes the writer. Later calls are no-ops.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	s := p.Stats()
	p.logger.Info("kafka producer closing", "produced", s.MessagesProduced, "bytes", s.BytesProduced, "errors", s.Errors)
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close writer: %w", err)
	}
	return nil
}

func isPermanent(err error) bool {
	return slices.ContainsFunc(permanentErrors, func(target error) bool {
		return errors.Is(err, target)
	})
}
