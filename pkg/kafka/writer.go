package kafka

import (
	"context"
	"errors"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/angelmondragon/pulse-engine/pkg/config"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer publishes keyed JSON messages to a single topic.
type Writer struct {
	w       messageWriter
	timeout time.Duration
}

// NewWriter builds a writer for topic. It returns an error when no broker is configured.
func NewWriter(cfg config.KafkaConfig, topic string) (*Writer, error) {
	if !cfg.Enabled() {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka topic is required")
	}
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	// Writers are safe for concurrent use.
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        strings.TrimSpace(topic),
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Writer{w: w, timeout: timeout}, nil
}

// Write sends one message and waits for the broker acknowledgement.
func (w *Writer) Write(ctx context.Context, key string, value []byte) error {
	if w == nil || w.w == nil {
		return errors.New("kafka writer not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value})
}

// Close flushes pending messages and releases the writer.
func (w *Writer) Close() error {
	if w == nil || w.w == nil {
		return nil
	}
	return w.w.Close()
}
