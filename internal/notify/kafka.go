// package notify publishes terminal ingest outcomes to Kafka so downstream
// consumers can react to finalizations without polling the ledger. The
// producer is optional; the processor runs fine without brokers configured.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fieldops/incidentpipe/internal/pipeline"
)

// KafkaConfig contains configurable parameters for the outcome producer.
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic receives one message per terminal outcome.
	Topic string

	// MaxAttempts is how many times a publish is retried on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// KafkaNotifier implements pipeline.Notifier over a kafka-go Writer. Messages
// are keyed by correlation id so duplicate publishes for the same submission
// land on the same partition.
type KafkaNotifier struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewKafkaNotifier(cfg KafkaConfig) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaNotifier{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// PublishOutcome produces the outcome as compact JSON with bounded retries
// and exponential backoff.
func (n *KafkaNotifier) PublishOutcome(ctx context.Context, ev pipeline.OutcomeEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: marshal outcome: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := n.writer.WriteMessages(attemptCtx, kafka.Message{
			Key:   []byte(ev.CorrelationID),
			Value: value,
			Time:  time.Now().UTC(),
		})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("kafka: publish failed after %d attempts: %w", n.maxAttempts, lastErr)
}

// Close shuts down the underlying writer.
func (n *KafkaNotifier) Close() error {
	if n == nil || n.writer == nil {
		return nil
	}
	return n.writer.Close()
}
