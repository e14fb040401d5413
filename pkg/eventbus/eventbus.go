// Package eventbus fans audit events out to Kafka on a best-effort basis.
// Grounded on pkg/statebus's consumer-only Kafka wrapper, extended with the
// producer direction the audit ledger needs.
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Config mirrors statebus.KafkaConfig's validation idiom.
type Config struct {
	Brokers []string
	Topic   string
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher fans audit events out to Kafka. Failures are the caller's to
// treat as best-effort (spec §4.4's hash chain is the system of record; this
// is a downstream feed, not part of the append path's durability guarantee).
type Publisher struct {
	writer kafkaWriter
}

func NewPublisher(cfg Config) (*Publisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("eventbus: kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("eventbus: kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &Publisher{writer: w}, nil
}

// Publish writes a single audit-event payload keyed by actor, so events for
// the same actor land on the same partition and preserve per-actor order.
func (p *Publisher) Publish(ctx context.Context, actor string, payload []byte) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("eventbus: publisher not initialized")
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(actor),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
