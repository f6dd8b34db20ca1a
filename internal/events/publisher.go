// Package events publishes best-effort audit events to Kafka.
//
// The stream is observational only: chat semantics never depend on a publish
// succeeding, and a nil Publisher is a valid no-op.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const publishTimeout = 5 * time.Second

// Event kinds carried on the stream.
const (
	KindMessageCreated = "message.created"
	KindMatchPaired    = "match.paired"
)

// MessageCreatedEvent is emitted after a direct message is persisted.
type MessageCreatedEvent struct {
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	AuthorID       string    `json:"author_id"`
	HasImage       bool      `json:"has_image"`
	CreatedAt      time.Time `json:"created_at"`
}

// MatchPairedEvent is emitted after a successful random-chat pairing.
type MatchPairedEvent struct {
	Kind     string    `json:"kind"`
	RoomKey  string    `json:"room_key"`
	UserA    string    `json:"user_a"`
	UserB    string    `json:"user_b"`
	PairedAt time.Time `json:"paired_at"`
}

// Publisher writes events to a Kafka topic. All methods are nil-safe.
type Publisher struct {
	log    *slog.Logger
	writer *kafka.Writer
}

// NewPublisher constructs a Publisher. Returns nil when no brokers are
// configured, which callers treat as "events disabled".
func NewPublisher(log *slog.Logger, brokers []string, topic string) *Publisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
	return &Publisher{log: log, writer: w}
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// MessageCreated publishes a message.created event keyed by conversation id.
func (p *Publisher) MessageCreated(ctx context.Context, ev MessageCreatedEvent) {
	if p == nil {
		return
	}
	ev.Kind = KindMessageCreated
	p.publish(ctx, ev.ConversationID, ev)
}

// MatchPaired publishes a match.paired event keyed by room key.
func (p *Publisher) MatchPaired(ctx context.Context, ev MatchPairedEvent) {
	if p == nil {
		return
	}
	ev.Kind = KindMatchPaired
	p.publish(ctx, ev.RoomKey, ev)
}

func (p *Publisher) publish(ctx context.Context, key string, ev any) {
	b, err := json.Marshal(ev)
	if err != nil {
		p.log.Info("events.marshal.fail", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := kafka.Message{Key: []byte(key), Value: b, Time: time.Now()}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Info("events.publish.fail", "key", key, "err", err)
	}
}
