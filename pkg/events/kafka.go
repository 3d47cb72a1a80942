package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type EventType string

const (
	EventTypeTrackEnqueued EventType = "track_enqueued"
	EventTypeTrackVoted    EventType = "track_voted"
	EventTypeTrackPopped   EventType = "track_popped"
	EventTypeSessionClosed EventType = "session_closed"
)

// Event is the envelope published for every queue mutation. Origin carries
// the publishing instance id so the relay consumer can skip events it already
// delivered locally.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID uuid.UUID       `json:"session_id"`
	Origin    string          `json:"origin"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type KafkaClient struct {
	writer *kafka.Writer
	reader *kafka.Reader
	origin string
}

func NewKafkaClient(brokers []string, topic string, groupID string) *KafkaClient {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
	})

	return &KafkaClient{
		writer: writer,
		reader: reader,
		origin: uuid.New().String(),
	}
}

// Origin identifies this instance in published events.
func (k *KafkaClient) Origin() string {
	return k.origin
}

func (k *KafkaClient) Publish(ctx context.Context, eventType EventType, sessionID uuid.UUID, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}

	event := Event{
		Type:      eventType,
		SessionID: sessionID,
		Origin:    k.origin,
		Timestamp: time.Now(),
		Payload:   raw,
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		// Key by session so one session's events stay ordered within
		// a partition.
		Key:   []byte(sessionID.String()),
		Value: value,
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

func (k *KafkaClient) Consume(ctx context.Context, handler func(Event) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := k.reader.ReadMessage(ctx)
			if err != nil {
				return fmt.Errorf("failed to read message: %w", err)
			}

			var event Event
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal event: %w", err)
			}

			if err := handler(event); err != nil {
				return fmt.Errorf("failed to handle event: %w", err)
			}
		}
	}
}

func (k *KafkaClient) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := k.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	return nil
}
