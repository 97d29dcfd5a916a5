package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"storykeep.org/internal/obs"
	"storykeep.org/internal/ownership"
	"storykeep.org/internal/stream"
)

// StreamSink publishes entries to live SSE subscribers.
type StreamSink struct {
	Stream *stream.Stream
}

func (s StreamSink) Write(_ context.Context, e ownership.AuditEntry) error {
	if s.Stream == nil {
		return nil
	}
	s.Stream.Publish(stream.Event{
		ID:         e.ID,
		TenantID:   e.TenantID,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Action:     e.Action,
		Category:   e.ActionCategory,
		ActorID:    e.ActorID,
		Summary:    e.ChangeSummary,
		Timestamp:  e.CreatedAt,
	})
	return nil
}

// Writer is the subset of kafka.Writer the sink needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes entries as JSON messages keyed by entity id.
type KafkaSink struct {
	writer  Writer
	timeout time.Duration
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka sink: brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaSinkWithWriter(w), nil
}

// NewKafkaSinkWithWriter allows injecting a test writer.
func NewKafkaSinkWithWriter(w Writer) *KafkaSink {
	return &KafkaSink{writer: w, timeout: 2 * time.Second}
}

func (s *KafkaSink) Write(ctx context.Context, e ownership.AuditEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(e.EntityType + ":" + e.EntityID),
		Value: b,
		Time:  e.CreatedAt,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(e.Action)},
			{Key: "tenant", Value: []byte(e.TenantID)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	if err := s.writer.Close(); err != nil {
		obs.Error("kafka sink close failed", err, nil)
		return err
	}
	return nil
}
