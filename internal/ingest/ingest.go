// Package ingest is a best-effort audit/event stream for the matcher's
// lifecycle events, repurposed from the teacher's driver-location Kafka
// producer (spec's supplemented "audit event stream" feature). It sits off
// the critical path: publish failures are logged, never propagated to the
// caller, since losing an audit record must never block a pairing commit.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventKind names the audit events emitted around a match attempt.
type EventKind string

const (
	EventRouteRequestReceived EventKind = "ROUTE_REQUEST_RECEIVED"
	EventMatchCommitted       EventKind = "MATCH_COMMITTED"
	EventTripSealed           EventKind = "TRIP_SEALED"
	EventUserRemoved          EventKind = "USER_REMOVED"
)

// Event is the audit record shape written to the topic.
type Event struct {
	Kind      EventKind `json:"kind"`
	TripID    string    `json:"trip_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Producer writes audit events to Kafka.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &Producer{writer: w}
}

// Emit is best-effort: the caller should log a returned error, not fail the
// operation that triggered the event.
func (p *Producer) Emit(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := ev.TripID
	if key == "" {
		key = ev.UserID
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
