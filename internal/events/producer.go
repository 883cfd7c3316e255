// Package events moves location samples and ride transitions through Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/observability"
)

const (
	DefaultLocationTopic = "cart-locations"
	DefaultRideTopic     = "ride-events"
)

const writeTimeout = 2 * time.Second

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	locations MessageWriter
	rides     MessageWriter
}

func NewProducer(brokers []string, locationTopic, rideTopic string) *Producer {
	return &Producer{
		locations: newWriter(brokers, locationTopic),
		rides:     newWriter(brokers, rideTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// NewProducerWithWriters is used by tests.
func NewProducerWithWriters(locations, rides MessageWriter) *Producer {
	return &Producer{locations: locations, rides: rides}
}

// PublishLocation keys by user so one device's samples stay ordered.
func (p *Producer) PublishLocation(ctx context.Context, s models.LocationSample) error {
	return p.write(ctx, p.locations, "location", s.UserID, s)
}

// Publish keys by ride id.
func (p *Producer) Publish(ctx context.Context, ev models.RideEvent) error {
	return p.write(ctx, p.rides, "ride", ev.RideID, ev)
}

func (p *Producer) write(ctx context.Context, w MessageWriter, label, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", label, err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		observability.EventsPublished.WithLabelValues(label, "error").Inc()
		return fmt.Errorf("publish %s event: %w", label, err)
	}
	observability.EventsPublished.WithLabelValues(label, "ok").Inc()
	return nil
}

func (p *Producer) Close() error {
	var first error
	for _, w := range []MessageWriter{p.locations, p.rides} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// DecodeLocation parses a message written by PublishLocation.
func DecodeLocation(m kafka.Message) (models.LocationSample, error) {
	var s models.LocationSample
	if err := json.Unmarshal(m.Value, &s); err != nil {
		return s, fmt.Errorf("decode location: %w", err)
	}
	if s.UserID == "" {
		s.UserID = string(m.Key)
	}
	return s, nil
}
