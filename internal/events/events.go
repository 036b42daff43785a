// Package events publishes order lifecycle events for downstream consumers.
// Publishing is best effort: the database is the record, events are a feed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 2 * time.Second

const (
	TypeOrderCreated   = "order.created"
	TypeOrderPaid      = "order.paid"
	TypeOrderCancelled = "order.cancelled"
	TypeOrderFailed    = "order.failed"
	TypeStockShortfall = "order.stock_shortfall"
)

type Envelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	EventVersion int             `json:"event_version"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Producer     string          `json:"producer"`
	OrderID      int64           `json:"order_id"`
	Payload      json.RawMessage `json:"payload"`
}

type Event struct {
	Type    string
	OrderID int64
	Payload any
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

func NewEnvelope(producer string, e Event, now time.Time) (Envelope, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return Envelope{
		EventID:      uuid.NewString(),
		EventType:    e.Type,
		EventVersion: 1,
		OccurredAt:   now.UTC(),
		Producer:     producer,
		OrderID:      e.OrderID,
		Payload:      payload,
	}, nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher keys every message by order id so one order's events stay
// in order on a single partition. The writer is async: Publish hands the
// message over and delivery failures are logged from the completion hook,
// so a broker outage never holds up a request.
type KafkaPublisher struct {
	w        messageWriter
	producer string
	timeout  time.Duration
}

func NewKafkaPublisher(brokers []string, topic, producer string, logger *zap.Logger) *KafkaPublisher {
	logger = logger.Named("events")
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
			Async:        true,
			Completion: func(msgs []kafka.Message, err error) {
				if err == nil {
					return
				}
				for _, m := range msgs {
					logger.Error("deliver event",
						zap.String("key", string(m.Key)),
						zap.String("topic", topic),
						zap.Error(err))
				}
			},
		},
		producer: producer,
		timeout:  defaultPublishTimeout,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	env, err := NewEnvelope(p.producer, e, time.Now())
	if err != nil {
		return err
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(e.OrderID, 10)),
		Value: value,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	timeout := p.timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
