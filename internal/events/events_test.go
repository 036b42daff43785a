package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/safar/storefront-fulfilment/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherWritesEnvelopeKeyedByOrder(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w, producer: "fulfilment"}

	order := &models.Order{ID: 42, OrderNumber: "ORD-1", UserID: "u1", Status: models.OrderStatusPaid, TotalPrice: decimal.NewFromInt(90)}
	require.NoError(t, p.Publish(context.Background(), OrderEvent(TypeOrderPaid, order)))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "42", string(w.msgs[0].Key))

	var env Envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	assert.Equal(t, TypeOrderPaid, env.EventType)
	assert.Equal(t, int64(42), env.OrderID)
	assert.NotEmpty(t, env.EventID)

	var payload OrderPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "paid", payload.Status)
	assert.True(t, payload.TotalPrice.Equal(decimal.NewFromInt(90)))
}

func TestKafkaPublisherWrapsWriteErrors(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaPublisher{w: &fakeWriter{err: boom}, producer: "fulfilment"}

	err := p.Publish(context.Background(), Event{Type: TypeOrderCreated, OrderID: 1})
	assert.ErrorIs(t, err, boom)
}

type stalledWriter struct{}

func (stalledWriter) WriteMessages(ctx context.Context, _ ...kafka.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledWriter) Close() error { return nil }

func TestKafkaPublisherBoundsStalledWrites(t *testing.T) {
	p := &KafkaPublisher{w: stalledWriter{}, producer: "fulfilment", timeout: 20 * time.Millisecond}

	start := time.Now()
	err := p.Publish(context.WithoutCancel(context.Background()), Event{Type: TypeOrderPaid, OrderID: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewKafkaPublisherIsAsync(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "orders", "fulfilment", zap.NewNop())
	defer p.Close()

	w, ok := p.w.(*kafka.Writer)
	require.True(t, ok)
	assert.True(t, w.Async)
	assert.NotNil(t, w.Completion)
}

func TestStatusEvent(t *testing.T) {
	_, ok := StatusEvent(&models.Order{Status: models.OrderStatusPending})
	assert.False(t, ok)

	e, ok := StatusEvent(&models.Order{ID: 3, Status: models.OrderStatusCancelled})
	require.True(t, ok)
	assert.Equal(t, TypeOrderCancelled, e.Type)
}
