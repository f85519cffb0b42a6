package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

// Records acknowledgements by delivery tag
type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    []uint64
	nacked   []uint64
	requeued bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeued = a.requeued || requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.nacked)
}

func newTestConsumer(t *testing.T, workers int, h Handler) *Consumer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	d, _, _ := newTestDispatcher()
	d.Register(domain.EventTypeOrderCreated, h)
	return NewConsumer(ConsumerConfig{Queue: "order.created.product", Prefetch: 10, Workers: workers}, d, logger)
}

func TestConsumer_HandleAcksAndRejects(t *testing.T) {
	c := newTestConsumer(t, 1, func(ctx context.Context, event domain.Event) error { return nil })
	ack := &fakeAcknowledger{}

	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: envelope(t, domain.EventTypeOrderCreated)})
	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("not json")})

	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Equal(t, []uint64{2}, ack.nacked)
	assert.False(t, ack.requeued)
}

func TestConsumer_ServeDrainsOnCancel(t *testing.T) {
	release := make(chan struct{})
	c := newTestConsumer(t, 3, func(ctx context.Context, event domain.Event) error {
		<-release
		return ctx.Err()
	})
	ack := &fakeAcknowledger{}

	deliveries := make(chan amqp.Delivery, 10)
	for i := 1; i <= 5; i++ {
		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(i), Body: envelope(t, domain.EventTypeOrderCreated)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.serve(ctx, deliveries, func() error {
			close(stopped)
			close(deliveries)
			return nil
		})
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("subscription was not cancelled")
	}
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}

	// In-flight handlers run with a context that outlives the cancellation.
	acked, nacked := ack.counts()
	assert.Equal(t, 5, acked)
	assert.Equal(t, 0, nacked)
}

func TestConsumer_ServeReturnsWhenChannelCloses(t *testing.T) {
	c := newTestConsumer(t, 2, func(ctx context.Context, event domain.Event) error { return nil })
	deliveries := make(chan amqp.Delivery)
	close(deliveries)

	err := c.serve(context.Background(), deliveries, func() error {
		t.Fatal("stop called without cancellation")
		return nil
	})
	assert.NoError(t, err)
}
