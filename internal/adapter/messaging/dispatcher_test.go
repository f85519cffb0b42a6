package messaging

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/metrics"
)

func newTestDispatcher() (*Dispatcher, *metrics.Registry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	m := metrics.NewRegistry()
	return NewDispatcher(m, logger), m, hook
}

func envelope(t *testing.T, eventType string) []byte {
	t.Helper()
	event, err := domain.NewEvent(eventType, "order-service", domain.OrderCreatedData{OrderID: 1, ProductID: 1, Quantity: 1})
	require.NoError(t, err)
	body, err := event.Marshal()
	require.NoError(t, err)
	return body
}

func TestDispatch_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		handlerErr error
		want       Outcome
		label      string
	}{
		{"applied", nil, Ack, "applied"},
		{"duplicate", errors.Wrap(domain.ErrDuplicate, "event seen"), Ack, "duplicate"},
		{"insufficient stock", &domain.InsufficientStockError{ProductID: 1, Requested: 3, Available: 1}, Reject, "failed"},
		{"not found", domain.ErrNotFound, Reject, "failed"},
		{"store down", errors.New("connection reset"), Reject, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, m, _ := newTestDispatcher()
			var got domain.Event
			d.Register(domain.EventTypeOrderCreated, func(ctx context.Context, event domain.Event) error {
				got = event
				return tt.handlerErr
			})

			outcome := d.Dispatch(context.Background(), envelope(t, domain.EventTypeOrderCreated))

			assert.Equal(t, tt.want, outcome)
			assert.Equal(t, domain.EventTypeOrderCreated, got.EventType)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsConsumed.WithLabelValues(domain.EventTypeOrderCreated, tt.label)))
		})
	}
}

func TestDispatch_MalformedIsRejected(t *testing.T) {
	d, m, _ := newTestDispatcher()
	called := false
	d.Register(domain.EventTypeOrderCreated, func(ctx context.Context, event domain.Event) error {
		called = true
		return nil
	})

	for _, body := range [][]byte{nil, []byte("{"), []byte(`{"event_type":"OrderCreated"}`)} {
		assert.Equal(t, Reject, d.Dispatch(context.Background(), body))
	}

	assert.False(t, called)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsConsumed.WithLabelValues("unknown", "malformed")))
}

func TestDispatch_UnknownTypeIsRejected(t *testing.T) {
	d, m, hook := newTestDispatcher()
	d.Register(domain.EventTypeOrderCreated, func(ctx context.Context, event domain.Event) error {
		t.Fatal("wrong handler")
		return nil
	})

	assert.Equal(t, Reject, d.Dispatch(context.Background(), envelope(t, "PaymentCaptured")))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "PaymentCaptured", hook.LastEntry().Data["event_type"])

	assert.Equal(t, Reject, d.Dispatch(context.Background(), envelope(t, "RefundIssued")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsConsumed.WithLabelValues("unknown", "unhandled")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.EventsConsumed), "sender-chosen types must not become series")
}

func TestDispatch_PanicIsRejected(t *testing.T) {
	d, m, _ := newTestDispatcher()
	d.Register(domain.EventTypeOrderCreated, func(ctx context.Context, event domain.Event) error {
		panic("boom")
	})

	assert.Equal(t, Reject, d.Dispatch(context.Background(), envelope(t, domain.EventTypeOrderCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsConsumed.WithLabelValues(domain.EventTypeOrderCreated, "panic")))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "reject", Reject.String())
}
