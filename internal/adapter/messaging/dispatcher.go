package messaging

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/metrics"
)

const unknownEventType = "unknown"

// Outcome is what the consumer does with a delivery once it has been handled.
type Outcome int

const (
	Ack Outcome = iota
	// Reject discards the message without requeue.
	Reject
)

func (o Outcome) String() string {
	if o == Ack {
		return "ack"
	}
	return "reject"
}

// Handler applies one event. Returning domain.ErrDuplicate means the event
// was already applied and the delivery is acknowledged.
type Handler func(ctx context.Context, event domain.Event) error

// Dispatcher routes envelopes to handlers by event type. Register every
// handler before the first Dispatch.
type Dispatcher struct {
	handlers map[string]Handler
	metrics  *metrics.Registry
	logger   logrus.FieldLogger
}

func NewDispatcher(m *metrics.Registry, logger logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		metrics:  m,
		logger:   logger,
	}
}

func (d *Dispatcher) Register(eventType string, h Handler) {
	d.handlers[eventType] = h
}

func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) (outcome Outcome) {
	event, err := domain.ParseEvent(body)
	if err != nil {
		d.logger.WithError(err).Error("dropping malformed message")
		d.observe(unknownEventType, "malformed")
		return Reject
	}

	log := d.logger.WithFields(logrus.Fields{
		"event_type": event.EventType,
		"event_id":   event.EventID,
	})

	h, ok := d.handlers[event.EventType]
	if !ok {
		log.Warn("no handler registered, dropping message")
		// The type comes from the sender; only registered types become labels.
		d.observe(unknownEventType, "unhandled")
		return Reject
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("handler panicked")
			d.observe(event.EventType, "panic")
			outcome = Reject
		}
	}()

	err = h(ctx, event)
	switch {
	case err == nil:
		d.observe(event.EventType, "applied")
		return Ack
	case errors.Is(err, domain.ErrDuplicate):
		log.Info("event already processed")
		d.observe(event.EventType, "duplicate")
		return Ack
	default:
		log.WithError(err).Error("event handling failed")
		d.observe(event.EventType, "failed")
		return Reject
	}
}

func (d *Dispatcher) observe(eventType, outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.EventsConsumed.WithLabelValues(eventType, outcome).Inc()
}
