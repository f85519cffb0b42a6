package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/metrics"
	"github.com/rl1809/order-fulfillment/internal/port"
)

const (
	defaultOutboxMaxAttempts = 25
	defaultOutboxMaxBackoff  = 5 * time.Minute
)

// OutboxRelay republishes outbox messages that were not confirmed by the
// broker when their order change was committed. Messages keep their original
// event id, so a message published twice is deduplicated downstream.
//
// A failed message waits interval * 2^(attempts-1), capped at maxBackoff,
// before it is tried again. After maxAttempts failures it is parked.
type OutboxRelay struct {
	orders      port.OrderRepository
	publisher   port.EventPublisher
	metrics     *metrics.Registry
	logger      logrus.FieldLogger
	interval    time.Duration
	batchSize   int
	maxAttempts int
	maxBackoff  time.Duration
	now         func() time.Time
}

type OutboxRelayOption func(*OutboxRelay)

// WithRetryLimits sets when a failing message is parked and how long it may
// wait between attempts. maxAttempts <= 0 keeps retrying forever.
func WithRetryLimits(maxAttempts int, maxBackoff time.Duration) OutboxRelayOption {
	return func(r *OutboxRelay) {
		r.maxAttempts = maxAttempts
		if maxBackoff > 0 {
			r.maxBackoff = maxBackoff
		}
	}
}

func NewOutboxRelay(orders port.OrderRepository, publisher port.EventPublisher, m *metrics.Registry, logger logrus.FieldLogger, interval time.Duration, batchSize int, opts ...OutboxRelayOption) *OutboxRelay {
	r := &OutboxRelay{
		orders:      orders,
		publisher:   publisher,
		metrics:     m,
		logger:      logger,
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: defaultOutboxMaxAttempts,
		maxBackoff:  defaultOutboxMaxBackoff,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.WithField("interval", r.interval.String()).Info("outbox relay started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Error("outbox relay pass failed")
			}
		}
	}
}

// RunOnce publishes one batch and returns how many messages were confirmed.
// Messages younger than one poll interval are skipped; the request that wrote
// them is normally still publishing.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	now := r.now()
	msgs, err := r.orders.PendingOutbox(ctx, now.Add(-r.interval), now, r.batchSize)
	if err != nil {
		return 0, err
	}
	r.metrics.OutboxPending.Set(float64(len(msgs)))

	sent := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		log := r.logger.WithFields(logrus.Fields{
			"outbox_id":  msg.ID,
			"event_id":   msg.EventID,
			"event_type": msg.EventType,
			"attempts":   msg.Attempts,
		})

		event, err := domain.ParseEvent(msg.Payload)
		if err != nil {
			log.WithError(err).Error("outbox payload is not a valid event, parking")
			r.park(ctx, log, msg.ID, err)
			continue
		}

		if err := r.publisher.Publish(ctx, event, msg.RoutingKey, publishOptions(msg.RoutingKey)); err != nil {
			r.metrics.EventsPublished.WithLabelValues(msg.EventType, "failed").Inc()
			r.markFailed(ctx, log, msg, err)
			continue
		}

		r.metrics.EventsPublished.WithLabelValues(msg.EventType, "ok").Inc()
		if err := r.orders.MarkOutboxSent(ctx, msg.ID); err != nil {
			log.WithError(err).Error("mark outbox sent")
			continue
		}
		log.Info("outbox message relayed")
		sent++
	}
	return sent, nil
}

func (r *OutboxRelay) markFailed(ctx context.Context, log logrus.FieldLogger, msg domain.OutboxMessage, cause error) {
	attempts := msg.Attempts + 1
	if r.maxAttempts > 0 && attempts >= r.maxAttempts {
		log.WithError(cause).Error("outbox publish failed too often, parking")
		r.park(ctx, log, msg.ID, cause)
		return
	}

	retryAt := r.now().Add(r.retryDelay(attempts))
	log.WithError(cause).WithField("retry_at", retryAt.Format(time.RFC3339)).Warn("outbox publish failed")
	if err := r.orders.MarkOutboxFailed(ctx, msg.ID, cause.Error(), retryAt); err != nil {
		log.WithError(err).Error("record outbox failure")
	}
}

func (r *OutboxRelay) park(ctx context.Context, log logrus.FieldLogger, id int64, cause error) {
	r.metrics.OutboxParked.Inc()
	if err := r.orders.ParkOutbox(ctx, id, cause.Error()); err != nil {
		log.WithError(err).Error("park outbox message")
	}
}

func (r *OutboxRelay) retryDelay(attempts int) time.Duration {
	d := r.interval
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.maxBackoff {
			return r.maxBackoff
		}
	}
	if d > r.maxBackoff {
		return r.maxBackoff
	}
	return d
}
