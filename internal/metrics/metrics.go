package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg              *prometheus.Registry
	EventsConsumed   *prometheus.CounterVec
	EventsPublished  *prometheus.CounterVec
	RemoteAttempts   *prometheus.CounterVec
	OutboxPending    prometheus.Gauge
	OutboxParked     prometheus.Counter
	OrdersCreated    prometheus.Counter
	OrdersRejected   *prometheus.CounterVec
	StockAdjustments *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	consumed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_events_consumed_total",
		Help: "Consumed events by type and acknowledgement outcome.",
	}, []string{"event_type", "outcome"})
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_events_published_total",
		Help: "Publish attempts by event type and result.",
	}, []string{"event_type", "result"})
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_remote_call_attempts_total",
		Help: "HTTP attempts against the inventory service.",
	}, []string{"endpoint", "result"})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fulfillment_outbox_pending",
		Help: "Outbox messages seen pending on the last relay pass.",
	})
	parked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_outbox_parked_total",
		Help: "Outbox messages taken out of rotation after repeated failures.",
	})
	created := prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_orders_created_total"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_orders_rejected_total",
	}, []string{"reason"})
	adjustments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_stock_adjustments_total",
	}, []string{"result"})

	r.MustRegister(consumed, published, attempts, pending, parked, created, rejected, adjustments)
	return &Registry{
		reg:              r,
		EventsConsumed:   consumed,
		EventsPublished:  published,
		RemoteAttempts:   attempts,
		OutboxPending:    pending,
		OutboxParked:     parked,
		OrdersCreated:    created,
		OrdersRejected:   rejected,
		StockAdjustments: adjustments,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
