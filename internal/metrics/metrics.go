// Package metrics holds the Prometheus collectors exported by lanepool.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"lanepool/internal/domain"
)

// otherEventType labels collaborator event types outside the built-in set.
const otherEventType = "other"

// Metrics groups every lanepool collector. A nil *Metrics is valid and
// records nothing, which keeps tests and the CLI free of registration.
type Metrics struct {
	Registry *prometheus.Registry

	ItemsSubmitted    prometheus.Counter
	ItemsPlaced       prometheus.Counter
	PlacementConflict prometheus.Counter
	PoolEvents        *prometheus.CounterVec
	PoolTransitions   *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	DeliveryDuration  prometheus.Histogram
	FanoutFailures    prometheus.Counter
	TaskDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry
// alongside the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ItemsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanepool_items_submitted_total",
			Help: "Total number of items accepted by submit",
		}),
		ItemsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanepool_items_placed_total",
			Help: "Total number of items placed into a pool",
		}),
		PlacementConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanepool_placement_conflicts_total",
			Help: "Placements abandoned because the pool changed concurrently or lacked room",
		}),
		PoolEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanepool_pool_events_total",
			Help: "Pool events appended to the ledger",
		}, []string{"type"}),
		PoolTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanepool_pool_transitions_total",
			Help: "Pool status transitions",
		}, []string{"to"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanepool_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		}, []string{"outcome"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lanepool_webhook_delivery_duration_seconds",
			Help:    "Duration of outbound webhook requests",
			Buckets: prometheus.DefBuckets,
		}),
		FanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanepool_webhook_fanout_failures_total",
			Help: "Events whose delivery fan-out failed and was rolled back",
		}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lanepool_task_duration_seconds",
			Help:    "Duration of background task runs",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ItemsSubmitted,
		m.ItemsPlaced,
		m.PlacementConflict,
		m.PoolEvents,
		m.PoolTransitions,
		m.Deliveries,
		m.DeliveryDuration,
		m.FanoutFailures,
		m.TaskDuration,
	)
	return m
}

func (m *Metrics) ItemSubmitted() {
	if m == nil {
		return
	}
	m.ItemsSubmitted.Inc()
}

func (m *Metrics) ItemPlaced() {
	if m == nil {
		return
	}
	m.ItemsPlaced.Inc()
}

func (m *Metrics) PlacementConflicted() {
	if m == nil {
		return
	}
	m.PlacementConflict.Inc()
}

func (m *Metrics) EventAppended(evtType string) {
	if m == nil {
		return
	}
	if !domain.IsKnownEventType(evtType) {
		evtType = otherEventType
	}
	m.PoolEvents.WithLabelValues(evtType).Inc()
}

func (m *Metrics) PoolTransitioned(to string) {
	if m == nil {
		return
	}
	m.PoolTransitions.WithLabelValues(to).Inc()
}

// DeliveryFinished records one attempt; outcome is success, retry or failed.
func (m *Metrics) DeliveryFinished(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		m.DeliveryDuration.Observe(seconds)
	}
}

func (m *Metrics) FanoutFailed() {
	if m == nil {
		return
	}
	m.FanoutFailures.Inc()
}

func (m *Metrics) TaskRan(task string, seconds float64) {
	if m == nil {
		return
	}
	m.TaskDuration.WithLabelValues(task).Observe(seconds)
}
