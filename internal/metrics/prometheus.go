package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Lock metrics
	LockAcquisitionsTotal *prometheus.CounterVec
	LocksForceCleared     prometheus.Counter

	// Admission metrics
	AdmissionDecisionsTotal *prometheus.CounterVec

	// Harvest metrics
	PagesFetchedTotal  *prometheus.CounterVec
	HarvestItemsTotal  prometheus.Counter
	HarvestStallsTotal prometheus.Counter

	// Action queue metrics
	ActionsExecutedTotal *prometheus.CounterVec
	ActionDuration       *prometheus.HistogramVec
	QueueDepth           prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics against the
// given registerer. Pass prometheus.DefaultRegisterer in production
// and a fresh prometheus.NewRegistry() in tests so repeated
// construction cannot collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LockAcquisitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedpacer_lock_acquisitions_total",
				Help: "Total lock acquisition attempts by outcome",
			},
			[]string{"outcome"},
		),

		LocksForceCleared: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "feedpacer_locks_force_cleared_total",
				Help: "Total locks removed by force-clear recovery",
			},
		),

		AdmissionDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedpacer_admission_decisions_total",
				Help: "Total admission decisions by outcome",
			},
			[]string{"resource_id", "decision"},
		),

		PagesFetchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedpacer_pages_fetched_total",
				Help: "Total feed page fetches by status",
			},
			[]string{"status"},
		),

		HarvestItemsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "feedpacer_harvest_items_total",
				Help: "Total feed items collected",
			},
		),

		HarvestStallsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "feedpacer_harvest_stalls_total",
				Help: "Total harvests terminated by a pagination stall",
			},
		),

		ActionsExecutedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedpacer_actions_executed_total",
				Help: "Total actions executed by kind and status",
			},
			[]string{"kind", "status"},
		),

		ActionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedpacer_action_duration_seconds",
				Help:    "Duration of action execution",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "feedpacer_queue_depth",
				Help: "Current number of pending queued actions",
			},
		),
	}
}

// RecordLockAcquire records a lock acquisition attempt outcome.
func (m *Metrics) RecordLockAcquire(outcome string) {
	m.LockAcquisitionsTotal.WithLabelValues(outcome).Inc()
}

// RecordLocksCleared records a force-clear recovery.
func (m *Metrics) RecordLocksCleared(count int) {
	m.LocksForceCleared.Add(float64(count))
}

// RecordAdmission records an admission decision.
func (m *Metrics) RecordAdmission(resourceID, decision string) {
	m.AdmissionDecisionsTotal.WithLabelValues(resourceID, decision).Inc()
}

// RecordPageFetch records a page fetch outcome.
func (m *Metrics) RecordPageFetch(status string) {
	m.PagesFetchedTotal.WithLabelValues(status).Inc()
}

// RecordHarvestItems records collected feed items.
func (m *Metrics) RecordHarvestItems(count int) {
	m.HarvestItemsTotal.Add(float64(count))
}

// RecordHarvestStall records a stalled harvest.
func (m *Metrics) RecordHarvestStall() {
	m.HarvestStallsTotal.Inc()
}

// RecordAction records an executed action and its duration.
func (m *Metrics) RecordAction(kind, status string, seconds float64) {
	m.ActionsExecutedTotal.WithLabelValues(kind, status).Inc()
	m.ActionDuration.WithLabelValues(kind).Observe(seconds)
}

// UpdateQueueDepth updates the pending queue depth.
func (m *Metrics) UpdateQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}
