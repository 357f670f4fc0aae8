package slab

// metrics.go contains a thin abstraction over Prometheus so that
// temporal-slab can be used with or without metrics.  When the user passes
// a *prometheus.Registry in New(..., WithMetrics(reg)), we create labeled
// metrics and expose them via the registry.  Otherwise a no-op sink is used
// and the hot path does not pay for metric updates.
//
// Only slow events reach the sink: slow-path entries, page maps, decommit
// activity and epoch lifecycle transitions.  Hot-path counters stay plain
// atomics inside the pools and surface through the snapshot API instead.
//
// Metric names follow Prometheus best practices, suffixed with "_total" for
// counters.  Pool metrics are **class-level**; the epoch lifecycle metrics
// are allocator-wide and unlabeled.  Aggregations can easily be done on the
// Prometheus side via sum() / rate().
//
// ┌──────────────────────────────┬──────┬────────┐
// │ Metric                       │ Type │ Labels │
// ├──────────────────────────────┼──────┼────────┤
// │ slowpath_total               │ Ctr  │ class  │
// │ page_maps_total              │ Ctr  │ class  │
// │ decommit_total               │ Ctr  │ class  │
// │ decommit_bytes_total         │ Ctr  │ class  │
// │ decommit_failures_total      │ Ctr  │ class  │
// │ mapped_bytes                 │ Gge  │ class  │
// │ epoch_advances_total         │ Ctr  │        │
// │ epoch_closes_total           │ Ctr  │        │
// │ reclaimed_bytes_total        │ Ctr  │        │
// └──────────────────────────────┴──────┴────────┘
//
// © 2025 arena-cache authors. MIT License.

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Voskan/temporal-slab/internal/pool"
)

// metricsSink is the internal interface abstracting away the concrete
// backend (Prometheus vs noop).  It extends the pool's slow-event sink with
// allocator-level epoch events.
type metricsSink interface {
	pool.Sink
	EpochAdvanced()
	EpochClosed(reclaimedSlabs int, reclaimedBytes uint64)
}

/*
   ---------------- No-op implementation ----------------
*/

type noopMetrics struct{ pool.NopSink }

func (noopMetrics) EpochAdvanced()             {}
func (noopMetrics) EpochClosed(int, uint64)    {}

/*
   ---------------- Prometheus implementation ----------------
*/

type promMetrics struct {
	slowpath      *prometheus.CounterVec
	pageMaps      *prometheus.CounterVec
	decommits     *prometheus.CounterVec
	decommitBytes *prometheus.CounterVec
	decommitFails *prometheus.CounterVec
	mapped        *prometheus.GaugeVec

	advances  prometheus.Counter
	closes    prometheus.Counter
	reclaimed prometheus.Counter

	// Atomic mirror so the gauge can be set without read-modify-write on
	// the Prometheus side.
	mappedMirror []atomic.Int64
}

func newPromMetrics(classes int, reg *prometheus.Registry) *promMetrics {
	label := []string{"class"}

	pm := &promMetrics{
		slowpath: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "temporal_slab",
				Name:      "slowpath_total",
				Help:      "Number of allocations that entered the slow path.",
			}, label),
		pageMaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "temporal_slab",
				Name:      "page_maps_total",
				Help:      "Number of fresh backing pages mapped.",
			}, label),
		decommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "temporal_slab",
				Name:      "decommit_total",
				Help:      "Number of decommit hints issued.",
			}, label),
		decommitBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "temporal_slab",
				Name:      "decommit_bytes_total",
				Help:      "Bytes covered by decommit hints.",
			}, label),
		decommitFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "temporal_slab",
				Name:      "decommit_failures_total",
				Help:      "Decommit hints the kernel refused.",
			}, label),
		mapped: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "temporal_slab",
				Name:      "mapped_bytes",
				Help:      "Virtual bytes reserved for slab pages.",
			}, label),
		advances: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "temporal_slab",
				Name:      "epoch_advances_total",
				Help:      "Number of epoch ring advances.",
			}),
		closes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "temporal_slab",
				Name:      "epoch_closes_total",
				Help:      "Number of epoch close passes.",
			}),
		reclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "temporal_slab",
				Name:      "reclaimed_bytes_total",
				Help:      "Bytes reclaimed by epoch closes.",
			}),
		mappedMirror: make([]atomic.Int64, classes),
	}

	reg.MustRegister(pm.slowpath, pm.pageMaps, pm.decommits, pm.decommitBytes,
		pm.decommitFails, pm.mapped, pm.advances, pm.closes, pm.reclaimed)
	return pm
}

/*
   -------- promMetrics implements metricsSink --------
*/

func classLabel(class int) string { return strconv.Itoa(class) }

func (m *promMetrics) SlowPath(class int) {
	m.slowpath.WithLabelValues(classLabel(class)).Inc()
}

func (m *promMetrics) PageMapped(class, bytes int) {
	m.pageMaps.WithLabelValues(classLabel(class)).Inc()
	v := m.mappedMirror[class].Add(int64(bytes))
	m.mapped.WithLabelValues(classLabel(class)).Set(float64(v))
}

func (m *promMetrics) Decommitted(class, bytes int) {
	m.decommits.WithLabelValues(classLabel(class)).Inc()
	m.decommitBytes.WithLabelValues(classLabel(class)).Add(float64(bytes))
}

func (m *promMetrics) DecommitFailed(class int) {
	m.decommitFails.WithLabelValues(classLabel(class)).Inc()
}

func (m *promMetrics) EpochAdvanced() { m.advances.Inc() }

func (m *promMetrics) EpochClosed(_ int, bytes uint64) {
	m.closes.Inc()
	m.reclaimed.Add(float64(bytes))
}

/*
   ---------------- Factory ----------------
*/

// newMetricsSink decides which implementation to use.
func newMetricsSink(sizeClasses []uint32, reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(len(sizeClasses), reg)
}
