package heap

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Metrics mirrors every resize and sweep into Prometheus. The
// collector's single mutator thread is the only writer, but an HTTP
// scraper reads these concurrently on a goroutine this package does
// not control (spec.md §5 only rules out locking inside the
// mark/sweep/allocate path itself, not on this ambient side), so the
// canonical counts live in `go.uber.org/atomic` fields — the same
// primitive the collector's own pause flag uses — and the Prometheus
// gauges/counters are just kept in sync with them for export.
//
// A nil *Metrics is valid everywhere in this package: every method is
// a no-op on a nil receiver, which is how metrics stay opt-in (see
// congc.Config's Registry field).
type Metrics struct {
	slots       prometheus.Gauge
	items       prometheus.Gauge
	sweepLimit  prometheus.Gauge
	resizes     *prometheus.CounterVec
	sweeps      prometheus.Counter
	sweptAllocs prometheus.Counter
	sweptBytes  prometheus.Counter

	slotsVal       atomic.Uint64
	itemsVal       atomic.Uint64
	sweepLimitVal  atomic.Uint64
	growsVal       atomic.Uint64
	shrinksVal     atomic.Uint64
	sweepsVal      atomic.Uint64
	sweptAllocsVal atomic.Uint64
	sweptBytesVal  atomic.Uint64
}

// NewMetrics registers the collector's gauges and counters against
// reg and returns a *Metrics ready to pass to NewMap/NewCollector. reg
// must not be nil; callers that don't want metrics should pass a nil
// *Metrics instead of calling NewMetrics at all.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		slots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "congc_heap_slots",
			Help: "Current allocation map bucket-array capacity (nslots).",
		}),
		items: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "congc_heap_items",
			Help: "Current number of tracked allocations (nitems).",
		}),
		sweepLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "congc_heap_sweep_limit",
			Help: "nitems threshold that triggers a mark-sweep on the next allocation.",
		}),
		resizes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "congc_resizes_total",
			Help: "Allocation map resizes, by direction.",
		}, []string{"direction"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "congc_sweeps_total",
			Help: "Completed mark-sweep cycles.",
		}),
		sweptAllocs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "congc_swept_allocations_total",
			Help: "Lifetime count of allocations freed by sweep.",
		}),
		sweptBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "congc_swept_bytes_total",
			Help: "Lifetime bytes freed by sweep.",
		}),
	}
	reg.MustRegister(m.slots, m.items, m.sweepLimit, m.resizes, m.sweeps, m.sweptAllocs, m.sweptBytes)
	return m
}

func (m *Metrics) setSlots(n uint64) {
	if m == nil {
		return
	}
	m.slotsVal.Store(n)
	m.slots.Set(float64(n))
}

func (m *Metrics) setItems(n uint64) {
	if m == nil {
		return
	}
	m.itemsVal.Store(n)
	m.items.Set(float64(n))
}

func (m *Metrics) setSweepLimit(n uint64) {
	if m == nil {
		return
	}
	m.sweepLimitVal.Store(n)
	m.sweepLimit.Set(float64(n))
}

func (m *Metrics) recordResize(direction string, oldCap, newCap, nitems uint64) {
	if m == nil {
		return
	}
	if direction == "grow" {
		m.growsVal.Inc()
	} else {
		m.shrinksVal.Inc()
	}
	m.resizes.WithLabelValues(direction).Inc()
}

func (m *Metrics) recordSweep(freedAllocs, freedBytes uint64) {
	if m == nil {
		return
	}
	m.sweepsVal.Inc()
	m.sweptAllocsVal.Add(freedAllocs)
	m.sweptBytesVal.Add(freedBytes)
	m.sweeps.Inc()
	m.sweptAllocs.Add(float64(freedAllocs))
	m.sweptBytes.Add(float64(freedBytes))
}

// Snapshot reads every atomic counter in one pass, safe to call from
// any goroutine (e.g. an HTTP metrics scraper) concurrently with the
// collector's own mutator thread writing through setSlots/setItems/
// recordResize/recordSweep. A nil *Metrics yields the zero value.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Slots:       m.slotsVal.Load(),
		Items:       m.itemsVal.Load(),
		SweepLimit:  m.sweepLimitVal.Load(),
		Grows:       m.growsVal.Load(),
		Shrinks:     m.shrinksVal.Load(),
		Sweeps:      m.sweepsVal.Load(),
		SweptAllocs: m.sweptAllocsVal.Load(),
		SweptBytes:  m.sweptBytesVal.Load(),
	}
}

// MetricsSnapshot is a point-in-time read of every counter Metrics
// tracks, returned by Metrics.Snapshot.
type MetricsSnapshot struct {
	Slots       uint64
	Items       uint64
	SweepLimit  uint64
	Grows       uint64
	Shrinks     uint64
	Sweeps      uint64
	SweptAllocs uint64
	SweptBytes  uint64
}
