package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the cache, the allocation engine and
// the sync subsystem. A nil *Metrics is valid and records nothing.
type Metrics struct {
	CacheReloads        prometheus.Counter
	CacheReloadFailures prometheus.Counter
	CacheAnomalies      *prometheus.CounterVec
	CacheAddresses      prometheus.Gauge
	CacheAllocations    prometheus.Gauge
	Mutations           *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	Replays             *prometheus.CounterVec
	PermanentFailures   prometheus.Counter
	Conflicts           *prometheus.CounterVec
	LiveChecks          *prometheus.CounterVec
}

// New registers all series with reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheReloads: f.NewCounter(prometheus.CounterOpts{
			Name: "eckaddr_cache_reloads_total",
			Help: "Total number of completed full cache loads",
		}),
		CacheReloadFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "eckaddr_cache_reload_failures_total",
			Help: "Total number of cache loads that failed and kept the previous snapshot",
		}),
		CacheAnomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eckaddr_cache_anomalies_total",
			Help: "Remote rows violating occupancy rules, by kind",
		}, []string{"kind"}),
		CacheAddresses: f.NewGauge(prometheus.GaugeOpts{
			Name: "eckaddr_cache_addresses",
			Help: "Addresses in the current snapshot",
		}),
		CacheAllocations: f.NewGauge(prometheus.GaugeOpts{
			Name: "eckaddr_cache_allocations",
			Help: "Active allocations in the current snapshot",
		}),
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eckaddr_mutations_total",
			Help: "Mutating operations by operation and outcome (online, queued, rejected, invalid)",
		}, []string{"operation", "outcome"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "eckaddr_queue_depth",
			Help: "Mutations waiting for replay",
		}),
		Replays: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eckaddr_queue_replays_total",
			Help: "Replay attempts by result (ok, retry, permanent)",
		}, []string{"result"}),
		PermanentFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "eckaddr_queue_permanent_failures_total",
			Help: "Mutations removed from the queue without being applied",
		}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eckaddr_conflicts_total",
			Help: "Resolved conflicts by domain",
		}, []string{"domain"}),
		LiveChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eckaddr_live_checks_total",
			Help: "Live status checks by answer source (live, cache)",
		}, []string{"source"}),
	}
}

func (m *Metrics) IncReload() {
	if m == nil {
		return
	}
	m.CacheReloads.Inc()
}

func (m *Metrics) IncReloadFailure() {
	if m == nil {
		return
	}
	m.CacheReloadFailures.Inc()
}

func (m *Metrics) IncAnomaly(kind string) {
	if m == nil {
		return
	}
	m.CacheAnomalies.WithLabelValues(kind).Inc()
}

// SetSnapshotSize records the size of the snapshot that was just swapped in.
func (m *Metrics) SetSnapshotSize(addresses, allocations int) {
	if m == nil {
		return
	}
	m.CacheAddresses.Set(float64(addresses))
	m.CacheAllocations.Set(float64(allocations))
}

func (m *Metrics) IncMutation(operation, outcome string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) IncReplay(result string) {
	if m == nil {
		return
	}
	m.Replays.WithLabelValues(result).Inc()
}

func (m *Metrics) IncPermanentFailure() {
	if m == nil {
		return
	}
	m.PermanentFailures.Inc()
}

func (m *Metrics) IncConflict(domain string) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(domain).Inc()
}

func (m *Metrics) IncLiveCheck(source string) {
	if m == nil {
		return
	}
	m.LiveChecks.WithLabelValues(source).Inc()
}
