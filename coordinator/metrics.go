package coordinator

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the shape of graph.PrometheusMetrics: a small, named set
// of counters and histograms registered once and threaded through the
// handlers that touch them.
type Metrics struct {
	RPCsTotal                 *prometheus.CounterVec
	RPCLatencyMS              *prometheus.HistogramVec
	CheckpointsTotal          prometheus.Counter
	CheckpointConflictsTotal  prometheus.Counter
	RetriesTotal              prometheus.Counter
	SignalsPending            prometheus.Gauge
	WakeQueueDepth            prometheus.Gauge
}

// NewMetrics registers the Coordinator's metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RPCsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runtara_coordinator_rpcs_total",
			Help: "Count of instance and management RPCs handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		RPCLatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runtara_coordinator_rpc_latency_ms",
			Help:    "Handler latency in milliseconds, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		CheckpointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runtara_coordinator_checkpoints_total",
			Help: "Count of checkpoints durably committed.",
		}),
		CheckpointConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runtara_coordinator_checkpoint_conflicts_total",
			Help: "Count of Checkpoint calls that observed an already-saved checkpoint (a resume/fetch).",
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runtara_coordinator_retries_total",
			Help: "Count of RetryAttempt events recorded.",
		}),
		SignalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runtara_coordinator_signals_pending",
			Help: "Current count of unacknowledged non-custom signals.",
		}),
		WakeQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runtara_coordinator_wake_queue_depth",
			Help: "Current count of scheduled wake entries not yet due.",
		}),
	}
	reg.MustRegister(m.RPCsTotal, m.RPCLatencyMS, m.CheckpointsTotal, m.CheckpointConflictsTotal, m.RetriesTotal, m.SignalsPending, m.WakeQueueDepth)
	return m
}

func (m *Metrics) observe(method string, ms float64, outcome string) {
	if m == nil {
		return
	}
	m.RPCsTotal.WithLabelValues(method, outcome).Inc()
	m.RPCLatencyMS.WithLabelValues(method).Observe(ms)
}
