package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "walpipe"

// PrometheusCounter wraps prometheus.Counter with the same interface as Counter.
type PrometheusCounter struct {
	counter prometheus.Counter
}

// NewPrometheusCounter creates a new Prometheus counter with the given name and help text.
func NewPrometheusCounter(subsystem, name, help string) *PrometheusCounter {
	return &PrometheusCounter{
		counter: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}),
	}
}

func (c *PrometheusCounter) Inc() {
	c.counter.Inc()
}

func (c *PrometheusCounter) Add(n uint64) {
	c.counter.Add(float64(n))
}

// PrometheusGauge wraps prometheus.Gauge with the same interface as Gauge.
type PrometheusGauge struct {
	gauge prometheus.Gauge
}

// NewPrometheusGauge creates a new Prometheus gauge with the given name and help text.
func NewPrometheusGauge(subsystem, name, help string) *PrometheusGauge {
	return &PrometheusGauge{
		gauge: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}),
	}
}

func (g *PrometheusGauge) Set(v int64) {
	g.gauge.Set(float64(v))
}

func (g *PrometheusGauge) Get() int64 {
	// Prometheus gauges don't expose a synchronous read; use scraped
	// values for anything beyond local debugging.
	return 0
}

// PrometheusHistogram wraps prometheus.Histogram with the same interface as Histogram.
type PrometheusHistogram struct {
	histogram prometheus.Histogram
}

// NewPrometheusHistogram creates a new Prometheus histogram with the given buckets.
func NewPrometheusHistogram(subsystem, name, help string, buckets []float64) *PrometheusHistogram {
	return &PrometheusHistogram{
		histogram: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}),
	}
}

func (h *PrometheusHistogram) Observe(value uint64) {
	h.histogram.Observe(float64(value))
}

// Metrics is the centralized registry of every metric the pipeline emits,
// grouped by the component that owns it.
type Metrics struct {
	// internal/conn: replication client
	ReplicationLag    *PrometheusGauge
	ReplicationErrors *PrometheusCounter
	StandbyStatusSent *PrometheusCounter

	// internal/wire + internal/decode
	DecodeErrors   *PrometheusCounter
	UnknownTypeHit *PrometheusCounter

	// internal/backfill
	BackfillRowsCopied *PrometheusCounter
	BackfillTablesDone *PrometheusCounter
	BackfillDuration   *PrometheusHistogram

	// internal/pipeline
	EventsTotal       *PrometheusCounter
	TxBufferSize      *PrometheusGauge
	TxBufferOverflows *PrometheusCounter
	SinkApplyLatency  *PrometheusHistogram
	SinkRetries       *PrometheusCounter
	DedupDropped      *PrometheusCounter

	// examplesink/jetstream
	JetstreamPublished  *PrometheusCounter
	JetstreamAckFailure *PrometheusCounter
}

// NewMetrics creates a new centralized metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ReplicationLag: NewPrometheusGauge("conn", "replication_lag_milliseconds",
			"Current replication lag in milliseconds"),
		ReplicationErrors: NewPrometheusCounter("conn", "replication_errors_total",
			"Total number of replication client errors"),
		StandbyStatusSent: NewPrometheusCounter("conn", "standby_status_sent_total",
			"Total number of StandbyStatusUpdate messages sent"),

		DecodeErrors: NewPrometheusCounter("decode", "decode_errors_total",
			"Total number of column/message decode errors"),
		UnknownTypeHit: NewPrometheusCounter("decode", "unknown_type_total",
			"Total number of columns with no registered type codec"),

		BackfillRowsCopied: NewPrometheusCounter("backfill", "rows_copied_total",
			"Total number of rows copied during table backfill"),
		BackfillTablesDone: NewPrometheusCounter("backfill", "tables_completed_total",
			"Total number of tables that finished backfill"),
		BackfillDuration: NewPrometheusHistogram("backfill", "table_duration_seconds",
			"Backfill duration per table in seconds",
			[]float64{0.1, 0.5, 1, 5, 10, 30, 60, 300}),

		EventsTotal: NewPrometheusCounter("pipeline", "events_total",
			"Total number of CDC/backfill events processed"),
		TxBufferSize: NewPrometheusGauge("pipeline", "tx_buffer_size",
			"Current number of events buffered in the open transaction"),
		TxBufferOverflows: NewPrometheusCounter("pipeline", "tx_buffer_overflows_total",
			"Total number of transactions that exceeded the buffer limit and switched to streaming"),
		SinkApplyLatency: NewPrometheusHistogram("pipeline", "sink_apply_latency_microseconds",
			"Sink apply latency in microseconds",
			[]float64{100, 500, 1000, 5000, 10000, 50000, 100000}),
		SinkRetries: NewPrometheusCounter("pipeline", "sink_retries_total",
			"Total number of retryable sink errors"),
		DedupDropped: NewPrometheusCounter("pipeline", "dedup_dropped_total",
			"Total number of events dropped by the resume dedup window"),

		JetstreamPublished: NewPrometheusCounter("jetstream", "published_total",
			"Total number of rows acked by JetStream"),
		JetstreamAckFailure: NewPrometheusCounter("jetstream", "ack_failures_total",
			"Total number of JetStream publishes that failed to ack"),
	}
}

// GlobalMetrics is the process-wide registry, a singleton so constructors
// that don't take a *Metrics explicitly still report somewhere.
var GlobalMetrics = NewMetrics()
