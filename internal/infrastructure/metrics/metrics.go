// ABOUTME: Prometheus instrumentation for stream pipelines
// ABOUTME: Counts outcomes, errors, bytes, and backpressure per pipeline run
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "audioproxy"

// Registry holds all metric instances for the proxy.
type Registry struct {
	PipelinesStarted  prometheus.Counter
	PipelinesFinished *prometheus.CounterVec
	PipelineErrors    *prometheus.CounterVec
	ActivePipelines   prometheus.Gauge

	BytesFetched       prometheus.Counter
	BytesStreamed      prometheus.Counter
	BackpressureEvents prometheus.Counter

	PipelineDuration prometheus.Histogram
	FirstByte        prometheus.Histogram
}

// NewRegistry creates the metrics on the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		PipelinesStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "started_total",
				Help:      "Total number of pipelines started",
			},
		),

		PipelinesFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "finished_total",
				Help:      "Total number of pipelines finished, by outcome",
			},
			[]string{"outcome"},
		),

		PipelineErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "errors_total",
				Help:      "Total number of pipeline failures, by stage and kind",
			},
			[]string{"stage", "kind"},
		),

		ActivePipelines: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "active",
				Help:      "Number of pipelines currently running",
			},
		),

		BytesFetched: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "fetched_bytes_total",
				Help:      "Total bytes read from upstream sources",
			},
		),

		BytesStreamed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "streamed_bytes_total",
				Help:      "Total bytes written to callers",
			},
		),

		BackpressureEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "backpressure_events_total",
				Help:      "Writes that blocked on a full inter-stage pipe",
			},
		),

		PipelineDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "duration_seconds",
				Help:      "Wall time of a pipeline run",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		),

		FirstByte: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "first_byte_seconds",
				Help:      "Time until the first transcoded byte was sent",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

// Run is what one finished pipeline reports.
type Run struct {
	Outcome           string
	ErrStage          string
	ErrKind           string
	BytesFetched      int64
	BytesStreamed     int64
	BackpressureWaits int64
	FirstByte         time.Duration
	Duration          time.Duration
}

func (r *Registry) Started() {
	if r == nil {
		return
	}
	r.PipelinesStarted.Inc()
	r.ActivePipelines.Inc()
}

func (r *Registry) Finished(run Run) {
	if r == nil {
		return
	}
	r.ActivePipelines.Dec()
	r.PipelinesFinished.WithLabelValues(run.Outcome).Inc()
	if run.ErrKind != "" {
		r.PipelineErrors.WithLabelValues(run.ErrStage, run.ErrKind).Inc()
	}
	r.BytesFetched.Add(float64(run.BytesFetched))
	r.BytesStreamed.Add(float64(run.BytesStreamed))
	r.BackpressureEvents.Add(float64(run.BackpressureWaits))
	r.PipelineDuration.Observe(run.Duration.Seconds())
	if run.FirstByte > 0 {
		r.FirstByte.Observe(run.FirstByte.Seconds())
	}
}
