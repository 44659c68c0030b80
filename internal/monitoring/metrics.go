package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the worker.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	PagesTotal        prometheus.Counter
	RegionsTotal      prometheus.Counter
	RowsAppendedTotal prometheus.Counter
	RunDuration       prometheus.Histogram
	UnrecordedRuns    prometheus.Counter
}

// NewMetrics registers the worker metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogscan_runs_total",
			Help: "The total number of pipeline runs by outcome",
		}, []string{"status"}), // 'completed', 'failed'
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogscan_errors_total",
			Help: "The total number of failed runs by error kind",
		}, []string{"kind"}),
		PagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "catalogscan_pages_processed_total",
			Help: "The total number of rasterized pages processed",
		}),
		RegionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "catalogscan_regions_extracted_total",
			Help: "The total number of product regions extracted",
		}),
		RowsAppendedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "catalogscan_rows_appended_total",
			Help: "The total number of rows appended to artifacts",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "catalogscan_run_duration_seconds",
			Help:    "Wall time of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		UnrecordedRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "catalogscan_runs_unrecorded_total",
			Help: "The total number of runs that started without a run history entry",
		}),
	}
}

func (m *Metrics) ObservePage(regions int) {
	if m == nil {
		return
	}
	m.PagesTotal.Inc()
	m.RegionsTotal.Add(float64(regions))
}

func (m *Metrics) ObserveRunCompleted(rows int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues("completed").Inc()
	m.RowsAppendedTotal.Add(float64(rows))
	m.RunDuration.Observe(duration.Seconds())
}

func (m *Metrics) ObserveRunFailed(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues("failed").Inc()
	m.ErrorsTotal.WithLabelValues(kind).Inc()
	m.RunDuration.Observe(duration.Seconds())
}

func (m *Metrics) ObserveRunUnrecorded() {
	if m == nil {
		return
	}
	m.UnrecordedRuns.Inc()
}
