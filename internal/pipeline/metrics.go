package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments pipeline runs. A nil *Metrics records nothing.
type Metrics struct {
	Outcomes   *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	Candidates prometheus.Histogram
}

// NewMetrics registers the pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "facever_pipeline_outcomes_total",
			Help: "Verification requests by route and final status",
		}, []string{"route", "status"}),

		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "facever_pipeline_duration_seconds",
			Help:    "Duration of a full pipeline run, from classification to aggregation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"route"}),

		Candidates: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "facever_pipeline_candidates",
			Help:    "Candidate images extracted per request",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
	}
}

// ObserveRun records the outcome and latency of one run.
func (m *Metrics) ObserveRun(route Route, status Status, d time.Duration) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(string(route), string(status)).Inc()
	m.Duration.WithLabelValues(string(route)).Observe(d.Seconds())
}

// ObserveCandidates records how many candidate images a request produced.
func (m *Metrics) ObserveCandidates(n int) {
	if m != nil {
		m.Candidates.Observe(float64(n))
	}
}
