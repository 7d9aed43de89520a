package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for the research service. All methods are
// safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	StudyTransitions    *prometheus.CounterVec
	Enrollments         *prometheus.CounterVec
	Allocations         *prometheus.CounterVec
	AssessmentsRecorded *prometheus.CounterVec
	Exports             *prometheus.CounterVec
	ExportSmallestGroup prometheus.Gauge
	ExportLatency       prometheus.Histogram
	EventFailures       *prometheus.CounterVec
}

// New registers every research metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		StudyTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "research_study_transitions_total",
			Help: "Study lifecycle transitions by target status",
		}, []string{"status"}),

		Enrollments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "research_enrollments_total",
			Help: "Enrollment attempts by outcome",
		}, []string{"outcome"}), // outcome: "enrolled", "rejected", "failed"

		Allocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "research_allocations_total",
			Help: "Arm allocations by randomization method",
		}, []string{"method"}),

		AssessmentsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "research_assessments_recorded_total",
			Help: "Recorded assessments by tool and severity",
		}, []string{"tool", "severity"}),

		Exports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "research_exports_total",
			Help: "Dataset exports by format and outcome",
		}, []string{"format", "outcome"}),

		ExportSmallestGroup: factory.NewGauge(prometheus.GaugeOpts{
			Name: "research_export_smallest_group",
			Help: "Smallest quasi-identifier group size of the latest export",
		}),

		ExportLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "research_export_duration_seconds",
			Help:    "Duration of dataset assembly, anonymity checks and serialization",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		EventFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "research_event_failures_total",
			Help: "Domain events that could not be published or handled",
		}, []string{"event_type"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncTransition(status string) {
	if m != nil {
		m.StudyTransitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) IncEnrollment(outcome string) {
	if m != nil {
		m.Enrollments.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncAllocation(method string) {
	if m != nil {
		m.Allocations.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) IncAssessment(tool, severity string) {
	if m != nil {
		m.AssessmentsRecorded.WithLabelValues(tool, severity).Inc()
	}
}

func (m *Metrics) ObserveExport(format, outcome string, smallestGroup int, d time.Duration) {
	if m != nil {
		m.Exports.WithLabelValues(format, outcome).Inc()
		m.ExportSmallestGroup.Set(float64(smallestGroup))
		m.ExportLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) IncEventFailure(eventType string) {
	if m != nil {
		m.EventFailures.WithLabelValues(eventType).Inc()
	}
}
