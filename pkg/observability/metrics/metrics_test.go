package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCountersExposed(t *testing.T) {
	m := New()
	m.IncEnrollment("enrolled")
	m.IncEnrollment("enrolled")
	m.IncAllocation("block")
	m.ObserveExport("csv", "ok", 5, 10*time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `research_enrollments_total{outcome="enrolled"} 2`)
	assert.Contains(t, body, `research_allocations_total{method="block"} 1`)
	assert.Contains(t, body, "research_export_smallest_group 5")
	assert.Contains(t, body, "research_export_duration_seconds_count 1")
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncTransition("recruiting")
	assert.Contains(t, scrape(t, a), `research_study_transitions_total{status="recruiting"} 1`)
	assert.NotContains(t, scrape(t, b), `status="recruiting"`)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncEnrollment("enrolled")
		m.IncAssessment("PHQ-9", "mild")
		m.ObserveExport("json", "ok", 1, time.Second)
		m.IncEventFailure("study_created")
	})
	assert.Nil(t, m.Registry())
}
