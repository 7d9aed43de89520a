package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/research-platform/pkg/anonymization"
	"github.com/synaptica-ai/research-platform/pkg/assessment"
	"github.com/synaptica-ai/research-platform/pkg/common/models"
	"github.com/synaptica-ai/research-platform/pkg/export"
	"github.com/synaptica-ai/research-platform/pkg/gateway/middleware"
	"github.com/synaptica-ai/research-platform/pkg/randomization"
	"github.com/synaptica-ai/research-platform/pkg/report"
	"github.com/synaptica-ai/research-platform/pkg/research"
)

func newRouter(t *testing.T, kMin int) *mux.Router {
	t.Helper()
	anon, err := anonymization.NewEngine(anonymization.WithSalt("routes-salt"))
	require.NoError(t, err)
	catalog := assessment.DefaultCatalog()
	svc := research.NewService(research.NewMemoryStore(), anon, randomization.NewEngine(11, 4), catalog)
	handler := NewResearchHandler(svc,
		export.NewPipeline(svc, kMin, export.WithAuditor(svc)),
		report.NewGenerator(svc, catalog),
	)
	router := mux.NewRouter()
	handler.Register(router.PathPrefix("/api/v1/research").Subrouter())
	return router
}

func call(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, "/api/v1/research"+path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createRecruitingStudy(t *testing.T, router http.Handler) string {
	t.Helper()
	rec := call(t, router, http.MethodPost, "/studies", models.CreateStudyRequest{
		Title:                "AI counselling RCT",
		StudyType:            "rct",
		TargetEnrollment:     100,
		PrimaryOutcome:       "PHQ-9 change at week 12",
		RandomizationEnabled: true,
		Arms: []models.CreateStudyArmRequest{
			{Name: "ai_counseling", AllocationRatio: 1},
			{Name: "information_only", AllocationRatio: 1},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.StudyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "draft", created.Status)
	assert.Equal(t, 100, created.Enrollment.Target)

	id := created.StudyID
	require.Equal(t, http.StatusOK, call(t, router, http.MethodPost, "/studies/"+id+"/submit", models.SubmitForReviewRequest{ProtocolRef: "protocol.pdf"}).Code)
	require.Equal(t, http.StatusOK, call(t, router, http.MethodPost, "/studies/"+id+"/approve", models.ApproveStudyRequest{ApprovalNumber: "IRB-2026-001"}).Code)
	require.Equal(t, http.StatusOK, call(t, router, http.MethodPost, "/studies/"+id+"/recruit", nil).Code)
	return id
}

func TestStudyLifecycleOverHTTP(t *testing.T) {
	router := newRouter(t, 1)

	rec := call(t, router, http.MethodPost, "/studies", models.CreateStudyRequest{Title: "Draft only", StudyType: "observational"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var draft models.StudyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &draft))

	rec = call(t, router, http.MethodPost, "/studies/"+draft.StudyID+"/recruit", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, router, http.MethodGet, "/studies/STUDY_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, router, http.MethodPost, "/studies", models.CreateStudyRequest{Title: "No arms", RandomizationEnabled: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	id := createRecruitingStudy(t, router)
	rec = call(t, router, http.MethodGet, "/studies/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"recruiting"`)

	rec = call(t, router, http.MethodGet, "/studies?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []research.Study `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Items, 2)

	rec = call(t, router, http.MethodPost, "/studies/"+id+"/terminate", map[string]string{"reason": "futility"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, router, http.MethodGet, "/studies/"+id+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "futility")
}

func TestEnrollmentAndAssessmentsOverHTTP(t *testing.T) {
	router := newRouter(t, 1)
	id := createRecruitingStudy(t, router)

	rec := call(t, router, http.MethodPost, "/studies/"+id+"/participants", models.EnrollParticipantRequest{
		UserID:         "user-001",
		Demographics:   map[string]interface{}{"age": 41, "gender": "male", "region": "부산"},
		ConsentVersion: "1.0",
		ConsentType:    "full",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var enrolled models.EnrollParticipantResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enrolled))
	require.NotNil(t, enrolled.ArmID)
	assert.Equal(t, "enrolled", enrolled.Status)

	rec = call(t, router, http.MethodPost, "/studies/"+id+"/participants", models.EnrollParticipantRequest{UserID: "user-002"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "consent version is required")

	rec = call(t, router, http.MethodPost, "/studies/"+id+"/participants", models.EnrollParticipantRequest{UserID: "user-001", ConsentVersion: "1.0"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	pid := enrolled.ParticipantID
	rec = call(t, router, http.MethodPost, "/participants/"+pid+"/assessments", models.RecordAssessmentRequest{
		Tool: "PHQ-9", Timepoint: "baseline", Responses: []int{3, 3, 3, 3, 2, 0, 0, 0, 0},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var scored models.RecordAssessmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scored))
	assert.Equal(t, 14, scored.TotalScore)
	assert.Equal(t, "moderate", scored.Severity)

	rec = call(t, router, http.MethodPost, "/participants/"+pid+"/assessments", models.RecordAssessmentRequest{
		Tool: "PHQ-9", Timepoint: "final", Responses: []int{3, 3, 1, 0, 0, 0, 0, 0, 0},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = call(t, router, http.MethodPost, "/participants/"+pid+"/assessments", models.RecordAssessmentRequest{
		Tool: "HAM-D", Timepoint: "baseline", Responses: []int{1},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = call(t, router, http.MethodGet, "/participants/"+pid+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var progress research.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
	assert.Equal(t, -7, progress.Changes["PHQ-9"].Absolute)

	rec = call(t, router, http.MethodPost, "/participants/"+pid+"/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"active"`)

	rec = call(t, router, http.MethodGet, "/studies/"+id+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = call(t, router, http.MethodGet, "/studies/"+id+"/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep report.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, 1.0, rep.EnrollmentRate)
	require.NotNil(t, rep.PrimaryOutcome)
	assert.Equal(t, "PHQ-9", rep.PrimaryOutcome.Tool)

	rec = call(t, router, http.MethodPost, "/participants/"+pid+"/withdraw", map[string]string{"reason": "side effects"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = call(t, router, http.MethodPost, "/participants/"+pid+"/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = call(t, router, http.MethodPost, "/participants/unknown/lost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// asSubject authenticates every request as sub the way the OIDC middleware would.
func asSubject(sub string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), middleware.UserContextKey, map[string]interface{}{"sub": sub})
		middleware.RLS(next).ServeHTTP(w, r.WithContext(ctx))
	})
}

func TestSelfEnrollmentAuditOverHTTP(t *testing.T) {
	router := newRouter(t, 1)
	id := createRecruitingStudy(t, router)
	const subject = "alice@real-identity"
	self := asSubject(subject, router)

	rec := call(t, self, http.MethodPost, "/studies/"+id+"/participants", models.EnrollParticipantRequest{
		ConsentVersion: "1.0",
		ConsentType:    "full",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var enrolled models.EnrollParticipantResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enrolled))

	rec = call(t, self, http.MethodPost, "/participants/"+enrolled.ParticipantID+"/assessments", models.RecordAssessmentRequest{
		Tool: "GAD-7", Timepoint: "baseline", Responses: []int{1, 1, 1, 1, 1, 1, 1},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = call(t, asSubject("dr.han", router), http.MethodGet, "/studies/"+id+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), subject)
	assert.Contains(t, rec.Body.String(), enrolled.ParticipantID)

	var logs struct {
		Items []research.AuditEntry `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	for _, l := range logs.Items {
		if l.ParticipantID == enrolled.ParticipantID {
			assert.Equal(t, research.ParticipantActor, l.Actor, l.Action)
		}
	}
}

func TestExportOverHTTP(t *testing.T) {
	router := newRouter(t, 2)
	id := createRecruitingStudy(t, router)
	for i, gender := range []string{"female", "male"} {
		rec := call(t, router, http.MethodPost, "/studies/"+id+"/participants", models.EnrollParticipantRequest{
			UserID:         fmt.Sprintf("user-%d", i),
			Demographics:   map[string]interface{}{"age": 30, "gender": gender, "region": "Seoul"},
			ConsentVersion: "1.0",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := call(t, router, http.MethodGet, "/studies/"+id+"/export?format=csv", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "two singleton gender groups violate k=2")

	rec = call(t, router, http.MethodGet, "/studies/"+id+"/export?format=csv&demographics=false&download=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "participant_id,arm,status,enrollment_date"))
	assert.Equal(t, "2", rec.Header().Get("X-Dataset-Records"))

	rec = call(t, router, http.MethodGet, "/studies/"+id+"/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, router, http.MethodGet, "/studies/"+id+"/export?format=json&demographics=false", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ds export.Dataset
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ds))
	assert.Equal(t, 2, ds.Records)
	assert.Equal(t, export.FormatJSON, ds.Format)
}

func TestInstrumentsOverHTTP(t *testing.T) {
	router := newRouter(t, 1)

	rec := call(t, router, http.MethodGet, "/instruments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tool":"PHQ-9"`)
	assert.Contains(t, rec.Body.String(), `"tool":"GAD-7"`)

	rec = call(t, router, http.MethodGet, "/instruments/GAD-7/form?participant_id=abc&timepoint=week4&lang=en", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var form assessment.Form
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &form))
	assert.Equal(t, "en", form.Language)
	assert.Len(t, form.Questions, 7)

	rec = call(t, router, http.MethodGet, "/instruments/GAD-7/form", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestValidationReportsFields(t *testing.T) {
	router := newRouter(t, 1)

	rec := call(t, router, http.MethodPost, "/studies", models.CreateStudyRequest{
		Title:     "Bad arms",
		StudyType: "rct",
		Arms:      []models.CreateStudyArmRequest{{Name: "a", TargetSize: -1}},
		BlockSize: -2,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Errors []fieldError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	fields := make([]string, 0, len(body.Errors))
	for _, fe := range body.Errors {
		fields = append(fields, fe.Field)
	}
	assert.ElementsMatch(t, []string{"arms[0].target_size", "block_size"}, fields)

	rec = call(t, router, http.MethodPost, "/studies", models.CreateStudyRequest{
		Title:      "Empty stratum",
		StudyType:  "rct",
		StratifyBy: []string{"age_group", ""},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"field":"stratify_by[1]"`)
	assert.Contains(t, rec.Body.String(), "field is required")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/research/studies", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
