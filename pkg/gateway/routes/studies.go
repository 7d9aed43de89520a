package routes

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/research-platform/pkg/common/models"
	"github.com/synaptica-ai/research-platform/pkg/export"
	"github.com/synaptica-ai/research-platform/pkg/gateway/middleware"
	"github.com/synaptica-ai/research-platform/pkg/report"
	"github.com/synaptica-ai/research-platform/pkg/research"
)

type ResearchHandler struct {
	service  *research.Service
	exporter *export.Pipeline
	reports  *report.Generator
}

func NewResearchHandler(service *research.Service, exporter *export.Pipeline, reports *report.Generator) *ResearchHandler {
	return &ResearchHandler{service: service, exporter: exporter, reports: reports}
}

func (h *ResearchHandler) Register(r *mux.Router) {
	r.HandleFunc("/studies", h.handleCreateStudy).Methods(http.MethodPost)
	r.HandleFunc("/studies", h.handleListStudies).Methods(http.MethodGet)
	r.HandleFunc("/studies/{id}", h.handleGetStudy).Methods(http.MethodGet)
	r.HandleFunc("/studies/{id}/submit", h.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/studies/{id}/approve", h.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/studies/{id}/recruit", h.handleRecruit).Methods(http.MethodPost)
	r.HandleFunc("/studies/{id}/complete", h.handleCompleteStudy).Methods(http.MethodPost)
	r.HandleFunc("/studies/{id}/terminate", h.handleTerminate).Methods(http.MethodPost)
	r.HandleFunc("/studies/{id}/participants", h.handleEnroll).Methods(http.MethodPost)
	r.HandleFunc("/studies/{id}/participants", h.handleListParticipants).Methods(http.MethodGet)
	r.HandleFunc("/studies/{id}/balance", h.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/studies/{id}/report", h.handleReport).Methods(http.MethodGet)
	r.HandleFunc("/studies/{id}/export", h.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/studies/{id}/audit", h.handleListAuditLogs).Methods(http.MethodGet)

	r.HandleFunc("/participants/{id}", h.handleGetParticipant).Methods(http.MethodGet)
	r.HandleFunc("/participants/{id}/assessments", h.handleRecordAssessment).Methods(http.MethodPost)
	r.HandleFunc("/participants/{id}/progress", h.handleProgress).Methods(http.MethodGet)
	r.HandleFunc("/participants/{id}/withdraw", h.handleWithdraw).Methods(http.MethodPost)
	r.HandleFunc("/participants/{id}/complete", h.handleCompleteParticipant).Methods(http.MethodPost)
	r.HandleFunc("/participants/{id}/lost", h.handleLostToFollowup).Methods(http.MethodPost)
	r.HandleFunc("/participants/{id}/sessions", h.handleRecordSession).Methods(http.MethodPost)

	r.HandleFunc("/instruments", h.handleListInstruments).Methods(http.MethodGet)
	r.HandleFunc("/instruments/{tool}/form", h.handleForm).Methods(http.MethodGet)
}

func studyResponse(study research.Study) models.StudyResponse {
	return models.StudyResponse{
		StudyID: study.ID,
		Title:   study.Title,
		Status:  string(study.Status),
		Enrollment: models.EnrollmentInfo{
			Target:  study.TargetEnrollment,
			Current: study.CurrentEnrollment,
		},
		IRBNumber: study.IRBNumber,
		CreatedAt: study.CreatedAt,
	}
}

func (h *ResearchHandler) handleCreateStudy(w http.ResponseWriter, r *http.Request) {
	var req models.CreateStudyRequest
	if !bind(w, r, &req) {
		return
	}
	study, err := h.service.CreateStudy(r.Context(), req, resolveActor(r))
	if err != nil {
		writeError(w, err, "create study")
		return
	}
	writeJSON(w, http.StatusCreated, studyResponse(study))
}

func (h *ResearchHandler) handleListStudies(w http.ResponseWriter, r *http.Request) {
	studies, err := h.service.ListStudies(r.Context(), parseLimit(r, 50))
	if err != nil {
		writeError(w, err, "list studies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": studies})
}

func (h *ResearchHandler) handleGetStudy(w http.ResponseWriter, r *http.Request) {
	study, err := h.service.GetStudy(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "get study")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"study": study})
}

func (h *ResearchHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitForReviewRequest
	if !bind(w, r, &req) {
		return
	}
	study, err := h.service.SubmitForReview(r.Context(), mux.Vars(r)["id"], req, resolveActor(r))
	if err != nil {
		writeError(w, err, "submit study for review")
		return
	}
	writeJSON(w, http.StatusOK, studyResponse(study))
}

func (h *ResearchHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req models.ApproveStudyRequest
	if !bind(w, r, &req) {
		return
	}
	study, err := h.service.Approve(r.Context(), mux.Vars(r)["id"], req, resolveActor(r))
	if err != nil {
		writeError(w, err, "approve study")
		return
	}
	writeJSON(w, http.StatusOK, studyResponse(study))
}

func (h *ResearchHandler) handleRecruit(w http.ResponseWriter, r *http.Request) {
	study, err := h.service.StartRecruitment(r.Context(), mux.Vars(r)["id"], resolveActor(r))
	if err != nil {
		writeError(w, err, "start recruitment")
		return
	}
	writeJSON(w, http.StatusOK, studyResponse(study))
}

func (h *ResearchHandler) handleCompleteStudy(w http.ResponseWriter, r *http.Request) {
	study, err := h.service.CompleteStudy(r.Context(), mux.Vars(r)["id"], resolveActor(r))
	if err != nil {
		writeError(w, err, "complete study")
		return
	}
	writeJSON(w, http.StatusOK, studyResponse(study))
}

func (h *ResearchHandler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req models.WithdrawRequest
	if !bind(w, r, &req) {
		return
	}
	study, err := h.service.TerminateStudy(r.Context(), mux.Vars(r)["id"], req.Reason, resolveActor(r))
	if err != nil {
		writeError(w, err, "terminate study")
		return
	}
	writeJSON(w, http.StatusOK, studyResponse(study))
}

func (h *ResearchHandler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req models.EnrollParticipantRequest
	if !bind(w, r, &req) {
		return
	}
	actor := resolveActor(r)
	userID := req.UserID
	if userID == "" {
		// self-enrollment by the authenticated user
		userID = middleware.Actor(r.Context())
	}
	participant, err := h.service.Enroll(r.Context(), mux.Vars(r)["id"], userID, req.Demographics, research.ConsentInfo{
		Version:         req.ConsentVersion,
		Type:            req.ConsentType,
		Origin:          middleware.ClientIP(r),
		SignatureMethod: req.SignatureMethod,
	}, actor)
	if err != nil {
		writeError(w, err, "enroll participant")
		return
	}
	writeJSON(w, http.StatusCreated, models.EnrollParticipantResponse{
		ParticipantID: participant.ID,
		StudyID:       participant.StudyID,
		ArmID:         participant.ArmID,
		Status:        string(participant.Status),
		EnrolledAt:    participant.EnrolledAt,
	})
}

func (h *ResearchHandler) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.service.ListParticipants(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "list participants")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": participants})
}

func (h *ResearchHandler) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.AllocationBalance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "compute allocation balance")
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *ResearchHandler) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.reports.GenerateStudyReport(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "generate study report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleExport returns dataset metadata with the serialized rows. With
// download=true csv and json exports are written as a file instead.
func (h *ResearchHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, err, "export dataset")
		return
	}
	ds, err := h.exporter.Export(r.Context(), export.Request{
		StudyID:             mux.Vars(r)["id"],
		Format:              format,
		IncludeDemographics: parseBool(r, "demographics", true),
		IncludeAssessments:  parseBool(r, "assessments", true),
		Actor:               resolveActor(r),
	})
	if err != nil {
		writeError(w, err, "export dataset")
		return
	}

	if text, ok := ds.Data.(string); ok && parseBool(r, "download", false) {
		contentType := "text/csv; charset=utf-8"
		if format == export.FormatJSON {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s.%s", ds.ID, format)))
		w.Header().Set("X-Dataset-Records", fmt.Sprint(ds.Records))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(text))
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (h *ResearchHandler) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.service.ListAuditLogs(r.Context(), mux.Vars(r)["id"], parseLimit(r, 50))
	if err != nil {
		writeError(w, err, "list audit logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": logs})
}
