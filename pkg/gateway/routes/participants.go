package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/research-platform/pkg/common/models"
)

func (h *ResearchHandler) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	participant, err := h.service.GetParticipant(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "get participant")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"participant": participant})
}

func (h *ResearchHandler) handleRecordAssessment(w http.ResponseWriter, r *http.Request) {
	var req models.RecordAssessmentRequest
	if !bind(w, r, &req) {
		return
	}
	record, err := h.service.RecordAssessment(r.Context(), mux.Vars(r)["id"], req.Tool, req.Timepoint, req.Responses, resolveActor(r))
	if err != nil {
		writeError(w, err, "record assessment")
		return
	}
	writeJSON(w, http.StatusCreated, models.RecordAssessmentResponse{
		AssessmentID: record.ID,
		Tool:         record.Tool,
		TotalScore:   record.TotalScore,
		MaxScore:     record.MaxScore,
		Severity:     record.Severity,
		RecordedAt:   record.RecordedAt,
	})
}

func (h *ResearchHandler) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.service.Progress(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "compute progress")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (h *ResearchHandler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req models.WithdrawRequest
	if !bind(w, r, &req) {
		return
	}
	participant, err := h.service.Withdraw(r.Context(), mux.Vars(r)["id"], req.Reason, resolveActor(r))
	if err != nil {
		writeError(w, err, "withdraw participant")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"participant": participant})
}

func (h *ResearchHandler) handleCompleteParticipant(w http.ResponseWriter, r *http.Request) {
	participant, err := h.service.Complete(r.Context(), mux.Vars(r)["id"], resolveActor(r))
	if err != nil {
		writeError(w, err, "complete participant")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"participant": participant})
}

func (h *ResearchHandler) handleLostToFollowup(w http.ResponseWriter, r *http.Request) {
	participant, err := h.service.MarkLostToFollowup(r.Context(), mux.Vars(r)["id"], resolveActor(r))
	if err != nil {
		writeError(w, err, "mark participant lost to follow-up")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"participant": participant})
}

func (h *ResearchHandler) handleRecordSession(w http.ResponseWriter, r *http.Request) {
	participant, err := h.service.RecordSession(r.Context(), mux.Vars(r)["id"], resolveActor(r))
	if err != nil {
		writeError(w, err, "record session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"participant": participant})
}
