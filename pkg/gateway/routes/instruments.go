package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/research-platform/pkg/assessment"
)

type instrumentView struct {
	Tool string `json:"tool"`
	assessment.Instrument
}

func (h *ResearchHandler) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	catalog := h.service.Catalog()
	items := make([]instrumentView, 0, len(catalog.Instruments))
	for _, tool := range catalog.Tools() {
		inst, _ := catalog.Lookup(tool)
		items = append(items, instrumentView{Tool: tool, Instrument: inst})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (h *ResearchHandler) handleForm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	participantID := q.Get("participant_id")
	if participantID == "" {
		http.Error(w, "participant_id is required", http.StatusBadRequest)
		return
	}
	timepoint := q.Get("timepoint")
	if timepoint == "" {
		timepoint = "baseline"
	}
	form, err := h.service.Catalog().Form(mux.Vars(r)["tool"], participantID, timepoint, q.Get("lang"))
	if err != nil {
		writeError(w, err, "build assessment form")
		return
	}
	writeJSON(w, http.StatusOK, form)
}
