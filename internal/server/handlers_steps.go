package server

import (
	"fmt"
	"net/http"

	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/storage"
)

// HandleListSteps handles GET /steps.
// Returns steps joined with their run's pipeline name, newest first.
func (h *Handlers) HandleListSteps(w http.ResponseWriter, r *http.Request) {
	q := model.StepQuery{
		StepType: model.StepType(r.URL.Query().Get("step_type")),
		Pipeline: r.URL.Query().Get("pipeline"),
		Limit:    queryLimit(r, storage.DefaultStepLimit),
	}
	if q.StepType != "" && !q.StepType.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("invalid step_type: %q", q.StepType))
		return
	}
	minDrop, err := queryFloat(r, "min_drop_ratio")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	q.MinDropRatio = minDrop

	rows, err := h.store.ListSteps(r.Context(), q)
	if err != nil {
		h.writeInternalError(w, r, "failed to list steps", err)
		return
	}
	if rows == nil {
		rows = []model.StepRow{}
	}

	writeJSON(w, http.StatusOK, model.ListStepsResponse{Steps: rows})
}
