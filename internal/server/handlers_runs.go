package server

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/xray/internal/ingest"
	"github.com/ashita-ai/xray/internal/model"
)

// HandleCreateRun handles POST /runs.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.RunStart
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	run, err := h.ingest.CreateRun(r.Context(), req)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidRun) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "pipeline name required")
			return
		}
		h.writeInternalError(w, r, "failed to create run", err)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("xray.run_id", run.ID.String()),
		attribute.String("xray.pipeline", run.PipelineName),
	)
	writeJSON(w, http.StatusCreated, model.CreateRunResponse{RunID: run.ID})
}

// HandleAppendEvents handles POST /runs/{run_id}/events.
// The body is an ordered JSON array of events for the run.
func (h *Handlers) HandleAppendEvents(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	body, err := readBody(w, r, h.maxRequestBodyBytes)
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	events, err := model.DecodeEvents(body)
	if err != nil {
		if errors.Is(err, model.ErrNotArray) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Expected array")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("xray.run_id", runID.String()),
		attribute.Int("xray.events", len(events)),
	)

	if _, err := h.ingest.Apply(r.Context(), runID, events); err != nil {
		if errors.Is(err, ingest.ErrInvalidBatch) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.writeStoreError(w, r, "failed to apply events", err)
		return
	}

	writeJSON(w, http.StatusOK, model.IngestResponse{Success: true})
}

// HandleGetRun handles GET /runs/{run_id}.
// Returns the run with its steps in seq order.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		h.writeStoreError(w, r, "failed to get run", err)
		return
	}

	steps, err := h.store.ListRunSteps(r.Context(), runID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list run steps", err)
		return
	}
	if steps == nil {
		steps = []model.Step{}
	}

	writeJSON(w, http.StatusOK, model.RunDetail{Run: run, Steps: steps})
}
