// Package handlers provides HTTP handlers for the pipeline engine API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/spherical-ai/pipeline-engine/internal/dag"
	"github.com/spherical-ai/pipeline-engine/internal/observability"
	"github.com/spherical-ai/pipeline-engine/internal/pipeline"
	"github.com/spherical-ai/pipeline-engine/internal/processor"
	"github.com/spherical-ai/pipeline-engine/pkg/engine"
)

// RunService is the part of the engine the run handlers need.
type RunService interface {
	RunPipeline(ctx context.Context, cfg *dag.PipelineConfig, in pipeline.Inputs) (string, error)
	GetRunStatus(runID string) (pipeline.Status, error)
	CancelRun(runID string) error
	ListRuns() []pipeline.Status
	Processors() []processor.Descriptor
}

// RunHandler handles pipeline run requests.
type RunHandler struct {
	logger  *observability.Logger
	service RunService
}

// NewRunHandler creates a new run handler.
func NewRunHandler(logger *observability.Logger, service RunService) *RunHandler {
	return &RunHandler{
		logger:  logger,
		service: service,
	}
}

// submitRequest mirrors engine.RunRequest but keeps the inline pipeline raw
// so it is decoded with the same strict rules as pipeline files.
type submitRequest struct {
	Pipeline     json.RawMessage `json:"pipeline,omitempty"`
	PipelineYAML string          `json:"pipeline_yaml,omitempty"`
	Inputs       pipeline.Inputs `json:"inputs"`
}

// Submit handles POST /runs.
func (h *RunHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	inline := len(req.Pipeline) > 0 && string(req.Pipeline) != "null"
	var (
		cfg *dag.PipelineConfig
		err error
	)
	switch {
	case inline && req.PipelineYAML != "":
		writeError(w, http.StatusBadRequest, "pipeline and pipeline_yaml are mutually exclusive", "")
		return
	case inline:
		cfg, err = dag.ParseConfig(req.Pipeline, "json")
	case req.PipelineYAML != "":
		cfg, err = dag.ParseConfig([]byte(req.PipelineYAML), "yaml")
	default:
		writeError(w, http.StatusBadRequest, "pipeline is required", "")
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid pipeline", err.Error())
		return
	}

	runID, err := h.service.RunPipeline(r.Context(), cfg, req.Inputs)
	if err != nil {
		h.logger.Warn().Err(err).Str("pipeline", cfg.Name).Msg("Run rejected")
		writeError(w, submitStatus(err), "run rejected", err.Error())
		return
	}

	status, err := h.service.GetRunStatus(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable", err.Error())
		return
	}

	h.logger.Info().
		Str("run_id", runID).
		Str("pipeline", cfg.Name).
		Str("document_id", req.Inputs.DocumentID).
		Msg("Run accepted")

	writeJSON(w, http.StatusAccepted, engine.RunResponse{RunID: runID, Status: status})
}

func submitStatus(err error) int {
	var cycle *dag.CyclicPipelineError
	switch {
	case dag.IsConfigurationError(err), errors.As(err, &cycle):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// List handles GET /runs. The optional state query parameter filters by run
// state.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	runs := make([]pipeline.Status, 0)
	for _, st := range h.service.ListRuns() {
		if state == "" || string(st.State) == state {
			runs = append(runs, st)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// Get handles GET /runs/{runId}.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	status, err := h.service.GetRunStatus(runID)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found", runID)
			return
		}
		writeError(w, http.StatusInternalServerError, "status unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Cancel handles POST /runs/{runId}/cancel.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	if err := h.service.CancelRun(runID); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrRunNotFound):
			writeError(w, http.StatusNotFound, "run not found", runID)
		case errors.Is(err, pipeline.ErrRunFinished):
			writeError(w, http.StatusConflict, "run already finished", runID)
		default:
			writeError(w, http.StatusInternalServerError, "cancel failed", err.Error())
		}
		return
	}

	h.logger.Info().Str("run_id", runID).Msg("Run cancellation requested")

	status, err := h.service.GetRunStatus(runID)
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// Processors handles GET /processors.
func (h *RunHandler) Processors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"processors": h.service.Processors()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	resp := engine.ErrorResponse{Error: message, Message: message}
	if detail != "" {
		resp.Message = detail
	}
	writeJSON(w, status, resp)
}
