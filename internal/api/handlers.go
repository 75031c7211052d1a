package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/config"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store       runstore.RunStore
	scheduler   *scheduler.Scheduler
	validator   *validator.Validator
	registry    registry.Registry
	dataflowSvc *dataflow.Service
	config      *config.Config
	logger      *slog.Logger
}

// HandlerOptions configures optional handler dependencies.
type HandlerOptions struct {
	Registry    registry.Registry
	DataflowSvc *dataflow.Service
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store runstore.RunStore, sched *scheduler.Scheduler, v *validator.Validator, cfg *config.Config, logger *slog.Logger, opts *HandlerOptions) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		store:     store,
		scheduler: sched,
		validator: v,
		config:    cfg,
		logger:    logger,
	}
	if opts != nil {
		h.registry = opts.Registry
		h.dataflowSvc = opts.DataflowSvc
	}
	return h
}

// --- Health Endpoints ---

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /readyz, checking the runstore dependency.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"runstore": info,
	})
}

// --- Run Management (core contract, §6) ---

// CreateRunOptions carries optional per-request behavior for CreateRun.
type CreateRunOptions struct {
	DryRun bool `json:"dryRun,omitempty"`
}

// CreateRunRequest is the request body for POST /api/v1/runs.
type CreateRunRequest struct {
	Name    string            `json:"name"`
	Plan    *types.Plan       `json:"plan"`
	Options *CreateRunOptions `json:"options,omitempty"`
}

// CreateRun handles POST /api/v1/runs. If options.dryRun is set, the
// submitted plan is validated and returned verbatim with no run created;
// otherwise a run is created, enqueued, and started asynchronously.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Plan == nil {
		h.respondError(w, r, http.StatusBadRequest, "plan is required", errors.New("missing plan"))
		return
	}

	if err := validator.ValidatePlanGraph(req.Plan); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid plan", err)
		return
	}

	for i := range req.Plan.Nodes {
		if _, err := scheduler.ResolveCommand(&req.Plan.Nodes[i]); err != nil {
			h.respondError(w, r, http.StatusBadRequest, "invalid plan", err)
			return
		}
	}

	if req.Options != nil && req.Options.DryRun {
		h.respondJSON(w, http.StatusOK, req.Plan)
		return
	}

	runID, err := h.store.CreateRun(ctx, req.Name, req.Plan)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to create run", err)
		return
	}

	if h.scheduler != nil {
		if err := h.scheduler.EnqueueRun(ctx, runID, req.Name, req.Plan); err != nil {
			h.logger.Error("failed to enqueue run", "error", err, "runId", runID)
		} else if err := h.scheduler.StartRun(ctx, runID); err != nil {
			h.logger.Error("failed to start run", "error", err, "runId", runID)
		}
	}

	h.respondJSON(w, http.StatusCreated, map[string]string{"runId": runID})
}

// ListRuns handles GET /api/v1/runs.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runIDs, err := h.store.ListRuns(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list runs", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runIDs,
		"total": len(runIDs),
	})
}

// runProjection is the {runId, status, startedAt, finishedAt, nodes}
// projection of RunMeta served by GetRun.
type runProjection struct {
	RunID      string                      `json:"runId"`
	Status     types.RunStatus             `json:"status"`
	StartedAt  *string                     `json:"startedAt,omitempty"`
	FinishedAt *string                     `json:"finishedAt,omitempty"`
	Nodes      map[string]*types.NodeState `json:"nodes,omitempty"`
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	meta, err := h.store.GetRunMeta(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	proj := runProjection{
		RunID:  meta.ID,
		Status: meta.Status,
		Nodes:  meta.Nodes,
	}
	if meta.StartedAt != nil {
		s := meta.StartedAt.Format(rfc3339Milli)
		proj.StartedAt = &s
	}
	if meta.FinishedAt != nil {
		s := meta.FinishedAt.Format(rfc3339Milli)
		proj.FinishedAt = &s
	}

	h.respondJSON(w, http.StatusOK, proj)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	if h.scheduler != nil {
		if _, err := h.store.GetRunMeta(ctx, runID); errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		if err := h.scheduler.CancelRun(ctx, runID); err != nil {
			h.logger.Error("scheduler cancel error", "error", err, "runId", runID)
		}
	} else if err := h.store.CancelRun(ctx, runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to cancel run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// DeleteRun handles DELETE /api/v1/runs/{id}, an alias for cancel kept for
// compatibility with clients that model cancellation as a delete.
func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	h.CancelRun(w, r)
}

// --- Agent registry (auxiliary, domain-stack wiring) ---

// RegisterAgent handles POST /api/v1/agents.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.registry == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "agent registry not available", errors.New("registry not configured"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	if h.validator != nil {
		result := h.validator.ValidateManifestJSON(body)
		if !result.Valid {
			h.respondJSON(w, http.StatusBadRequest, result)
			return
		}
	}

	var manifest types.AgentManifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := h.registry.Register(ctx, &manifest); err != nil {
		if errors.Is(err, registry.ErrAgentExists) {
			h.respondError(w, r, http.StatusConflict, "agent already exists", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to register agent", err)
		return
	}

	h.logger.Info("agent registered", slog.String("id", manifest.ID), slog.String("name", manifest.Name))
	h.respondJSON(w, http.StatusCreated, manifest)
}

// GetAgent handles GET /api/v1/agents/{id}.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := mux.Vars(r)["id"]

	if h.registry == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "agent registry not available", errors.New("registry not configured"))
		return
	}

	agent, err := h.registry.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			h.respondError(w, r, http.StatusNotFound, "agent not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get agent", err)
		return
	}

	h.respondJSON(w, http.StatusOK, agent)
}

// --- Artifact management (auxiliary, domain-stack wiring) ---

// StoreArtifact handles POST /api/v1/runs/{run_id}/nodes/{node_id}/artifacts.
func (h *Handlers) StoreArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	runID, nodeID := vars["run_id"], vars["node_id"]

	if h.dataflowSvc == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "artifact storage not available", errors.New("dataflow service not configured"))
		return
	}

	if err := r.ParseMultipartForm(100 << 20); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to parse multipart form", err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "file is required", err)
		return
	}
	defer file.Close()

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ref, err := h.dataflowSvc.StoreArtifact(ctx, runID, nodeID, name, file, contentType)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to store artifact", err)
		return
	}

	h.logger.Info("artifact stored",
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.String("uri", ref.URI),
		slog.Int64("size", ref.Size),
	)

	h.respondJSON(w, http.StatusCreated, ref)
}

// GetArtifact handles GET /api/v1/runs/{run_id}/nodes/{node_id}/artifacts/{name}.
func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	runID, nodeID, name := vars["run_id"], vars["node_id"], vars["name"]

	if h.dataflowSvc == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "artifact storage not available", errors.New("dataflow service not configured"))
		return
	}

	reader, err := h.dataflowSvc.GetArtifactByName(ctx, runID, nodeID, name)
	if err != nil {
		h.respondError(w, r, http.StatusNotFound, "artifact not found", err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Error("failed to stream artifact", slog.String("name", name), slog.String("error", err.Error()))
	}
}

// --- RunStore Diagnostics ---

// RunStoreInfo handles GET /api/v1/runstore/info.
func (h *Handlers) RunStoreInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to get runstore info", err)
		return
	}

	h.respondJSON(w, http.StatusOK, info)
}

// --- Helper Methods ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// respondError writes the consolidated error envelope (see errors.go) and
// maps the HTTP status to its error code.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	var details map[string]interface{}
	if err != nil {
		h.logger.Error(message, "error", err, "status", status)
		details = map[string]interface{}{"cause": err.Error()}
	} else {
		h.logger.Error(message, "status", status)
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}
