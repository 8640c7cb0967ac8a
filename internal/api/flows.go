package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hdinguyen/mesh-sdk/internal/flow"
	"github.com/hdinguyen/mesh-sdk/internal/registry"
)

// FlowHandler groups flow CRUD, import/export and execution handlers.
type FlowHandler struct {
	flows    *flow.Store
	engine   *flow.Engine
	registry *registry.Registry
	logger   *zap.Logger
}

// NewFlowHandler creates a FlowHandler.
func NewFlowHandler(flows *flow.Store, engine *flow.Engine, reg *registry.Registry, logger *zap.Logger) *FlowHandler {
	return &FlowHandler{
		flows:    flows,
		engine:   engine,
		registry: reg,
		logger:   logger.Named("flow_handler"),
	}
}

// createFlowRequest is the JSON body expected by POST /flows.
type createFlowRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Create handles POST /flows.
func (h *FlowHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createFlowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	f, err := h.flows.CreateFlow(r.Context(), req.Name, req.Description)
	if err != nil {
		if errors.Is(err, flow.ErrNameConflict) {
			ErrConflict(w, "flow '"+req.Name+"' already exists")
			return
		}
		h.logger.Error("failed to create flow", zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusCreated, map[string]string{"flow_id": f.FlowID})
}

// List handles GET /flows.
func (h *FlowHandler) List(w http.ResponseWriter, r *http.Request) {
	flows, err := h.flows.ListFlows(r.Context())
	if err != nil {
		h.logger.Error("failed to list flows", zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"flows": flows})
}

// Get handles GET /flows/{flow_id}.
func (h *FlowHandler) Get(w http.ResponseWriter, r *http.Request) {
	f, err := h.flows.GetFlow(r.Context(), chi.URLParam(r, "flow_id"))
	if err != nil {
		h.writeFlowError(w, err)
		return
	}
	JSON(w, http.StatusOK, f)
}

// Delete handles DELETE /flows/{flow_id}. All executions of the flow
// are deleted with it.
func (h *FlowHandler) Delete(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flow_id")
	if err := h.flows.DeleteFlow(r.Context(), flowID); err != nil {
		h.writeFlowError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"message": "Flow deleted", "flow_id": flowID})
}

// addAgentRequest is the JSON body expected by POST /flows/{flow_id}/agents.
// required defaults to true when omitted.
type addAgentRequest struct {
	AgentName      string   `json:"agent_name"`
	UpstreamAgents []string `json:"upstream_agents"`
	Required       *bool    `json:"required"`
	Description    string   `json:"description"`
}

// AddAgent handles POST /flows/{flow_id}/agents.
func (h *FlowHandler) AddAgent(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flow_id")

	var req addAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentName == "" {
		ErrBadRequest(w, "agent_name is required")
		return
	}

	required := true
	if req.Required != nil {
		required = *req.Required
	}

	err := h.flows.AddAgent(r.Context(), flowID, flow.FlowAgent{
		AgentName:      req.AgentName,
		UpstreamAgents: req.UpstreamAgents,
		Required:       required,
		Description:    req.Description,
	})
	if err != nil {
		if errors.Is(err, flow.ErrAgentExists) {
			ErrConflict(w, "agent '"+req.AgentName+"' is already in the flow")
			return
		}
		h.writeFlowError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]string{
		"message":    "Agent added to flow",
		"flow_id":    flowID,
		"agent_name": req.AgentName,
	})
}

// RemoveAgent handles DELETE /flows/{flow_id}/agents/{agent_name}.
func (h *FlowHandler) RemoveAgent(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flow_id")
	agentName := chi.URLParam(r, "agent_name")

	err := h.flows.RemoveAgent(r.Context(), flowID, agentName)
	if err != nil {
		if errors.Is(err, flow.ErrAgentNotInFlow) {
			ErrNotFound(w, "agent '"+agentName+"' is not in the flow")
			return
		}
		h.writeFlowError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]string{
		"message":    "Agent removed from flow",
		"flow_id":    flowID,
		"agent_name": agentName,
	})
}

// executeRequest is the JSON body expected by POST /flows/{flow_id}/execute.
type executeRequest struct {
	InputData map[string]any `json:"input_data"`
}

// Execute handles POST /flows/{flow_id}/execute. Engine-level failures
// (readiness, stuck DAG, required-agent failure) come back as 400 with
// the execution ID — the failed execution record is retained for
// inspection.
func (h *FlowHandler) Execute(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flow_id")

	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	exec, err := h.engine.Execute(r.Context(), flowID, req.InputData)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			ErrNotFound(w, "flow not found")
			return
		}
		if errors.Is(err, flow.ErrEmptyFlow) {
			ErrBadRequest(w, "flow has no agents")
			return
		}

		var notReady *flow.NotReadyError
		var stuck *flow.StuckError
		var requiredFailed *flow.RequiredAgentError
		if errors.Is(err, flow.ErrNoStartAgents) ||
			errors.As(err, &notReady) ||
			errors.As(err, &stuck) ||
			errors.As(err, &requiredFailed) {
			body := map[string]any{
				"status": flow.ExecutionFailed,
				"error":  err.Error(),
			}
			if exec != nil {
				body["execution_id"] = exec.ExecutionID
			}
			JSON(w, http.StatusBadRequest, body)
			return
		}

		h.logger.Error("flow execution error",
			zap.String("flow_id", flowID), zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"execution_id": exec.ExecutionID,
		"status":       exec.Status,
		"result":       exec.OutputData,
	})
}

// ListExecutions handles GET /flows/{flow_id}/executions.
func (h *FlowHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flow_id")

	limit := flow.MaxExecutionHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	summaries, err := h.flows.ListExecutions(r.Context(), flowID, limit)
	if err != nil {
		h.writeFlowError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"executions": summaries})
}

// GetExecution handles GET /flows/{flow_id}/executions/{execution_id}.
func (h *FlowHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.flows.GetExecution(r.Context(), chi.URLParam(r, "flow_id"), chi.URLParam(r, "execution_id"))
	if err != nil {
		if errors.Is(err, flow.ErrExecutionNotFound) {
			ErrNotFound(w, "execution not found")
			return
		}
		h.writeFlowError(w, err)
		return
	}
	JSON(w, http.StatusOK, exec)
}

// Export handles GET /flows/{flow_id}/export.
func (h *FlowHandler) Export(w http.ResponseWriter, r *http.Request) {
	exported, err := h.flows.Export(r.Context(), chi.URLParam(r, "flow_id"))
	if err != nil {
		h.writeFlowError(w, err)
		return
	}
	JSON(w, http.StatusOK, exported)
}

// importRequest is the JSON body expected by POST /flows/import.
type importRequest struct {
	FlowData          *flow.ExportedFlow `json:"flow_data"`
	OverwriteExisting bool               `json:"overwrite_existing"`
	ValidateAgents    bool               `json:"validate_agents"`
}

// Import handles POST /flows/import. With validate_agents, referenced
// agents missing from the registry produce warnings but never fail the
// import — validation is deferred to execution time.
func (h *FlowHandler) Import(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.FlowData == nil || req.FlowData.Name == "" {
		ErrBadRequest(w, "flow_data with a name is required")
		return
	}

	warnings := []string{}
	if req.ValidateAgents {
		for _, ea := range req.FlowData.Agents {
			_, err := h.registry.Get(r.Context(), ea.AgentName)
			if errors.Is(err, registry.ErrNotFound) {
				warnings = append(warnings, "agent '"+ea.AgentName+"' is not registered with the platform")
				continue
			}
			if err != nil {
				h.logger.Error("agent validation failed during import", zap.Error(err))
				ErrInternal(w)
				return
			}
		}
	}

	f, err := h.flows.Import(r.Context(), req.FlowData, req.OverwriteExisting)
	if err != nil {
		if errors.Is(err, flow.ErrNameConflict) {
			ErrConflict(w, "flow '"+req.FlowData.Name+"' already exists")
			return
		}
		h.logger.Error("failed to import flow", zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusCreated, map[string]any{
		"flow_id":      f.FlowID,
		"agents_added": len(f.Agents),
		"warnings":     warnings,
	})
}

// writeFlowError translates flow store errors shared by several
// handlers. Handler-specific errors are translated inline.
func (h *FlowHandler) writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flow.ErrNotFound):
		ErrNotFound(w, "flow not found")
	case errors.Is(err, flow.ErrExecutionNotFound):
		ErrNotFound(w, "execution not found")
	default:
		h.logger.Error("flow store error", zap.Error(err))
		ErrInternal(w)
	}
}
