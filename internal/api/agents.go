package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hdinguyen/mesh-sdk/internal/acp"
	"github.com/hdinguyen/mesh-sdk/internal/metrics"
	"github.com/hdinguyen/mesh-sdk/internal/registry"
	"github.com/hdinguyen/mesh-sdk/internal/supervisor"
)

// AgentHandler groups the agent registration and discovery handlers.
type AgentHandler struct {
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(reg *registry.Registry, sup *supervisor.Supervisor, m *metrics.Metrics, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		registry:   reg,
		supervisor: sup,
		metrics:    m,
		logger:     logger.Named("agent_handler"),
	}
}

// registerRequest is the JSON body expected by POST /platform/agents/register.
type registerRequest struct {
	AgentName          string            `json:"agent_name"`
	AgentType          string            `json:"agent_type"`
	Version            string            `json:"version"`
	BaseURL            string            `json:"base_url"`
	AuthToken          string            `json:"auth_token"`
	Port               int               `json:"port"`
	Capabilities       []string          `json:"capabilities"`
	Tags               []string          `json:"tags"`
	Description        string            `json:"description"`
	Contact            string            `json:"contact"`
	Metadata           map[string]string `json:"metadata"`
	InputContentTypes  []string          `json:"input_content_types"`
	OutputContentTypes []string          `json:"output_content_types"`
}

// Register handles POST /platform/agents/register.
//
// A successful insert is followed by a synchronous one-shot verification
// against the agent; if that fails the record is deleted again and the
// caller gets a 400. On success the supervisor starts a prober.
//
// A name conflict where the existing record has no prober indicates the
// record predates this process (platform restart): the stale record is
// replaced with the new data, preserving idempotent client behavior.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.AgentName == "" {
		ErrBadRequest(w, "agent_name is required")
		return
	}
	if req.AgentType == "" {
		ErrBadRequest(w, "agent_type is required")
		return
	}
	if req.BaseURL == "" {
		ErrBadRequest(w, "base_url is required")
		return
	}
	if req.AuthToken == "" {
		ErrBadRequest(w, "auth_token is required")
		return
	}
	if len(req.Capabilities) == 0 {
		ErrBadRequest(w, "capabilities must be a non-empty list")
		return
	}

	agent := &registry.Agent{
		AgentName:          req.AgentName,
		AgentType:          req.AgentType,
		Version:            req.Version,
		BaseURL:            req.BaseURL,
		AuthToken:          req.AuthToken,
		Port:               req.Port,
		Capabilities:       req.Capabilities,
		Tags:               req.Tags,
		Description:        req.Description,
		Contact:            req.Contact,
		Metadata:           req.Metadata,
		InputContentTypes:  req.InputContentTypes,
		OutputContentTypes: req.OutputContentTypes,
	}
	if len(agent.InputContentTypes) == 0 {
		agent.InputContentTypes = []string{"*/*"}
	}
	if len(agent.OutputContentTypes) == 0 {
		agent.OutputContentTypes = []string{"*/*"}
	}

	err := h.registry.Register(r.Context(), agent)
	if errors.Is(err, registry.ErrConflict) {
		if h.supervisor.HasProber(agent.AgentName) {
			ErrConflict(w, "agent '"+agent.AgentName+"' already exists")
			return
		}

		// Registered but unsupervised: stale record from before a
		// platform restart. Replace it with the fresh registration.
		h.logger.Info("replacing stale agent record from previous platform run",
			zap.String("agent_name", agent.AgentName))
		if err := h.registry.Delete(r.Context(), agent.AgentName); err != nil && !errors.Is(err, registry.ErrNotFound) {
			h.logger.Error("failed to delete stale agent record", zap.Error(err))
			ErrInternal(w)
			return
		}
		err = h.registry.Register(r.Context(), agent)
	}
	if err != nil {
		if errors.Is(err, registry.ErrConflict) {
			ErrConflict(w, "agent '"+agent.AgentName+"' already exists")
			return
		}
		h.logger.Error("failed to register agent", zap.Error(err))
		ErrInternal(w)
		return
	}

	// Verify the agent is reachable before committing to supervise it.
	// These two steps are not atomic; startup restoration reconciles if
	// the process dies in between.
	if err := acp.New(agent.BaseURL, agent.AuthToken).Verify(r.Context()); err != nil {
		h.logger.Warn("agent verification failed, rolling back registration",
			zap.String("agent_name", agent.AgentName),
			zap.Error(err),
		)
		if delErr := h.registry.Delete(r.Context(), agent.AgentName); delErr != nil {
			h.logger.Error("failed to roll back unverified agent", zap.Error(delErr))
		}
		ErrBadRequest(w, "agent verification failed: "+err.Error())
		return
	}

	h.supervisor.Spawn(agent)
	if h.metrics != nil {
		h.metrics.AgentsRegistered.Inc()
	}

	JSON(w, http.StatusOK, map[string]string{
		"message":    "Agent registered successfully",
		"agent_name": agent.AgentName,
		"status":     registry.StatusActive,
	})
}

// Delete handles DELETE /platform/agents/{name}.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	h.supervisor.Cancel(name)

	if err := h.registry.Delete(r.Context(), name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			ErrNotFound(w, "agent not found")
			return
		}
		h.logger.Error("failed to delete agent", zap.String("agent_name", name), zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.metrics != nil {
		h.metrics.AgentsRegistered.Dec()
	}
	JSON(w, http.StatusOK, map[string]string{"message": "Agent deleted", "agent_name": name})
}

// Cleanup handles DELETE /platform/agents/cleanup. All probers are
// cancelled before the registry is wiped so no probe loop resurrects a
// status field mid-delete.
func (h *AgentHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	h.supervisor.CancelAll()

	deleted, err := h.registry.CleanupAll(r.Context())
	if err != nil {
		h.logger.Error("cleanup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.metrics != nil {
		h.metrics.AgentsRegistered.Set(0)
	}
	JSON(w, http.StatusOK, map[string]any{
		"message":       "Cleanup completed",
		"deleted_count": deleted,
	})
}

// agentSummary is the discovery projection of an agent record. Auth
// tokens and networking details are never exposed here.
type agentSummary struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Tags         []string `json:"tags"`
	Contact      string   `json:"contact"`
}

func summarize(a *registry.Agent) agentSummary {
	version := a.Version
	if version == "" {
		version = "1.0.0"
	}
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	return agentSummary{
		Name:         a.AgentName,
		Version:      version,
		Description:  a.Description,
		Capabilities: a.Capabilities,
		Tags:         tags,
		Contact:      a.Contact,
	}
}

// List handles GET /agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}

	summaries := make([]agentSummary, len(agents))
	for i, a := range agents {
		summaries[i] = summarize(a)
	}
	JSON(w, http.StatusOK, map[string]any{"agents": summaries})
}

// agentManifest extends the summary with liveness state.
type agentManifest struct {
	agentSummary
	Status       string `json:"status"`
	LastVerified string `json:"last_verified,omitempty"`
}

// Manifest handles GET /agents/{name}.
func (h *AgentHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	agent, err := h.registry.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			ErrNotFound(w, "agent not found")
			return
		}
		h.logger.Error("failed to get agent", zap.String("agent_name", name), zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusOK, agentManifest{
		agentSummary: summarize(agent),
		Status:       agent.Status,
		LastVerified: agent.LastVerified,
	})
}
