package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hdinguyen/mesh-sdk/internal/acp"
	"github.com/hdinguyen/mesh-sdk/internal/registry"
)

// RunHandler serves single-agent invocations. Unlike flow execution,
// this path has no retries: a failed invocation surfaces directly to
// the caller.
type RunHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewRunHandler creates a RunHandler.
func NewRunHandler(reg *registry.Registry, logger *zap.Logger) *RunHandler {
	return &RunHandler{
		registry: reg,
		logger:   logger.Named("run_handler"),
	}
}

// createRunRequest is the JSON body expected by POST /runs. Input
// entries may be objects carrying a "content" field or plain strings;
// anything else is stringified.
type createRunRequest struct {
	Agent string `json:"agent"`
	Input []any  `json:"input"`
}

// Create handles POST /runs.
func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Agent == "" || req.Input == nil {
		ErrBadRequest(w, "missing required fields: agent, input")
		return
	}

	agent, err := h.registry.Get(r.Context(), req.Agent)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			ErrNotFound(w, "agent not found")
			return
		}
		h.logger.Error("failed to resolve agent", zap.String("agent_name", req.Agent), zap.Error(err))
		ErrInternal(w)
		return
	}

	runID := uuid.NewString()
	messages := toMessages(req.Input)

	output, err := acp.New(agent.BaseURL, agent.AuthToken).RunSync(r.Context(), agent.AgentName, messages)
	if err != nil {
		h.logger.Error("agent invocation failed",
			zap.String("run_id", runID),
			zap.String("agent_name", agent.AgentName),
			zap.Error(err),
		)
		JSON(w, http.StatusInternalServerError, map[string]any{
			"run_id":     runID,
			"status":     "failed",
			"error":      err.Error(),
			"created_at": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"run_id":     runID,
		"status":     "completed",
		"output":     toContentList(output),
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// Status handles GET /runs/{run_id}. Run records are not persisted for
// single-agent invocations; this endpoint exists for protocol
// compatibility.
func (h *RunHandler) Status(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"run_id":  chi.URLParam(r, "run_id"),
		"status":  "completed",
		"message": "run status tracking is not supported for single-agent runs",
	})
}

// Cancel handles POST /runs/{run_id}/cancel. Single-agent runs are
// synchronous, so there is never anything in flight to cancel.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"run_id":  chi.URLParam(r, "run_id"),
		"status":  "cancelled",
		"message": "run cancellation is not supported for single-agent runs",
	})
}

// toMessages converts raw input entries to protocol messages.
func toMessages(input []any) []acp.Message {
	messages := make([]acp.Message, 0, len(input))
	for _, entry := range input {
		switch v := entry.(type) {
		case map[string]any:
			if content, ok := v["content"].(string); ok {
				messages = append(messages, acp.Text(content))
				continue
			}
			messages = append(messages, acp.Text(fmt.Sprint(v)))
		case string:
			messages = append(messages, acp.Text(v))
		default:
			messages = append(messages, acp.Text(fmt.Sprint(v)))
		}
	}
	return messages
}

// toContentList flattens output messages into a list of content parts.
func toContentList(output []acp.Message) []map[string]string {
	parts := []map[string]string{}
	for _, msg := range output {
		for _, part := range msg.Parts {
			parts = append(parts, map[string]string{"content": part.Content})
		}
	}
	if len(parts) == 0 {
		parts = append(parts, map[string]string{"content": "No output from agent"})
	}
	return parts
}
