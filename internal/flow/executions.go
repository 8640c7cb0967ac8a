package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hdinguyen/mesh-sdk/internal/store"
)

// CreateExecution creates a pending execution record for the flow and
// pushes it onto the flow's history list, which is trimmed so at most
// MaxExecutionHistory records are retained (oldest evicted first).
func (s *Store) CreateExecution(ctx context.Context, flowID string, input map[string]any) (*Execution, error) {
	if _, err := s.GetFlow(ctx, flowID); err != nil {
		return nil, err
	}

	e := &Execution{
		ExecutionID:  uuid.NewString(),
		FlowID:       flowID,
		Status:       ExecutionPending,
		InputData:    input,
		AgentResults: map[string]AgentResult{},
	}

	inputJSON, err := json.Marshal(e.InputData)
	if err != nil {
		return nil, fmt.Errorf("flow: encode execution input: %w", err)
	}

	h := map[string]string{
		"execution_id":  e.ExecutionID,
		"flow_id":       flowID,
		"status":        e.Status,
		"input_data":    string(inputJSON),
		"agent_results": "{}",
	}
	if err := s.store.HSet(ctx, store.ExecutionKey(flowID, e.ExecutionID), h); err != nil {
		return nil, fmt.Errorf("flow: create execution: %w", err)
	}

	key := store.ExecutionsKey(flowID)
	if err := s.store.LPush(ctx, key, e.ExecutionID); err != nil {
		return nil, fmt.Errorf("flow: create execution: %w", err)
	}
	if err := s.store.LTrim(ctx, key, 0, MaxExecutionHistory-1); err != nil {
		return nil, fmt.Errorf("flow: create execution: %w", err)
	}

	s.logger.Info("execution created",
		zap.String("flow_id", flowID),
		zap.String("execution_id", e.ExecutionID),
	)
	return e, nil
}

// ExecutionUpdate is a partial-field write against an execution record.
// Nil fields are left untouched.
type ExecutionUpdate struct {
	Status      *string
	OutputData  map[string]any
	Error       *string
	StartedAt   *string
	CompletedAt *string
}

// UpdateExecution applies a partial update to an execution record.
func (s *Store) UpdateExecution(ctx context.Context, flowID, executionID string, upd ExecutionUpdate) error {
	key := store.ExecutionKey(flowID, executionID)
	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("flow: update execution %s: %w", executionID, err)
	}
	if !exists {
		return ErrExecutionNotFound
	}

	fields := map[string]string{}
	if upd.Status != nil {
		fields["status"] = *upd.Status
	}
	if upd.OutputData != nil {
		b, err := json.Marshal(upd.OutputData)
		if err != nil {
			return fmt.Errorf("flow: encode execution output: %w", err)
		}
		fields["output_data"] = string(b)
	}
	if upd.Error != nil {
		fields["error"] = *upd.Error
	}
	if upd.StartedAt != nil {
		fields["started_at"] = *upd.StartedAt
	}
	if upd.CompletedAt != nil {
		fields["completed_at"] = *upd.CompletedAt
	}

	if err := s.store.HSet(ctx, key, fields); err != nil {
		return fmt.Errorf("flow: update execution %s: %w", executionID, err)
	}
	return nil
}

// SetAgentResult records the per-agent result for one node of an
// execution. The agent_results field is read-modify-written as a whole;
// concurrent writers within one execution target distinct agents but
// share the field, so the engine serializes calls per execution.
func (s *Store) SetAgentResult(ctx context.Context, flowID, executionID, agentName string, result AgentResult) error {
	key := store.ExecutionKey(flowID, executionID)
	h, err := s.store.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("flow: set agent result %s: %w", executionID, err)
	}
	if len(h) == 0 {
		return ErrExecutionNotFound
	}

	results := map[string]AgentResult{}
	if raw := h["agent_results"]; raw != "" {
		json.Unmarshal([]byte(raw), &results) //nolint:errcheck
	}
	results[agentName] = result

	b, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("flow: encode agent results: %w", err)
	}
	if err := s.store.HSetField(ctx, key, "agent_results", string(b)); err != nil {
		return fmt.Errorf("flow: set agent result %s: %w", executionID, err)
	}
	return nil
}

// GetExecution returns the full execution record.
func (s *Store) GetExecution(ctx context.Context, flowID, executionID string) (*Execution, error) {
	h, err := s.store.HGetAll(ctx, store.ExecutionKey(flowID, executionID))
	if err != nil {
		return nil, fmt.Errorf("flow: get execution %s: %w", executionID, err)
	}
	if len(h) == 0 {
		return nil, ErrExecutionNotFound
	}

	e := &Execution{
		ExecutionID: h["execution_id"],
		FlowID:      h["flow_id"],
		Status:      h["status"],
		StartedAt:   h["started_at"],
		CompletedAt: h["completed_at"],
		Error:       h["error"],
	}
	if raw := h["input_data"]; raw != "" {
		json.Unmarshal([]byte(raw), &e.InputData) //nolint:errcheck
	}
	if raw := h["output_data"]; raw != "" {
		json.Unmarshal([]byte(raw), &e.OutputData) //nolint:errcheck
	}
	if raw := h["agent_results"]; raw != "" {
		json.Unmarshal([]byte(raw), &e.AgentResults) //nolint:errcheck
	}
	return e, nil
}

// ListExecutions returns up to limit execution summaries, newest first.
// limit is clamped to [1, MaxExecutionHistory].
func (s *Store) ListExecutions(ctx context.Context, flowID string, limit int) ([]ExecutionSummary, error) {
	if _, err := s.GetFlow(ctx, flowID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxExecutionHistory {
		limit = MaxExecutionHistory
	}

	ids, err := s.store.LRange(ctx, store.ExecutionsKey(flowID), 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("flow: list executions %s: %w", flowID, err)
	}

	summaries := make([]ExecutionSummary, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetExecution(ctx, flowID, id)
		if err != nil {
			continue
		}
		summaries = append(summaries, ExecutionSummary{
			ExecutionID: e.ExecutionID,
			Status:      e.Status,
			StartedAt:   e.StartedAt,
			CompletedAt: e.CompletedAt,
			Error:       e.Error,
		})
	}
	return summaries, nil
}
