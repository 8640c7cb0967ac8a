// Package flow implements flow definitions, execution records and the
// DAG execution engine. The Store half persists flows and executions;
// the Engine half (engine.go) runs them.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hdinguyen/mesh-sdk/internal/store"
)

// ErrNotFound is returned when the flow does not exist.
var ErrNotFound = errors.New("flow not found")

// ErrExecutionNotFound is returned when the execution does not exist.
var ErrExecutionNotFound = errors.New("execution not found")

// ErrNameConflict is returned when a flow with the same name already
// exists. Flow names are unique: enforced both at creation and on
// import without overwrite_existing.
var ErrNameConflict = errors.New("flow name already exists")

// ErrAgentExists is returned by AddAgent when the flow already contains
// an entry with the same agent name.
var ErrAgentExists = errors.New("agent already in flow")

// ErrAgentNotInFlow is returned by RemoveAgent when no entry matches.
var ErrAgentNotInFlow = errors.New("agent not in flow")

// Store persists flow definitions and their executions.
type Store struct {
	store   store.Store
	version string
	logger  *zap.Logger
}

// NewStore creates a flow Store. version is stamped into export
// metadata as platform_version.
func NewStore(s store.Store, version string, logger *zap.Logger) *Store {
	return &Store{
		store:   s,
		version: version,
		logger:  logger.Named("flowstore"),
	}
}

// CreateFlow creates an empty flow. Names are unique across flows;
// a duplicate name returns ErrNameConflict.
func (s *Store) CreateFlow(ctx context.Context, name, description string) (*Flow, error) {
	existing, err := s.FindByName(ctx, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, ErrNameConflict
	}

	now := nowISO()
	f := &Flow{
		FlowID:      uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
		Agents:      []FlowAgent{},
	}

	if err := s.writeFlowHash(ctx, f); err != nil {
		return nil, err
	}
	if err := s.store.SAdd(ctx, store.FlowsKey, f.FlowID); err != nil {
		return nil, fmt.Errorf("flow: create %s: %w", f.FlowID, err)
	}

	s.logger.Info("flow created", zap.String("flow_id", f.FlowID), zap.String("name", name))
	return f, nil
}

// GetFlow returns the flow with its agent entries, or ErrNotFound.
func (s *Store) GetFlow(ctx context.Context, flowID string) (*Flow, error) {
	h, err := s.store.HGetAll(ctx, store.FlowKey(flowID))
	if err != nil {
		return nil, fmt.Errorf("flow: get %s: %w", flowID, err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}

	f := &Flow{
		FlowID:       h["flow_id"],
		Name:         h["name"],
		Description:  h["description"],
		CreatedAt:    h["created_at"],
		UpdatedAt:    h["updated_at"],
		ImportedFrom: h["imported_from"],
	}

	entries, err := s.store.LRange(ctx, store.FlowAgentsKey(flowID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("flow: get agents %s: %w", flowID, err)
	}
	f.Agents = make([]FlowAgent, 0, len(entries))
	for _, entry := range entries {
		var fa FlowAgent
		if err := json.Unmarshal([]byte(entry), &fa); err != nil {
			return nil, fmt.Errorf("flow: corrupted agent entry in %s: %w", flowID, err)
		}
		f.Agents = append(f.Agents, fa)
	}
	return f, nil
}

// ListFlows returns all flows. Flows deleted between the set read and
// the hash read are skipped.
func (s *Store) ListFlows(ctx context.Context) ([]*Flow, error) {
	ids, err := s.store.SMembers(ctx, store.FlowsKey)
	if err != nil {
		return nil, fmt.Errorf("flow: list: %w", err)
	}

	flows := make([]*Flow, 0, len(ids))
	for _, id := range ids {
		f, err := s.GetFlow(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, nil
}

// FindByName returns the flow with the given name, or ErrNotFound.
func (s *Store) FindByName(ctx context.Context, name string) (*Flow, error) {
	flows, err := s.ListFlows(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range flows {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, ErrNotFound
}

// DeleteFlow removes the flow, its agent list and every execution
// record it retains.
func (s *Store) DeleteFlow(ctx context.Context, flowID string) error {
	exists, err := s.store.Exists(ctx, store.FlowKey(flowID))
	if err != nil {
		return fmt.Errorf("flow: delete %s: %w", flowID, err)
	}
	if !exists {
		return ErrNotFound
	}

	execIDs, err := s.store.LRange(ctx, store.ExecutionsKey(flowID), 0, -1)
	if err != nil {
		return fmt.Errorf("flow: delete %s: %w", flowID, err)
	}
	keys := make([]string, 0, len(execIDs)+3)
	for _, eid := range execIDs {
		keys = append(keys, store.ExecutionKey(flowID, eid))
	}
	keys = append(keys,
		store.ExecutionsKey(flowID),
		store.FlowAgentsKey(flowID),
		store.FlowKey(flowID),
	)

	if err := s.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("flow: delete %s: %w", flowID, err)
	}
	if err := s.store.SRem(ctx, store.FlowsKey, flowID); err != nil {
		return fmt.Errorf("flow: delete %s: %w", flowID, err)
	}

	s.logger.Info("flow deleted",
		zap.String("flow_id", flowID),
		zap.Int("executions_removed", len(execIDs)),
	)
	return nil
}

// AddAgent appends an entry to the flow's agent sequence. Agent names
// are unique within a flow. The whole sequence is written back
// wholesale.
func (s *Store) AddAgent(ctx context.Context, flowID string, fa FlowAgent) error {
	f, err := s.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}

	for _, existing := range f.Agents {
		if existing.AgentName == fa.AgentName {
			return ErrAgentExists
		}
	}

	if fa.UpstreamAgents == nil {
		fa.UpstreamAgents = []string{}
	}
	fa.AddedAt = nowISO()

	if err := s.writeAgents(ctx, flowID, append(f.Agents, fa)); err != nil {
		return err
	}
	return s.touch(ctx, flowID)
}

// RemoveAgent removes the named entry from the flow's agent sequence.
func (s *Store) RemoveAgent(ctx context.Context, flowID, agentName string) error {
	f, err := s.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}

	kept := make([]FlowAgent, 0, len(f.Agents))
	for _, fa := range f.Agents {
		if fa.AgentName != agentName {
			kept = append(kept, fa)
		}
	}
	if len(kept) == len(f.Agents) {
		return ErrAgentNotInFlow
	}

	if err := s.writeAgents(ctx, flowID, kept); err != nil {
		return err
	}
	return s.touch(ctx, flowID)
}

// writeAgents replaces the flow's agent list wholesale.
func (s *Store) writeAgents(ctx context.Context, flowID string, agents []FlowAgent) error {
	key := store.FlowAgentsKey(flowID)
	if err := s.store.Del(ctx, key); err != nil {
		return fmt.Errorf("flow: write agents %s: %w", flowID, err)
	}
	if len(agents) == 0 {
		return nil
	}

	entries := make([]string, len(agents))
	for i, fa := range agents {
		b, err := json.Marshal(fa)
		if err != nil {
			return fmt.Errorf("flow: write agents %s: %w", flowID, err)
		}
		entries[i] = string(b)
	}
	if err := s.store.RPush(ctx, key, entries...); err != nil {
		return fmt.Errorf("flow: write agents %s: %w", flowID, err)
	}
	return nil
}

// touch stamps updated_at on the flow hash.
func (s *Store) touch(ctx context.Context, flowID string) error {
	if err := s.store.HSetField(ctx, store.FlowKey(flowID), "updated_at", nowISO()); err != nil {
		return fmt.Errorf("flow: touch %s: %w", flowID, err)
	}
	return nil
}

func (s *Store) writeFlowHash(ctx context.Context, f *Flow) error {
	h := map[string]string{
		"flow_id":     f.FlowID,
		"name":        f.Name,
		"description": f.Description,
		"created_at":  f.CreatedAt,
		"updated_at":  f.UpdatedAt,
	}
	if f.ImportedFrom != "" {
		h["imported_from"] = f.ImportedFrom
	}
	if err := s.store.HSet(ctx, store.FlowKey(f.FlowID), h); err != nil {
		return fmt.Errorf("flow: write %s: %w", f.FlowID, err)
	}
	return nil
}
