package flow

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Export projects the flow into its portable representation. The agent
// sequence keeps only the fields that are meaningful outside this
// platform instance; timestamps and the flow ID move into metadata.
func (s *Store) Export(ctx context.Context, flowID string) (*ExportedFlow, error) {
	f, err := s.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	agents := make([]ExportedAgent, len(f.Agents))
	for i, fa := range f.Agents {
		agents[i] = ExportedAgent{
			AgentName:      fa.AgentName,
			UpstreamAgents: fa.UpstreamAgents,
			Required:       fa.Required,
			Description:    fa.Description,
		}
	}

	return &ExportedFlow{
		Name:        f.Name,
		Description: f.Description,
		Agents:      agents,
		Metadata: &ExportMetadata{
			ExportedAt:      nowISO(),
			PlatformVersion: s.version,
			AgentCount:      len(agents),
			OriginalFlowID:  f.FlowID,
		},
	}, nil
}

// Import creates a flow from a portable definition. On a name
// collision: without overwrite the import fails with ErrNameConflict;
// with overwrite the existing flow — and all its executions — is
// deleted first. A new flow ID is always minted.
func (s *Store) Import(ctx context.Context, def *ExportedFlow, overwrite bool) (*Flow, error) {
	existing, err := s.FindByName(ctx, def.Name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if !overwrite {
			return nil, ErrNameConflict
		}
		if err := s.DeleteFlow(ctx, existing.FlowID); err != nil {
			return nil, err
		}
		s.logger.Info("existing flow overwritten by import",
			zap.String("name", def.Name),
			zap.String("replaced_flow_id", existing.FlowID),
		)
	}

	f, err := s.CreateFlow(ctx, def.Name, def.Description)
	if err != nil {
		return nil, err
	}

	if def.Metadata != nil && def.Metadata.OriginalFlowID != "" {
		f.ImportedFrom = def.Metadata.OriginalFlowID
		if err := s.writeFlowHash(ctx, f); err != nil {
			return nil, err
		}
	}

	now := nowISO()
	agents := make([]FlowAgent, len(def.Agents))
	for i, ea := range def.Agents {
		upstream := ea.UpstreamAgents
		if upstream == nil {
			upstream = []string{}
		}
		agents[i] = FlowAgent{
			AgentName:      ea.AgentName,
			UpstreamAgents: upstream,
			Required:       ea.Required,
			Description:    ea.Description,
			AddedAt:        now,
		}
	}
	if err := s.writeAgents(ctx, f.FlowID, agents); err != nil {
		return nil, err
	}
	f.Agents = agents

	s.logger.Info("flow imported",
		zap.String("flow_id", f.FlowID),
		zap.String("name", f.Name),
		zap.Int("agents_added", len(agents)),
	)
	return f, nil
}
