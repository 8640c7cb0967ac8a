// Package registry persists agent records and the set of registered
// agent names. It owns the data only — liveness probing and eviction
// policy live in the supervisor, and the post-registration verification
// handshake is driven by the API layer.
package registry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hdinguyen/mesh-sdk/internal/store"
)

// ErrNotFound is returned when the named agent does not exist. Callers
// should check for it with errors.Is to distinguish a missing record
// from a store failure.
var ErrNotFound = errors.New("agent not found")

// ErrConflict is returned by Register when an agent with the same name
// already exists, regardless of that record's status.
var ErrConflict = errors.New("agent already exists")

// Registry provides CRUD over agent records.
type Registry struct {
	store  store.Store
	logger *zap.Logger
}

// New creates a Registry backed by the given store.
func New(s store.Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:  s,
		logger: logger.Named("registry"),
	}
}

// Register inserts a new agent record. The insert is atomic on
// agent_name: HSETNX on the record's name field acts as the guard, so
// two concurrent registrations of the same name cannot both succeed.
// Register stamps registered_at, last_verified and status=active.
// Returns ErrConflict if the name is taken — even by an inactive record.
func (r *Registry) Register(ctx context.Context, agent *Agent) error {
	agent.Status = StatusActive
	agent.RegisteredAt = nowISO()
	agent.LastVerified = agent.RegisteredAt

	key := store.AgentKey(agent.AgentName)
	ok, err := r.store.HSetNX(ctx, key, "agent_name", agent.AgentName)
	if err != nil {
		return fmt.Errorf("registry: register %s: %w", agent.AgentName, err)
	}
	if !ok {
		return ErrConflict
	}

	if err := r.store.HSet(ctx, key, agent.toHash()); err != nil {
		return fmt.Errorf("registry: register %s: %w", agent.AgentName, err)
	}
	if err := r.store.SAdd(ctx, store.AgentsKey, agent.AgentName); err != nil {
		return fmt.Errorf("registry: register %s: %w", agent.AgentName, err)
	}

	r.logger.Info("agent registered",
		zap.String("agent_name", agent.AgentName),
		zap.String("agent_type", agent.AgentType),
		zap.String("base_url", agent.BaseURL),
	)
	return nil
}

// Get returns the agent record for name, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, name string) (*Agent, error) {
	h, err := r.store.HGetAll(ctx, store.AgentKey(name))
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", name, err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return fromHash(h), nil
}

// List returns all registered agents. Agents whose record disappeared
// between the set read and the hash read are skipped — that window is
// the probe-eviction race and is harmless.
func (r *Registry) List(ctx context.Context) ([]*Agent, error) {
	names, err := r.store.SMembers(ctx, store.AgentsKey)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}

	agents := make([]*Agent, 0, len(names))
	for _, name := range names {
		agent, err := r.Get(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// Delete removes the agent record, its name-set entry and its reserved
// queue. Returns ErrNotFound if the agent does not exist.
func (r *Registry) Delete(ctx context.Context, name string) error {
	exists, err := r.store.Exists(ctx, store.AgentKey(name))
	if err != nil {
		return fmt.Errorf("registry: delete %s: %w", name, err)
	}
	if !exists {
		return ErrNotFound
	}

	if err := r.store.Del(ctx, store.AgentKey(name), store.QueueKey(name)); err != nil {
		return fmt.Errorf("registry: delete %s: %w", name, err)
	}
	if err := r.store.SRem(ctx, store.AgentsKey, name); err != nil {
		return fmt.Errorf("registry: delete %s: %w", name, err)
	}

	r.logger.Info("agent deleted", zap.String("agent_name", name))
	return nil
}

// CleanupAll deletes every registered agent and returns the number of
// records removed.
func (r *Registry) CleanupAll(ctx context.Context) (int, error) {
	names, err := r.store.SMembers(ctx, store.AgentsKey)
	if err != nil {
		return 0, fmt.Errorf("registry: cleanup: %w", err)
	}

	deleted := 0
	for _, name := range names {
		switch err := r.Delete(ctx, name); {
		case err == nil:
			deleted++
		case errors.Is(err, ErrNotFound):
			// Evicted concurrently — nothing left to delete.
		default:
			return deleted, err
		}
	}

	r.logger.Info("registry cleaned up", zap.Int("deleted_count", deleted))
	return deleted, nil
}

// UpdateStatus sets the agent's status and stamps last_verified=now.
// Returns ErrNotFound if the agent does not exist.
func (r *Registry) UpdateStatus(ctx context.Context, name, status string) error {
	key := store.AgentKey(name)
	exists, err := r.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("registry: update status %s: %w", name, err)
	}
	if !exists {
		return ErrNotFound
	}

	if err := r.store.HSetField(ctx, key, "status", status); err != nil {
		return fmt.Errorf("registry: update status %s: %w", name, err)
	}
	if err := r.store.HSetField(ctx, key, "last_verified", nowISO()); err != nil {
		return fmt.Errorf("registry: update status %s: %w", name, err)
	}
	return nil
}
