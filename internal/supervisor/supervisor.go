// Package supervisor owns the per-agent liveness probers.
//
// Each registered agent gets one long-lived goroutine that probes its
// /ping endpoint on a fixed interval. An agent that fails enough
// consecutive probes is deleted from the registry and its prober exits.
// The prober table is owned exclusively by the Supervisor — no other
// component may cancel or replace a prober.
//
// On startup, Restore reconciles the persisted registry with reality:
// reachable agents get a fresh prober, unreachable ones are marked
// inactive but kept. Restoration never deletes — only the live probe
// loop evicts, so a brief platform restart cannot amplify into mass
// deregistration.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hdinguyen/mesh-sdk/internal/acp"
	"github.com/hdinguyen/mesh-sdk/internal/metrics"
	"github.com/hdinguyen/mesh-sdk/internal/registry"
)

const (
	// DefaultPingInterval is the pause between consecutive probes of one agent.
	DefaultPingInterval = 3 * time.Second

	// DefaultMaxFailures is the number of consecutive probe failures after
	// which an agent is evicted from the registry.
	DefaultMaxFailures = 3
)

// Pinger is the probe-side view of an agent client.
type Pinger interface {
	Ping(ctx context.Context) bool
}

// DialFunc builds a Pinger for an agent endpoint. Tests substitute
// their own; production uses the ACP client.
type DialFunc func(baseURL, authToken string) Pinger

func defaultDial(baseURL, authToken string) Pinger {
	return acp.New(baseURL, authToken)
}

// prober is one entry in the task table.
type prober struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor maintains the prober table and the eviction policy.
// Safe for concurrent use.
type Supervisor struct {
	registry     *registry.Registry
	dial         DialFunc
	pingInterval time.Duration
	maxFailures  int
	logger       *zap.Logger
	metrics      *metrics.Metrics

	mu      sync.Mutex
	probers map[string]*prober
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPingInterval overrides the probe interval.
func WithPingInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.pingInterval = d }
}

// WithMaxFailures overrides the consecutive-failure eviction threshold.
func WithMaxFailures(n int) Option {
	return func(s *Supervisor) { s.maxFailures = n }
}

// WithDialFunc overrides how probe clients are constructed.
func WithDialFunc(dial DialFunc) Option {
	return func(s *Supervisor) { s.dial = dial }
}

// New creates a Supervisor. Call Restore once at startup, before the
// API begins accepting traffic.
func New(reg *registry.Registry, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		registry:     reg,
		dial:         defaultDial,
		pingInterval: DefaultPingInterval,
		maxFailures:  DefaultMaxFailures,
		logger:       logger.Named("supervisor"),
		metrics:      m,
		probers:      make(map[string]*prober),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts a prober for the agent. Spawning is idempotent: an
// existing prober for the same name is cancelled and awaited first, so
// at most one probe loop per agent ever runs.
func (s *Supervisor) Spawn(agent *registry.Agent) {
	s.mu.Lock()
	if old, ok := s.probers[agent.AgentName]; ok {
		old.cancel()
		s.mu.Unlock()
		<-old.done
		s.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &prober{cancel: cancel, done: make(chan struct{})}
	s.probers[agent.AgentName] = p
	s.mu.Unlock()

	go s.probeLoop(ctx, agent, p)

	s.logger.Info("prober started", zap.String("agent_name", agent.AgentName))
}

// Cancel stops the prober for the named agent, if one exists, and
// waits for it to exit.
func (s *Supervisor) Cancel(name string) {
	s.mu.Lock()
	p, ok := s.probers[name]
	if ok {
		delete(s.probers, name)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	p.cancel()
	<-p.done
	s.logger.Info("prober cancelled", zap.String("agent_name", name))
}

// CancelAll stops every prober. Called on graceful shutdown and by the
// cleanup endpoint before the registry is wiped.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	probers := s.probers
	s.probers = make(map[string]*prober)
	s.mu.Unlock()

	for _, p := range probers {
		p.cancel()
	}
	for _, p := range probers {
		<-p.done
	}
	s.logger.Info("all probers cancelled", zap.Int("count", len(probers)))
}

// HasProber reports whether a prober is currently running for the named
// agent. The API uses this to detect stale records after a platform
// restart: a registered agent with no prober predates this process.
func (s *Supervisor) HasProber(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.probers[name]
	return ok
}

// Restore reconciles the persisted registry after a restart. Every
// registered agent gets a one-shot verification probe: reachable agents
// are marked active and get a prober, unreachable ones are marked
// inactive and left in place.
func (s *Supervisor) Restore(ctx context.Context) error {
	agents, err := s.registry.List(ctx)
	if err != nil {
		return err
	}

	restored, inactive := 0, 0
	for _, agent := range agents {
		client := s.dial(agent.BaseURL, agent.AuthToken)
		if client.Ping(ctx) {
			if err := s.registry.UpdateStatus(ctx, agent.AgentName, registry.StatusActive); err != nil {
				s.logger.Warn("failed to mark restored agent active",
					zap.String("agent_name", agent.AgentName), zap.Error(err))
			}
			s.Spawn(agent)
			restored++
			continue
		}

		inactive++
		if err := s.registry.UpdateStatus(ctx, agent.AgentName, registry.StatusInactive); err != nil {
			s.logger.Warn("failed to mark unreachable agent inactive",
				zap.String("agent_name", agent.AgentName), zap.Error(err))
		}
		s.logger.Warn("agent unreachable during restore, marked inactive",
			zap.String("agent_name", agent.AgentName),
			zap.String("base_url", agent.BaseURL),
		)
	}

	if s.metrics != nil {
		s.metrics.AgentsRegistered.Set(float64(len(agents)))
	}

	s.logger.Info("registry restored",
		zap.Int("total", len(agents)),
		zap.Int("probing", restored),
		zap.Int("inactive", inactive),
	)
	return nil
}

// probeLoop is the per-agent background loop. It exits on cancellation
// or after the agent is evicted.
func (s *Supervisor) probeLoop(ctx context.Context, agent *registry.Agent, p *prober) {
	defer close(p.done)

	client := s.dial(agent.BaseURL, agent.AuthToken)
	failures := 0

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("probe loop cancelled", zap.String("agent_name", agent.AgentName))
			return
		case <-time.After(s.pingInterval):
		}

		if client.Ping(ctx) {
			failures = 0
			if err := s.registry.UpdateStatus(ctx, agent.AgentName, registry.StatusActive); err != nil {
				s.logger.Warn("failed to update agent status",
					zap.String("agent_name", agent.AgentName), zap.Error(err))
			}
			s.logger.Debug("probe ok", zap.String("agent_name", agent.AgentName))
			continue
		}

		failures++
		if s.metrics != nil {
			s.metrics.ProbeFailures.WithLabelValues(agent.AgentName).Inc()
		}
		s.logger.Warn("probe failed",
			zap.String("agent_name", agent.AgentName),
			zap.Int("consecutive_failures", failures),
			zap.Int("max_failures", s.maxFailures),
		)

		if failures < s.maxFailures {
			continue
		}

		s.evict(ctx, agent.AgentName)
		return
	}
}

// evict removes the agent from the registry and drops the prober entry.
// The loop has already decided to terminate when this is called.
func (s *Supervisor) evict(ctx context.Context, name string) {
	s.logger.Error("agent failed consecutive probes, removing from registry",
		zap.String("agent_name", name),
		zap.Int("max_failures", s.maxFailures),
	)

	if err := s.registry.Delete(ctx, name); err != nil {
		s.logger.Warn("failed to delete evicted agent",
			zap.String("agent_name", name), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.AgentsEvicted.Inc()
		s.metrics.AgentsRegistered.Dec()
	}

	s.mu.Lock()
	delete(s.probers, name)
	s.mu.Unlock()
}
