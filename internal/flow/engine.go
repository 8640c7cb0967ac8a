package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hdinguyen/mesh-sdk/internal/acp"
	"github.com/hdinguyen/mesh-sdk/internal/metrics"
	"github.com/hdinguyen/mesh-sdk/internal/registry"
)

const (
	// DefaultRetryCount is the total number of invocation attempts per node.
	DefaultRetryCount = 3

	// DefaultRetryDelay is the pause between attempts of one node.
	DefaultRetryDelay = time.Second
)

// Invoker abstracts the outbound agent calls the engine makes. Tests
// substitute fakes; production uses the ACP client via NewACPInvoker.
type Invoker interface {
	// Ping probes the agent's liveness endpoint.
	Ping(ctx context.Context, agent *registry.Agent) bool

	// Run invokes the agent with a JSON object and returns its JSON output.
	Run(ctx context.Context, agent *registry.Agent, input map[string]any) (map[string]any, error)
}

type acpInvoker struct{}

// NewACPInvoker returns the production Invoker, speaking the agent
// protocol against each agent's registered base URL and token.
func NewACPInvoker() Invoker {
	return acpInvoker{}
}

func (acpInvoker) Ping(ctx context.Context, agent *registry.Agent) bool {
	return acp.New(agent.BaseURL, agent.AuthToken).Ping(ctx)
}

func (acpInvoker) Run(ctx context.Context, agent *registry.Agent, input map[string]any) (map[string]any, error) {
	return acp.New(agent.BaseURL, agent.AuthToken).RunJSON(ctx, agent.AgentName, input)
}

// Engine executes flows: pre-flight readiness check, wave scheduling
// over the dependency DAG, per-node retry, and terminal aggregation.
type Engine struct {
	flows      *Store
	registry   *registry.Registry
	invoker    Invoker
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRetryCount overrides the per-node attempt budget.
func WithRetryCount(n int) EngineOption {
	return func(e *Engine) { e.retryCount = n }
}

// WithRetryDelay overrides the pause between attempts.
func WithRetryDelay(d time.Duration) EngineOption {
	return func(e *Engine) { e.retryDelay = d }
}

// WithInvoker overrides the outbound agent caller.
func WithInvoker(inv Invoker) EngineOption {
	return func(e *Engine) { e.invoker = inv }
}

// NewEngine creates an Engine.
func NewEngine(flows *Store, reg *registry.Registry, m *metrics.Metrics, logger *zap.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		flows:      flows,
		registry:   reg,
		invoker:    NewACPInvoker(),
		retryCount: DefaultRetryCount,
		retryDelay: DefaultRetryDelay,
		logger:     logger.Named("engine"),
		metrics:    m,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the flow with the given input and returns the finished
// execution record. Engine-level failures (readiness, stuck DAG,
// required-agent failure) are recorded on the execution and returned as
// typed errors; the execution pointer is non-nil whenever a record was
// created.
func (e *Engine) Execute(ctx context.Context, flowID string, input map[string]any) (*Execution, error) {
	f, err := e.flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if len(f.Agents) == 0 {
		return nil, ErrEmptyFlow
	}
	if input == nil {
		input = map[string]any{}
	}

	exec, err := e.flows.CreateExecution(ctx, flowID, input)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	running := ExecutionRunning
	startedAt := nowISO()
	if err := e.flows.UpdateExecution(ctx, flowID, exec.ExecutionID, ExecutionUpdate{
		Status:    &running,
		StartedAt: &startedAt,
	}); err != nil {
		return exec, err
	}

	e.logger.Info("flow execution started",
		zap.String("flow_id", flowID),
		zap.String("execution_id", exec.ExecutionID),
		zap.Int("agents", len(f.Agents)),
	)

	output, runErr := e.run(ctx, f, exec.ExecutionID, input)
	if runErr != nil {
		e.finish(ctx, flowID, exec.ExecutionID, ExecutionFailed, nil, runErr.Error(), started)
		e.logger.Error("flow execution failed",
			zap.String("flow_id", flowID),
			zap.String("execution_id", exec.ExecutionID),
			zap.Error(runErr),
		)
		final, _ := e.flows.GetExecution(ctx, flowID, exec.ExecutionID)
		if final == nil {
			final = exec
		}
		return final, runErr
	}

	e.finish(ctx, flowID, exec.ExecutionID, ExecutionCompleted, output, "", started)
	e.logger.Info("flow execution completed",
		zap.String("flow_id", flowID),
		zap.String("execution_id", exec.ExecutionID),
		zap.Duration("duration", time.Since(started)),
	)

	final, err := e.flows.GetExecution(ctx, flowID, exec.ExecutionID)
	if err != nil {
		return exec, err
	}
	return final, nil
}

// finish stamps the terminal state onto the execution and records metrics.
func (e *Engine) finish(ctx context.Context, flowID, executionID, status string, output map[string]any, errMsg string, started time.Time) {
	completedAt := nowISO()
	upd := ExecutionUpdate{
		Status:      &status,
		CompletedAt: &completedAt,
		OutputData:  output,
	}
	if errMsg != "" {
		upd.Error = &errMsg
	}
	if err := e.flows.UpdateExecution(ctx, flowID, executionID, upd); err != nil {
		e.logger.Warn("failed to finalize execution record",
			zap.String("execution_id", executionID), zap.Error(err))
	}
	if e.metrics != nil {
		e.metrics.FlowExecutions.WithLabelValues(status).Inc()
		e.metrics.ExecutionDuration.Observe(time.Since(started).Seconds())
	}
}

// run performs the readiness check and the wave loop, returning the
// aggregated terminal output.
func (e *Engine) run(ctx context.Context, f *Flow, executionID string, input map[string]any) (map[string]any, error) {
	if err := e.checkReadiness(ctx, f); err != nil {
		return nil, err
	}

	agentMap := make(map[string]FlowAgent, len(f.Agents))
	for _, fa := range f.Agents {
		agentMap[fa.AgentName] = fa
	}

	completed := make(map[string]struct{}, len(f.Agents))
	results := make(map[string]map[string]any, len(f.Agents))

	// resultMu serializes agent_results writes: the field is a single
	// hash entry shared by every node of the execution.
	var resultMu sync.Mutex

	var start []FlowAgent
	for _, fa := range f.Agents {
		if len(fa.UpstreamAgents) == 0 {
			start = append(start, fa)
		}
	}
	if len(start) == 0 {
		return nil, ErrNoStartAgents
	}

	// Start nodes all receive the flow's initial input verbatim.
	inputs := make(map[string]map[string]any, len(start))
	for _, fa := range start {
		inputs[fa.AgentName] = input
	}
	if err := e.runWave(ctx, f.FlowID, executionID, start, inputs, completed, results, &resultMu); err != nil {
		return nil, err
	}

	for len(completed) < len(f.Agents) {
		var ready []FlowAgent
		for _, fa := range f.Agents {
			if _, done := completed[fa.AgentName]; done {
				continue
			}
			if isReady(fa, completed, agentMap) {
				ready = append(ready, fa)
			}
		}

		if len(ready) == 0 {
			var remaining []string
			for _, fa := range f.Agents {
				if _, done := completed[fa.AgentName]; !done {
					remaining = append(remaining, fa.AgentName)
				}
			}
			return nil, &StuckError{Remaining: remaining}
		}

		e.logger.Debug("executing wave",
			zap.String("execution_id", executionID),
			zap.Int("ready", len(ready)),
		)

		inputs = make(map[string]map[string]any, len(ready))
		for _, fa := range ready {
			inputs[fa.AgentName] = composeInput(fa, results, input)
		}
		if err := e.runWave(ctx, f.FlowID, executionID, ready, inputs, completed, results, &resultMu); err != nil {
			return nil, err
		}
	}

	return aggregateTerminals(f.Agents, results), nil
}

// checkReadiness verifies every required node is registered and
// answering probes. Optional nodes are not probed. Any failure aborts
// the execution before a single agent is invoked.
func (e *Engine) checkReadiness(ctx context.Context, f *Flow) error {
	for _, fa := range f.Agents {
		if !fa.Required {
			continue
		}
		agent, err := e.registry.Get(ctx, fa.AgentName)
		if errors.Is(err, registry.ErrNotFound) {
			return &NotReadyError{Reason: fmt.Sprintf("required agent '%s' not found in registry", fa.AgentName)}
		}
		if err != nil {
			return err
		}
		if !e.invoker.Ping(ctx, agent) {
			return &NotReadyError{Reason: fmt.Sprintf("required agent '%s' is not responding", fa.AgentName)}
		}
	}
	return nil
}

// isReady reports whether every required upstream of the node has
// completed. Upstream references unknown to the flow are ignored, and
// optional upstreams never block: a node may fire before an optional
// predecessor finishes, in which case input composition reads an empty
// result for it.
func isReady(fa FlowAgent, completed map[string]struct{}, agentMap map[string]FlowAgent) bool {
	for _, up := range fa.UpstreamAgents {
		cfg, known := agentMap[up]
		if !known {
			continue
		}
		if !cfg.Required {
			continue
		}
		if _, done := completed[up]; !done {
			return false
		}
	}
	return true
}

// composeInput builds a node's input from its upstream results: the
// initial input for start nodes, a verbatim pass-through for a single
// upstream, and an object keyed by upstream name otherwise. Upstreams
// with no recorded result (failed optional, or not yet run) contribute
// an empty object.
func composeInput(fa FlowAgent, results map[string]map[string]any, initial map[string]any) map[string]any {
	switch len(fa.UpstreamAgents) {
	case 0:
		return initial
	case 1:
		if out, ok := results[fa.UpstreamAgents[0]]; ok {
			return out
		}
		return map[string]any{}
	default:
		composed := make(map[string]any, len(fa.UpstreamAgents))
		for _, up := range fa.UpstreamAgents {
			if out, ok := results[up]; ok {
				composed[up] = out
			} else {
				composed[up] = map[string]any{}
			}
		}
		return composed
	}
}

// runWave launches every node of the wave in parallel and waits for the
// whole wave to settle. A failed required node fails the wave — the
// remaining nodes still run to completion, but their results are
// discarded along with the execution.
func (e *Engine) runWave(
	ctx context.Context,
	flowID, executionID string,
	wave []FlowAgent,
	inputs map[string]map[string]any,
	completed map[string]struct{},
	results map[string]map[string]any,
	resultMu *sync.Mutex,
) error {
	type outcome struct {
		output map[string]any
		err    error
	}
	outcomes := make([]outcome, len(wave))

	var wg sync.WaitGroup
	for i, fa := range wave {
		wg.Add(1)
		go func(i int, fa FlowAgent) {
			defer wg.Done()
			out, err := e.executeWithRetry(ctx, flowID, executionID, fa, inputs[fa.AgentName], resultMu)
			outcomes[i] = outcome{output: out, err: err}
		}(i, fa)
	}
	wg.Wait()

	for i, fa := range wave {
		if outcomes[i].err != nil {
			if fa.Required {
				return &RequiredAgentError{Agent: fa.AgentName, Err: outcomes[i].err}
			}
			e.logger.Warn("optional agent failed, continuing with empty result",
				zap.String("execution_id", executionID),
				zap.String("agent_name", fa.AgentName),
				zap.Error(outcomes[i].err),
			)
			results[fa.AgentName] = map[string]any{}
		} else {
			results[fa.AgentName] = outcomes[i].output
		}
		completed[fa.AgentName] = struct{}{}
	}
	return nil
}

// executeWithRetry invokes one node, retrying transient failures up to
// the engine's attempt budget. A per-agent result record is written on
// success and on final failure.
func (e *Engine) executeWithRetry(
	ctx context.Context,
	flowID, executionID string,
	fa FlowAgent,
	input map[string]any,
	resultMu *sync.Mutex,
) (map[string]any, error) {
	var lastErr error

	for attempt := 1; attempt <= e.retryCount; attempt++ {
		if e.metrics != nil {
			e.metrics.InvocationAttempts.Inc()
		}
		e.logger.Debug("invoking agent",
			zap.String("execution_id", executionID),
			zap.String("agent_name", fa.AgentName),
			zap.Int("attempt", attempt),
			zap.Int("retry_count", e.retryCount),
		)

		output, err := e.invokeOnce(ctx, fa.AgentName, input)
		if err == nil {
			e.recordResult(ctx, flowID, executionID, fa.AgentName, AgentResult{
				Status:   AgentCompleted,
				Output:   output,
				Attempts: attempt,
			}, resultMu)
			return output, nil
		}

		lastErr = err
		e.logger.Warn("agent invocation failed",
			zap.String("execution_id", executionID),
			zap.String("agent_name", fa.AgentName),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < e.retryCount {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = e.retryCount // fall through to the failure record
			case <-time.After(e.retryDelay):
			}
		}
	}

	e.recordResult(ctx, flowID, executionID, fa.AgentName, AgentResult{
		Status:   AgentFailed,
		Output:   map[string]any{},
		Error:    lastErr.Error(),
		Attempts: e.retryCount,
	}, resultMu)

	return nil, fmt.Errorf("agent '%s' failed after %d attempts: %w", fa.AgentName, e.retryCount, lastErr)
}

// invokeOnce resolves the agent from the registry and performs one
// invocation. Resolution happens per attempt so an agent evicted
// mid-execution fails cleanly instead of being called at a stale URL.
func (e *Engine) invokeOnce(ctx context.Context, agentName string, input map[string]any) (map[string]any, error) {
	agent, err := e.registry.Get(ctx, agentName)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("agent '%s' not found in registry", agentName)
	}
	if err != nil {
		return nil, err
	}
	return e.invoker.Run(ctx, agent, input)
}

func (e *Engine) recordResult(ctx context.Context, flowID, executionID, agentName string, result AgentResult, resultMu *sync.Mutex) {
	resultMu.Lock()
	defer resultMu.Unlock()
	if err := e.flows.SetAgentResult(ctx, flowID, executionID, agentName, result); err != nil {
		e.logger.Warn("failed to record agent result",
			zap.String("execution_id", executionID),
			zap.String("agent_name", agentName),
			zap.Error(err),
		)
	}
}

// aggregateTerminals builds the execution output from the terminal
// nodes — nodes no other node lists as upstream. One terminal passes
// its output through; several are namespaced by name; none yields an
// empty object.
func aggregateTerminals(agents []FlowAgent, results map[string]map[string]any) map[string]any {
	downstream := make(map[string]struct{})
	for _, fa := range agents {
		for _, up := range fa.UpstreamAgents {
			downstream[up] = struct{}{}
		}
	}

	var terminals []string
	for _, fa := range agents {
		if _, listed := downstream[fa.AgentName]; !listed {
			terminals = append(terminals, fa.AgentName)
		}
	}

	if len(terminals) == 1 {
		if out, ok := results[terminals[0]]; ok {
			return out
		}
		return map[string]any{}
	}

	output := make(map[string]any, len(terminals))
	for _, name := range terminals {
		if out, ok := results[name]; ok {
			output[name] = out
		} else {
			output[name] = map[string]any{}
		}
	}
	return output
}
