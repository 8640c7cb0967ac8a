package flow

import "time"

// Execution statuses. Transitions are monotonic:
// pending → running → completed | failed.
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// Per-agent result statuses within an execution.
const (
	AgentCompleted = "completed"
	AgentFailed    = "failed"
)

// MaxExecutionHistory is the number of execution records retained per
// flow. Older executions are evicted FIFO.
const MaxExecutionHistory = 100

// Flow is a named DAG of agents. Name is unique across flows; FlowID is
// the generated opaque identifier everything else keys on.
type Flow struct {
	FlowID       string      `json:"flow_id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	CreatedAt    string      `json:"created_at"`
	UpdatedAt    string      `json:"updated_at"`
	ImportedFrom string      `json:"imported_from,omitempty"`
	Agents       []FlowAgent `json:"agents"`
}

// FlowAgent is one node in a flow's dependency graph. The induced edge
// set is u → v iff u appears in v.UpstreamAgents.
type FlowAgent struct {
	AgentName      string   `json:"agent_name"`
	UpstreamAgents []string `json:"upstream_agents"`
	Required       bool     `json:"required"`
	Description    string   `json:"description,omitempty"`
	AddedAt        string   `json:"added_at,omitempty"`
}

// AgentResult is the per-agent trace entry recorded into an execution.
type AgentResult struct {
	Status   string         `json:"status"`
	Output   map[string]any `json:"output"`
	Error    string         `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
}

// Execution is one attempt to run a flow with a given input payload.
type Execution struct {
	ExecutionID  string                 `json:"execution_id"`
	FlowID       string                 `json:"flow_id"`
	Status       string                 `json:"status"`
	InputData    map[string]any         `json:"input_data"`
	OutputData   map[string]any         `json:"output_data,omitempty"`
	StartedAt    string                 `json:"started_at,omitempty"`
	CompletedAt  string                 `json:"completed_at,omitempty"`
	Error        string                 `json:"error,omitempty"`
	AgentResults map[string]AgentResult `json:"agent_results,omitempty"`
}

// ExecutionSummary is the projection returned by execution listings.
type ExecutionSummary struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ExportedFlow is the portable representation produced by Export and
// consumed by Import. It carries no flow ID — importing always mints a
// new one.
type ExportedFlow struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Agents      []ExportedAgent `json:"agents"`
	Metadata    *ExportMetadata `json:"metadata,omitempty"`
}

// ExportedAgent is a flow agent projected to its portable fields.
type ExportedAgent struct {
	AgentName      string   `json:"agent_name"`
	UpstreamAgents []string `json:"upstream_agents"`
	Required       bool     `json:"required"`
	Description    string   `json:"description,omitempty"`
}

// ExportMetadata describes the provenance of an exported flow.
type ExportMetadata struct {
	ExportedAt      string `json:"exported_at"`
	PlatformVersion string `json:"platform_version"`
	AgentCount      int    `json:"agent_count"`
	OriginalFlowID  string `json:"original_flow_id"`
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
