package store

// Key layout. Everything the platform persists lives under one of these
// namespaces. Keeping the builders here (rather than scattered across
// packages) makes the full keyspace visible at a glance.
//
//	agent:{name}                    hash — one agent record
//	agents                          set  — registered agent names
//	flow:{id}                       hash — flow metadata
//	flows                           set  — flow IDs
//	flow:{id}:agents                list — flow agent entries (JSON)
//	flow:{id}:execution:{exec_id}   hash — one execution record
//	flow:{id}:executions            list — execution IDs, newest first
//	queue:{name}                    list — reserved for agent inboxes

const (
	// AgentsKey is the set of all registered agent names.
	AgentsKey = "agents"

	// FlowsKey is the set of all flow IDs.
	FlowsKey = "flows"
)

// AgentKey returns the hash key for a single agent record.
func AgentKey(name string) string {
	return "agent:" + name
}

// QueueKey returns the list key reserved for an agent's message queue.
// The queue is unused by the platform core but is cleaned up alongside
// the agent record so deletion leaves no residue.
func QueueKey(name string) string {
	return "queue:" + name
}

// FlowKey returns the hash key for a flow's metadata.
func FlowKey(flowID string) string {
	return "flow:" + flowID
}

// FlowAgentsKey returns the list key holding a flow's agent entries.
func FlowAgentsKey(flowID string) string {
	return "flow:" + flowID + ":agents"
}

// ExecutionKey returns the hash key for a single execution record.
func ExecutionKey(flowID, executionID string) string {
	return "flow:" + flowID + ":execution:" + executionID
}

// ExecutionsKey returns the list key holding a flow's execution IDs,
// newest first.
func ExecutionsKey(flowID string) string {
	return "flow:" + flowID + ":executions"
}
