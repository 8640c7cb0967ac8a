package flow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyFlow is returned when a flow with no agents is executed.
// No execution record is created in this case.
var ErrEmptyFlow = errors.New("flow has no agents")

// ErrNoStartAgents is returned when no node in the flow has an empty
// upstream list, so the engine has nowhere to begin.
var ErrNoStartAgents = errors.New("no start agents found in flow")

// NotReadyError aborts an execution during the pre-flight readiness
// check, before any agent is invoked.
type NotReadyError struct {
	Reason string
}

func (e *NotReadyError) Error() string {
	return "flow not ready: " + e.Reason
}

// StuckError is returned when the ready set is empty but uncompleted
// nodes remain — a cycle, or upstream references that can never
// complete.
type StuckError struct {
	Remaining []string
}

func (e *StuckError) Error() string {
	return "circular dependency or missing upstream agents: " + strings.Join(e.Remaining, ", ")
}

// RequiredAgentError is returned when a required node exhausts its
// retries. The execution fails immediately; results of other nodes in
// the same wave are discarded.
type RequiredAgentError struct {
	Agent string
	Err   error
}

func (e *RequiredAgentError) Error() string {
	return fmt.Sprintf("required agent '%s' failed: %v", e.Agent, e.Err)
}

func (e *RequiredAgentError) Unwrap() error {
	return e.Err
}
