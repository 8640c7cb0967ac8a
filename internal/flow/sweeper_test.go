package flow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hdinguyen/mesh-sdk/internal/flow"
)

func markRunning(t *testing.T, fs *flow.Store, flowID, executionID string, startedAt time.Time) {
	t.Helper()
	running := flow.ExecutionRunning
	stamp := startedAt.UTC().Format(time.RFC3339)
	require.NoError(t, fs.UpdateExecution(context.Background(), flowID, executionID, flow.ExecutionUpdate{
		Status:    &running,
		StartedAt: &stamp,
	}))
}

func TestSweepFailsOrphanedExecutions(t *testing.T) {
	fs := newTestFlowStore(t)
	ctx := context.Background()

	f, err := fs.CreateFlow(ctx, "pipeline", "")
	require.NoError(t, err)

	orphan, err := fs.CreateExecution(ctx, f.FlowID, nil)
	require.NoError(t, err)
	markRunning(t, fs, f.FlowID, orphan.ExecutionID, time.Now().Add(-2*time.Hour))

	fresh, err := fs.CreateExecution(ctx, f.FlowID, nil)
	require.NoError(t, err)
	markRunning(t, fs, f.FlowID, fresh.ExecutionID, time.Now())

	sweeper, err := flow.NewSweeper(fs, time.Minute, time.Hour, zap.NewNop())
	require.NoError(t, err)

	swept, err := sweeper.Sweep(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	got, err := fs.GetExecution(ctx, f.FlowID, orphan.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, flow.ExecutionFailed, got.Status)
	require.Contains(t, got.Error, "orphaned")
	require.NotEmpty(t, got.CompletedAt)

	got, err = fs.GetExecution(ctx, f.FlowID, fresh.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, flow.ExecutionRunning, got.Status)
}

func TestSweepIgnoresTerminalExecutions(t *testing.T) {
	fs := newTestFlowStore(t)
	ctx := context.Background()

	f, err := fs.CreateFlow(ctx, "pipeline", "")
	require.NoError(t, err)

	exec, err := fs.CreateExecution(ctx, f.FlowID, nil)
	require.NoError(t, err)
	completed := flow.ExecutionCompleted
	startedAt := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
	require.NoError(t, fs.UpdateExecution(ctx, f.FlowID, exec.ExecutionID, flow.ExecutionUpdate{
		Status:    &completed,
		StartedAt: &startedAt,
	}))

	sweeper, err := flow.NewSweeper(fs, time.Minute, time.Hour, zap.NewNop())
	require.NoError(t, err)

	swept, err := sweeper.Sweep(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Zero(t, swept)

	got, err := fs.GetExecution(ctx, f.FlowID, exec.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, flow.ExecutionCompleted, got.Status)
}

// The startup sweep uses a cutoff of now: every running execution
// predates the process and is failed regardless of age.
func TestStartupSweepCutoff(t *testing.T) {
	fs := newTestFlowStore(t)
	ctx := context.Background()

	f, err := fs.CreateFlow(ctx, "pipeline", "")
	require.NoError(t, err)

	exec, err := fs.CreateExecution(ctx, f.FlowID, nil)
	require.NoError(t, err)
	markRunning(t, fs, f.FlowID, exec.ExecutionID, time.Now().Add(-time.Second))

	sweeper, err := flow.NewSweeper(fs, time.Minute, time.Hour, zap.NewNop())
	require.NoError(t, err)

	swept, err := sweeper.Sweep(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, swept)
}

func TestSweeperStartAndStop(t *testing.T) {
	fs := newTestFlowStore(t)
	ctx := context.Background()

	f, err := fs.CreateFlow(ctx, "pipeline", "")
	require.NoError(t, err)
	exec, err := fs.CreateExecution(ctx, f.FlowID, nil)
	require.NoError(t, err)
	markRunning(t, fs, f.FlowID, exec.ExecutionID, time.Now().Add(-time.Minute))

	sweeper, err := flow.NewSweeper(fs, time.Hour, time.Hour, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, sweeper.Start(ctx))

	got, err := fs.GetExecution(ctx, f.FlowID, exec.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, flow.ExecutionFailed, got.Status)

	require.NoError(t, sweeper.Stop())
}
