package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const (
	// DefaultSweepInterval is how often the periodic sweep runs.
	DefaultSweepInterval = 10 * time.Minute

	// DefaultMaxExecutionAge is how long an execution may stay in the
	// running state before the periodic sweep declares it orphaned.
	DefaultMaxExecutionAge = time.Hour
)

// Sweeper transitions orphaned running executions to failed. In-flight
// executions are abandoned across a platform restart, so any execution
// still marked running at startup is dead; the startup sweep fails them
// all. The periodic sweep additionally catches executions whose process
// died without a restart marker, using an age cutoff.
type Sweeper struct {
	flows    *Store
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
	cron     gocron.Scheduler
}

// NewSweeper creates a Sweeper. Call Start to run the startup sweep and
// schedule the periodic one.
func NewSweeper(flows *Store, interval, maxAge time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxExecutionAge
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("flow: failed to create sweep scheduler: %w", err)
	}

	return &Sweeper{
		flows:    flows,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger.Named("sweeper"),
		cron:     cron,
	}, nil
}

// Start runs an immediate sweep with a cutoff of now — everything still
// running predates this process — then schedules the periodic sweep.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.Sweep(ctx, time.Now().UTC()); err != nil {
		return err
	}

	_, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			cutoff := time.Now().UTC().Add(-s.maxAge)
			if _, err := s.Sweep(context.Background(), cutoff); err != nil {
				s.logger.Warn("periodic sweep failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("flow: failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("execution sweeper started", zap.Duration("interval", s.interval))
	return nil
}

// Stop shuts down the periodic sweep.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("flow: sweeper shutdown: %w", err)
	}
	return nil
}

// Sweep marks every running execution started before cutoff as failed
// and returns the number of executions swept.
func (s *Sweeper) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	flows, err := s.flows.ListFlows(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, f := range flows {
		summaries, err := s.flows.ListExecutions(ctx, f.FlowID, MaxExecutionHistory)
		if err != nil {
			return swept, err
		}

		for _, sum := range summaries {
			if sum.Status != ExecutionRunning {
				continue
			}
			startedAt, err := time.Parse(time.RFC3339, sum.StartedAt)
			if err == nil && !startedAt.Before(cutoff) {
				continue
			}

			failed := ExecutionFailed
			errMsg := "execution orphaned: platform restarted while running"
			completedAt := nowISO()
			if err := s.flows.UpdateExecution(ctx, f.FlowID, sum.ExecutionID, ExecutionUpdate{
				Status:      &failed,
				Error:       &errMsg,
				CompletedAt: &completedAt,
			}); err != nil {
				s.logger.Warn("failed to sweep execution",
					zap.String("flow_id", f.FlowID),
					zap.String("execution_id", sum.ExecutionID),
					zap.Error(err),
				)
				continue
			}
			swept++
		}
	}

	if swept > 0 {
		s.logger.Info("orphaned executions swept", zap.Int("count", swept))
	}
	return swept, nil
}
