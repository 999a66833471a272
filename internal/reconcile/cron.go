package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner is anything that can perform one reconciliation pass.
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// Cron runs a Runner on a standard five-field cron schedule in UTC.
type Cron struct {
	c       *cron.Cron
	runner  Runner
	timeout time.Duration
	logger  *zap.Logger
}

// NewCron parses spec and prepares the schedule. Each run gets at most
// timeout; zero means no limit. Overlapping runs are skipped.
func NewCron(spec string, runner Runner, timeout time.Duration, logger *zap.Logger) (*Cron, error) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	rc := &Cron{
		c:       c,
		runner:  runner,
		timeout: timeout,
		logger:  logger,
	}
	if _, err := c.AddFunc(spec, rc.runOnce); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}
	return rc, nil
}

// Start begins running the schedule in the background.
func (rc *Cron) Start() {
	rc.c.Start()
	for _, e := range rc.c.Entries() {
		rc.logger.Info("Reconcile schedule started", zap.Time("next_run", e.Next))
	}
}

// Stop halts the schedule and waits for a running pass to finish or ctx to end.
func (rc *Cron) Stop(ctx context.Context) {
	done := rc.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		rc.logger.Warn("Reconcile pass still running at shutdown")
	}
}

func (rc *Cron) runOnce() {
	ctx := context.Background()
	if rc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rc.timeout)
		defer cancel()
	}
	res, err := rc.runner.Run(ctx)
	if err != nil {
		rc.logger.Error("Scheduled reconciliation failed",
			zap.Int("reset_count", res.ResetCount),
			zap.Int("failed_chunks", res.FailedChunks),
			zap.Error(err))
		return
	}
	rc.logger.Info("Scheduled reconciliation done", zap.Int("reset_count", res.ResetCount))
}
