package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"komisiku/backend/internal/domain"
	"komisiku/backend/internal/logger"
	"komisiku/backend/internal/service"
)

// Worker drives the periodic sweeps: processing requested withdrawals
// while the monthly window is open, and reassigning stale unconfirmed
// orders to less loaded marketers.
type Worker struct {
	service       *service.Service
	sweepInterval time.Duration
	reassignAfter time.Duration
}

func New(svc *service.Service, sweepInterval time.Duration, reassignAfter time.Duration) *Worker {
	if sweepInterval < time.Minute {
		sweepInterval = 15 * time.Minute
	}
	if reassignAfter < time.Hour {
		reassignAfter = 24 * time.Hour
	}
	return &Worker{
		service:       svc,
		sweepInterval: sweepInterval,
		reassignAfter: reassignAfter,
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	logger.Log.Info("worker started",
		zap.Duration("sweep_interval", w.sweepInterval),
		zap.Duration("reassign_after", w.reassignAfter))

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("worker stopped")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	if result, err := w.service.ProcessPendingWithdrawals(ctx); err != nil {
		logger.Log.Error("withdrawal sweep failed", zap.Error(err))
	} else if !emptyResult(result) {
		logger.Log.Info("withdrawal sweep finished",
			zap.Int("processed", result.Processed),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped))
	}

	if result, err := w.service.ReassignStaleOrders(ctx, w.reassignAfter); err != nil {
		logger.Log.Error("order reassignment sweep failed", zap.Error(err))
	} else if !emptyResult(result) {
		logger.Log.Info("order reassignment sweep finished",
			zap.Int("processed", result.Processed),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped))
	}
}

func emptyResult(r domain.SweepResult) bool {
	return r.Processed == 0 && r.Failed == 0 && r.Skipped == 0
}
