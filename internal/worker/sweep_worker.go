package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/solsync-africa/dispatch/internal/dispatch"
	apperrors "github.com/solsync-africa/dispatch/pkg/util/errorutil"
)

// Sweeper retries matching for pending requests.
type Sweeper interface {
	SweepPending(ctx context.Context) (dispatch.SweepReport, error)
}

// SweepWorker runs the pending-request sweep on a fixed interval and whenever
// Trigger is called. Triggers that arrive while a sweep is queued coalesce.
type SweepWorker struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *zap.Logger
	trigger  chan struct{}
}

// NewSweepWorker creates a worker. interval <= 0 disables the ticker so only
// triggers start a sweep.
func NewSweepWorker(sweeper Sweeper, interval time.Duration, logger *zap.Logger) *SweepWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepWorker{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a sweep without blocking.
func (w *SweepWorker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// OnCapacityFreed adapts Trigger to the registry hook signature.
func (w *SweepWorker) OnCapacityFreed(technicianID string) {
	w.logger.Debug("technician capacity freed", zap.String("technician_id", technicianID))
	w.Trigger()
}

// Run sweeps until ctx is cancelled.
func (w *SweepWorker) Run(ctx context.Context) {
	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	w.logger.Info("sweep worker started", zap.Duration("interval", w.interval))
	defer w.logger.Info("sweep worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-w.trigger:
		}
		w.sweepOnce(ctx)
	}
}

func (w *SweepWorker) sweepOnce(ctx context.Context) {
	report, err := w.sweeper.SweepPending(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	if apperrors.IsNonFatal(err) {
		w.logger.Warn("sweep side effects failed", zap.Int("assigned", report.Assigned), zap.Error(err))
		return
	}
	w.logger.Error("sweep failed", zap.Int("examined", report.Examined), zap.Error(err))
}
