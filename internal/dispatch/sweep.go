package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/solsync-africa/dispatch/pkg/util/errorutil"
)

// SweepReport summarises one SweepPending pass.
type SweepReport struct {
	Examined  int
	Assigned  int
	Unmatched int
	Skipped   int

	// Redelivered counts queued transitions whose side effects went out
	// during this pass.
	Redelivered int
}

// SweepPending first retries queued side effects, then retries matching for
// every PENDING request, oldest first. A request that left PENDING after
// being listed is skipped. The sweep stops early only when ctx is done; the
// report reflects the work done so far.
func (c *Controller) SweepPending(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	var report SweepReport
	var errs []error

	redelivered, err := c.FlushSideEffects(ctx)
	report.Redelivered = redelivered
	if err != nil {
		errs = append(errs, err)
	}

	for _, id := range c.store.PendingIDs() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report.Examined++
		_, assigned, err := c.tryAssign(ctx, id, ActorSweep)
		switch {
		case assigned:
			report.Assigned++
			if err != nil {
				errs = append(errs, err)
			}
		case errors.Is(err, errNotPending):
			report.Skipped++
		case apperrors.HasCode(err, apperrors.CodeNotFound):
			report.Skipped++
		case apperrors.HasCode(err, apperrors.CodeNoTechnicianAvailable):
			report.Unmatched++
		case err != nil:
			// Requests restored with an issue type that is no longer known.
			report.Unmatched++
			c.logger.Warn("sweep could not match request", zap.String("request_id", id), zap.Error(err))
		}
	}

	duration := time.Since(start)
	c.metrics.RecordSweep(report, duration)
	if report.Assigned > 0 || report.Redelivered > 0 {
		c.logger.Info("sweep made progress",
			zap.Int("examined", report.Examined),
			zap.Int("assigned", report.Assigned),
			zap.Int("unmatched", report.Unmatched),
			zap.Int("skipped", report.Skipped),
			zap.Int("redelivered", report.Redelivered),
			zap.Duration("duration", duration))
	}
	return report, errors.Join(errs...)
}
