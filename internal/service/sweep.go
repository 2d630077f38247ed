package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/icron"
)

// Sweep removes checkpoints that have not been touched within olderThan.
// Their history rows stay; the listing still shows the run, just no longer
// resumable. Returns the number of checkpoints removed.
func (s *Service) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cps, err := s.checkpoints.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, cp := range cps {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if cp.SavedAt.After(cutoff) {
			continue
		}
		if err := s.checkpoints.Delete(cp.JobID); err != nil {
			s.logger.Warn("Could not sweep checkpoint %s: %v", cp.JobID, err)
			continue
		}
		s.logger.Info("Swept stale checkpoint %s (last saved %s)", cp.JobID, cp.SavedAt.Format(time.RFC3339))
		removed++
	}
	return removed, nil
}

// StartSweepScheduler runs Sweep on the configured cron schedule until ctx
// is cancelled. Used by long-lived hosts; the CLI relies on the on-demand
// sweep command instead.
func (s *Service) StartSweepScheduler(ctx context.Context) error {
	if info, err := icron.GetTriggerInfo(s.cfg.Checkpoint.SweepCron, time.Now()); err == nil {
		s.logger.Info("Checkpoint sweep scheduled %q, next run %s",
			s.cfg.Checkpoint.SweepCron, info.Next.Format(time.RFC3339))
	}

	c := cron.New()
	_, err := c.AddFunc(s.cfg.Checkpoint.SweepCron, func() {
		if n, err := s.Sweep(ctx, s.cfg.Checkpoint.Retention); err != nil {
			s.logger.Warn("Scheduled sweep failed: %v", err)
		} else if n > 0 {
			s.logger.Info("Scheduled sweep removed %d stale checkpoints", n)
		}
	})
	if err != nil {
		return err
	}

	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}
