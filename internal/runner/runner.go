// Package runner drives checkpointed unit-by-unit restorations: each work
// unit produces one frame artifact, and completed units survive crashes
// through the checkpoint store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/checkpoint"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/migrate"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/progress"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/file"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/log"
)

// TransformFunc processes one work unit and returns the path of the
// artifact it produced.
type TransformFunc func(ctx context.Context, unit int) (artifactPath string, err error)

// ArtifactFunc names the artifact a completed unit must have left behind.
type ArtifactFunc func(workDir string, unit int) string

// SpaceCheckFunc validates free space against the remaining workload.
type SpaceCheckFunc func(unitsRemaining int) error

// RetryPolicy bounds per-unit retries. Retries are immediate; unit failures
// here are deterministic crashes or resource exhaustion, not network blips
// worth backing off for.
type RetryPolicy struct {
	MaxAttempts int
}

// Runner executes resumable unit loops against the checkpoint store.
type Runner struct {
	store      *checkpoint.Store
	migrator   *migrate.Migrator
	cadence    int
	retry      RetryPolicy
	checkSpace SpaceCheckFunc
	logger     *log.Logger
}

func New(store *checkpoint.Store, migrator *migrate.Migrator, cadence int, retry RetryPolicy, logger *log.Logger) *Runner {
	if cadence <= 0 {
		cadence = 50
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	return &Runner{
		store:    store,
		migrator: migrator,
		cadence:  cadence,
		retry:    retry,
		logger:   logger,
	}
}

// SetSpaceCheck installs a free-space validation run at every checkpoint
// save. Optional.
func (r *Runner) SetSpaceCheck(f SpaceCheckFunc) {
	r.checkSpace = f
}

// Run processes units 0..totalUnits-1 in ascending order, skipping units
// the checkpoint records as done whose artifact still exists on disk. It
// saves the checkpoint every cadence units and on every exit path except
// successful completion, where the checkpoint is deleted.
func (r *Runner) Run(ctx context.Context, job restore.Job, totalUnits int, transform TransformFunc, artifact ArtifactFunc, cb restore.Callbacks) restore.Result {
	result := r.run(ctx, job, totalUnits, transform, artifact, cb)
	cb.Complete(result)
	return result
}

func (r *Runner) run(ctx context.Context, job restore.Job, totalUnits int, transform TransformFunc, artifact ArtifactFunc, cb restore.Callbacks) restore.Result {
	if totalUnits <= 0 {
		err := restore.NewErrorf(restore.ErrConfig, "total units must be positive, got %d", totalUnits)
		return restore.Result{Status: restore.StatusFailed, Message: err.Error(), Stage: "prepare", Err: err}
	}

	cp, err := r.prepare(ctx, job, totalUnits, artifact, cb)
	if err != nil {
		return restore.Result{Status: restore.StatusFailed, Message: err.Error(), Stage: "prepare", Err: err}
	}

	if err := file.EnsureDir(job.WorkDir); err != nil {
		werr := restore.WrapError(err, restore.ErrIO, "create work directory")
		return restore.Result{Status: restore.StatusFailed, Message: werr.Error(), Stage: "prepare", Err: werr}
	}

	if n := len(cp.CompletedUnits); n > 0 {
		cb.Logf("Resuming job %s: %d/%d units already complete", job.ID, n, totalUnits)
	}

	tracker := progress.NewTracker(totalUnits)
	sinceSave := 0
	start := time.Now()

	for unit := 0; unit < totalUnits; unit++ {
		if ctx.Err() != nil {
			return r.interrupted(cp, unit, totalUnits, cb)
		}

		if cp.Done(unit) {
			if file.NonEmptyFile(artifact(job.WorkDir, unit), 1) {
				continue
			}
			// Disk is the truth: the record says done but the artifact is
			// gone, so the unit goes back in the queue.
			r.logger.Warn("Unit %d recorded as complete but its artifact is missing, reprocessing", unit)
			cp.Evict(unit)
		}

		if err := r.processUnit(ctx, unit, transform); err != nil {
			if errors.Is(err, context.Canceled) || restore.IsKind(err, restore.ErrCancelled) {
				return r.interrupted(cp, unit, totalUnits, cb)
			}
			r.save(cp, cb)
			ferr := restore.WrapError(err, restore.ErrUnitFailure,
				fmt.Sprintf("unit %d failed after %d attempts", unit, r.retry.MaxAttempts)).
				WithContext("unit", unit)
			return restore.Result{
				Status:     restore.StatusFailed,
				Message:    ferr.Error(),
				Stage:      "unit loop",
				Err:        ferr,
				Resumable:  true,
				UnitsDone:  len(cp.CompletedUnits),
				UnitsTotal: totalUnits,
			}
		}

		cp.MarkDone(unit)
		sinceSave++

		done := len(cp.CompletedUnits)
		elapsed := time.Since(start).Seconds()
		rate := 0.0
		if elapsed > 0 {
			rate = float64(done) / elapsed
		}
		if p, advanced := tracker.Observe(progress.Sample{UnitsDone: done, Rate: rate}); advanced {
			cb.Report(p)
		}

		if sinceSave >= r.cadence {
			r.save(cp, cb)
			sinceSave = 0
			if r.checkSpace != nil {
				if err := r.checkSpace(totalUnits - done); err != nil {
					return restore.Result{
						Status:     restore.StatusFailed,
						Message:    err.Error(),
						Stage:      "unit loop",
						Err:        err,
						Resumable:  true,
						UnitsDone:  done,
						UnitsTotal: totalUnits,
					}
				}
			}
		}
	}

	// All units done; the resume record has nothing left to say.
	if err := r.store.Delete(job.ID); err != nil {
		r.logger.Warn("Could not delete checkpoint for completed job %s: %v", job.ID, err)
	}

	return restore.Result{
		Status:     restore.StatusSuccess,
		Message:    "all units processed",
		UnitsDone:  totalUnits,
		UnitsTotal: totalUnits,
	}
}

// prepare loads or creates the checkpoint and migrates artifacts when the
// job resumes in a different working directory.
func (r *Runner) prepare(ctx context.Context, job restore.Job, totalUnits int, artifact ArtifactFunc, cb restore.Callbacks) (*checkpoint.Checkpoint, error) {
	cp, err := r.store.Load(job.ID)
	if err != nil {
		return nil, err
	}

	if cp != nil && cp.SettingsHash != job.SettingsHash() {
		r.logger.Warn("Checkpoint for job %s was saved under different settings, starting fresh", job.ID)
		cp = nil
	}

	if cp == nil {
		return &checkpoint.Checkpoint{
			JobID:            job.ID,
			WorkingDirectory: job.WorkDir,
			TotalUnits:       totalUnits,
			SettingsHash:     job.SettingsHash(),
		}, nil
	}

	cp.TotalUnits = totalUnits

	if cp.WorkingDirectory != job.WorkDir {
		cb.Logf("Working directory changed, migrating %d artifacts from %s",
			len(cp.CompletedUnits), cp.WorkingDirectory)
		names := make([]string, 0, len(cp.CompletedUnits))
		for _, unit := range cp.CompletedUnits {
			rel, err := filepath.Rel(job.WorkDir, artifact(job.WorkDir, unit))
			if err != nil {
				return nil, restore.WrapError(err, restore.ErrConfig, "artifact path outside work directory")
			}
			names = append(names, rel)
		}
		if _, err := r.migrator.Migrate(ctx, cp.WorkingDirectory, job.WorkDir, names); err != nil {
			return nil, err
		}
		cp.WorkingDirectory = job.WorkDir
		if err := r.store.Save(cp); err != nil {
			return nil, err
		}
	}

	return cp, nil
}

func (r *Runner) processUnit(ctx context.Context, unit int, transform TransformFunc) error {
	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := transform(ctx, unit)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		lastErr = err
		if attempt < r.retry.MaxAttempts {
			r.logger.Warn("Unit %d attempt %d/%d failed: %v", unit, attempt, r.retry.MaxAttempts, err)
		}
	}
	return lastErr
}

func (r *Runner) interrupted(cp *checkpoint.Checkpoint, unit, totalUnits int, cb restore.Callbacks) restore.Result {
	r.save(cp, cb)
	err := restore.NewErrorf(restore.ErrCancelled, "cancelled before unit %d", unit)
	return restore.Result{
		Status:     restore.StatusCancelled,
		Message:    "restoration cancelled, progress saved",
		Err:        err,
		Resumable:  true,
		UnitsDone:  len(cp.CompletedUnits),
		UnitsTotal: totalUnits,
	}
}

func (r *Runner) save(cp *checkpoint.Checkpoint, cb restore.Callbacks) {
	if err := r.store.Save(cp); err != nil {
		// Losing a save costs at most one cadence of rework; the run itself
		// goes on.
		r.logger.Error("Checkpoint save for job %s failed: %v", cp.JobID, err)
		cb.Logf("Warning: checkpoint save failed: %v", err)
	}
}
