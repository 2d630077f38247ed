// Package service composes the restoration components into job-level
// operations: run, resume, list, discard, sweep. It owns the history store
// and maps every failure into the error taxonomy before it reaches a caller.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/checkpoint"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/config"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/diskspace"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/media"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/migrate"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/persistence"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/pipeline"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/proc"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/runner"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/scriptgen"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/file"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/log"
)

// RunRequest describes one restoration to execute.
type RunRequest struct {
	InputPath  string
	OutputPath string
	Options    restore.Options
	WorkDir    string
	// Resumable selects the checkpointed unit loop instead of the
	// streaming pipeline.
	Resumable bool
}

// JobSummary is one row of the jobs listing: run history merged with
// checkpoint-store discovery.
type JobSummary struct {
	JobID      string
	InputPath  string
	OutputPath string
	Status     restore.Status
	UnitsDone  int
	UnitsTotal int
	Resumable  bool
	UpdatedAt  time.Time
}

// Service wires the guard, supervisor, runner, and stores together.
type Service struct {
	cfg         *config.Config
	launcher    proc.Launcher
	analyzer    *media.Analyzer
	supervisor  *pipeline.Supervisor
	checkpoints *checkpoint.Store
	history     *persistence.SQLiteStore
	guard       *diskspace.Guard
	logger      *log.Logger
}

// New builds a fully wired Service from configuration.
func New(cfg *config.Config, logger *log.Logger) (*Service, error) {
	history, err := persistence.NewSQLiteStore(cfg.Paths.HistoryDBPath())
	if err != nil {
		return nil, restore.WrapError(err, restore.ErrIO, "open run history")
	}

	launcher := proc.NewExecLauncher()
	analyzer := media.NewAnalyzer(launcher, cfg.Pipeline.ProbeCommand)
	generator := scriptgen.NewVapourSynth(launcher, cfg.Pipeline.FilterCommand, analyzer, logger)
	checkpoints := checkpoint.NewStore(cfg.Paths.CheckpointDir(), logger)

	s := &Service{
		cfg:         cfg,
		launcher:    launcher,
		analyzer:    analyzer,
		supervisor:  pipeline.NewSupervisor(launcher, generator, cfg.Pipeline, logger),
		checkpoints: checkpoints,
		history:     history,
		guard:       diskspace.NewGuard(cfg.Disk.MarginRatio),
		logger:      logger,
	}
	return s, nil
}

func (s *Service) Close() error {
	return s.history.Close()
}

// Cancel stops the in-flight pipeline run, if any.
func (s *Service) Cancel() {
	s.supervisor.Cancel()
}

// Run executes a restoration from scratch. Relaunching a job whose
// checkpoint survives resumes it automatically.
func (s *Service) Run(ctx context.Context, req RunRequest, cb restore.Callbacks) restore.Result {
	workDir := req.WorkDir
	jobID := restore.JobID(req.InputPath, req.OutputPath, req.Options)
	if workDir == "" {
		workDir = filepath.Join(s.cfg.Paths.WorkDir, jobID)
	}
	job := restore.NewJob(req.InputPath, req.OutputPath, req.Options, workDir)
	return s.runJob(ctx, job, req.Resumable, cb)
}

// Resume restarts an interrupted checkpointed job, optionally in a new
// working directory.
func (s *Service) Resume(ctx context.Context, jobID, workDirOverride string, cb restore.Callbacks) restore.Result {
	cp, err := s.checkpoints.Load(jobID)
	if err != nil {
		return s.fail(restore.WrapError(err, restore.ErrIO, "load checkpoint"), cb)
	}
	if cp == nil {
		return s.fail(restore.NewErrorf(restore.ErrConfig, "no checkpoint found for job %s", jobID), cb)
	}

	rec, err := s.history.GetRun(ctx, jobID)
	if err != nil {
		return s.fail(restore.WrapError(err, restore.ErrIO, "load run history"), cb)
	}
	if rec == nil {
		return s.fail(restore.NewErrorf(restore.ErrConfig,
			"job %s has a checkpoint but no history row; discard it and rerun", jobID), cb)
	}

	workDir := cp.WorkingDirectory
	if workDirOverride != "" {
		workDir = workDirOverride
	}

	job := restore.Job{
		ID:         jobID,
		InputPath:  rec.InputPath,
		OutputPath: rec.OutputPath,
		Options:    restore.ParseOptions(rec.Options),
		WorkDir:    workDir,
	}
	return s.runJob(ctx, job, true, cb)
}

func (s *Service) runJob(ctx context.Context, job restore.Job, resumable bool, cb restore.Callbacks) restore.Result {
	if !file.Exists(job.InputPath) {
		return s.fail(restore.NewErrorf(restore.ErrConfig, "input file does not exist: %s", job.InputPath), cb)
	}

	lock, err := runner.AcquireLock(s.cfg.Paths.LockDir(), job.ID)
	if err != nil {
		return s.fail(err, cb)
	}
	defer lock.Release()

	s.record(ctx, job, restore.Result{Status: restore.StatusRunning})

	var result restore.Result
	if resumable {
		result = s.runResumable(ctx, job, cb)
	} else {
		result = s.runPipeline(ctx, job, cb)
	}

	s.record(ctx, job, result)
	return result
}

func (s *Service) runPipeline(ctx context.Context, job restore.Job, cb restore.Callbacks) restore.Result {
	if err := s.preflightPipeline(ctx, job); err != nil {
		return s.fail(err, cb)
	}
	return s.supervisor.Run(ctx, job, cb)
}

func (s *Service) runResumable(ctx context.Context, job restore.Job, cb restore.Callbacks) restore.Result {
	info, err := s.analyzer.Probe(ctx, job.InputPath)
	if err != nil {
		return s.fail(restore.WrapError(err, restore.ErrSubprocess, "probe input"), cb)
	}
	if info.FrameCount <= 0 {
		return s.fail(restore.NewErrorf(restore.ErrConfig,
			"could not determine frame count for %s", job.InputPath), cb)
	}

	required := diskspace.EstimateFrameWork(info.Width, info.Height, info.FrameCount)
	if err := s.guard.Check(job.WorkDir, required); err != nil {
		return s.fail(err, cb)
	}

	transform, err := NewCommandTransform(s.launcher, job)
	if err != nil {
		return s.fail(err, cb)
	}

	perFrame := required / uint64(info.FrameCount)
	r := s.newRunner()
	r.SetSpaceCheck(func(unitsRemaining int) error {
		return s.guard.Check(job.WorkDir, perFrame*uint64(unitsRemaining))
	})

	result := r.Run(ctx, job, info.FrameCount, transform, FrameArtifact, cb)
	if !result.Succeeded() {
		return result
	}

	if err := s.assemble(ctx, job, info); err != nil {
		result = restore.Result{
			Status:    restore.StatusFailed,
			Message:   err.Error(),
			Stage:     "assemble",
			Err:       err,
			Resumable: false,
			UnitsDone: result.UnitsDone, UnitsTotal: result.UnitsTotal,
		}
		cb.Complete(result)
		return result
	}
	return result
}

func (s *Service) newRunner() *runner.Runner {
	migrator := migrate.New(func(line string) { s.logger.Info("%s", line) })
	return runner.New(s.checkpoints, migrator, s.cfg.Checkpoint.Cadence,
		runner.RetryPolicy{MaxAttempts: s.cfg.Checkpoint.RetryAttempts}, s.logger)
}

// assemble encodes the completed frame sequence into the final output,
// carrying the audio over from the source tape.
func (s *Service) assemble(ctx context.Context, job restore.Job, info media.VideoInfo) error {
	codec, err := pipeline.CodecArgs(job.Options)
	if err != nil {
		return err
	}

	fps := info.FPS
	if fps <= 0 {
		fps = 25
	}

	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-framerate", fmt.Sprintf("%g", fps),
		"-i", filepath.Join(job.WorkDir, "frame_%06d.png"),
		"-i", job.InputPath,
		"-map", "0:v:0", "-map", "1:a?", "-c:a", "copy",
	}
	args = append(args, codec...)
	args = append(args, "-y", job.OutputPath)

	if _, err := s.launcher.Run(ctx, s.cfg.Pipeline.EncoderCommand, args...); err != nil {
		return restore.WrapError(err, restore.ErrSubprocess, "assemble output from frame sequence")
	}
	return nil
}

// preflightPipeline sizes the encode conservatively at the input file size
// and validates free space at the output location.
func (s *Service) preflightPipeline(ctx context.Context, job restore.Job) error {
	st, err := os.Stat(job.InputPath)
	if err != nil {
		return restore.WrapError(err, restore.ErrConfig, "input file is not readable")
	}
	required := diskspace.EstimateEncode(uint64(st.Size()))
	return s.guard.Check(filepath.Dir(job.OutputPath), required)
}

// ListJobs merges the run history with checkpoint discovery. A job with a
// surviving checkpoint is marked resumable regardless of its recorded
// status; checkpoints without a history row still show up.
func (s *Service) ListJobs(ctx context.Context) ([]JobSummary, error) {
	records, err := s.history.ListRuns(ctx, "")
	if err != nil {
		return nil, err
	}
	cps, err := s.checkpoints.List()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*checkpoint.Checkpoint, len(cps))
	for _, cp := range cps {
		byID[cp.JobID] = cp
	}

	var out []JobSummary
	for _, rec := range records {
		summary := JobSummary{
			JobID:      rec.JobID,
			InputPath:  rec.InputPath,
			OutputPath: rec.OutputPath,
			Status:     rec.Status,
			UnitsDone:  rec.UnitsDone,
			UnitsTotal: rec.UnitsTotal,
			UpdatedAt:  rec.UpdatedAt,
		}
		if cp, ok := byID[rec.JobID]; ok {
			summary.Resumable = true
			summary.UnitsDone = len(cp.CompletedUnits)
			summary.UnitsTotal = cp.TotalUnits
			delete(byID, rec.JobID)
		}
		out = append(out, summary)
	}

	for _, cp := range byID {
		out = append(out, JobSummary{
			JobID:      cp.JobID,
			Status:     restore.StatusFailed,
			UnitsDone:  len(cp.CompletedUnits),
			UnitsTotal: cp.TotalUnits,
			Resumable:  true,
			UpdatedAt:  cp.SavedAt,
		})
	}
	return out, nil
}

// Discard deletes a job's checkpoint and marks its history row cancelled.
// Idempotent.
func (s *Service) Discard(ctx context.Context, jobID string) error {
	if err := s.checkpoints.Delete(jobID); err != nil {
		return err
	}
	rec, err := s.history.GetRun(ctx, jobID)
	if err != nil || rec == nil {
		return err
	}
	rec.Status = restore.StatusCancelled
	rec.Message = "discarded"
	return s.history.UpsertRun(ctx, *rec)
}

func (s *Service) record(ctx context.Context, job restore.Job, result restore.Result) {
	status := result.Status
	if status == "" {
		status = restore.StatusPending
	}
	rec := persistence.RunRecord{
		JobID:      job.ID,
		InputPath:  job.InputPath,
		OutputPath: job.OutputPath,
		Options:    job.Options.Canonical(),
		Status:     status,
		Message:    result.Message,
		UnitsDone:  result.UnitsDone,
		UnitsTotal: result.UnitsTotal,
	}
	if existing, err := s.history.GetRun(ctx, job.ID); err == nil && existing != nil {
		rec.CreatedAt = existing.CreatedAt
	}
	if err := s.history.UpsertRun(ctx, rec); err != nil {
		s.logger.Warn("Could not record run %s: %v", job.ID, err)
	}
}

func (s *Service) fail(err error, cb restore.Callbacks) restore.Result {
	result := restore.Result{
		Status:  restore.StatusFailed,
		Message: err.Error(),
		Stage:   "prepare",
		Err:     err,
	}
	cb.Complete(result)
	return result
}
