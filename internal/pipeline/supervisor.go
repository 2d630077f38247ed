// Package pipeline supervises the two-stage restoration pipeline: a filter
// process streaming raw frames over an OS pipe into an encoder process.
package pipeline

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/config"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/proc"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/progress"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/scriptgen"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/file"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/log"
)

// An output smaller than this is a container header with no frames in it.
const minValidOutput = 1024

// Supervisor runs one filter-into-encoder pipeline per Run call. A
// Supervisor is reusable but not concurrent; Cancel may be called from any
// goroutine.
type Supervisor struct {
	launcher  proc.Launcher
	generator scriptgen.Generator
	cfg       config.PipelineConfig
	logger    *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewSupervisor(launcher proc.Launcher, generator scriptgen.Generator, cfg config.PipelineConfig, logger *log.Logger) *Supervisor {
	return &Supervisor{
		launcher:  launcher,
		generator: generator,
		cfg:       cfg,
		logger:    logger,
	}
}

// Cancel requests a graceful stop of the in-flight run. Safe to call when
// nothing is running.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Run executes the full pipeline for job and blocks until it reaches a
// terminal state. The generated filter script is removed on every exit
// path, success, failure, and cancellation alike.
func (s *Supervisor) Run(ctx context.Context, job restore.Job, cb restore.Callbacks) restore.Result {
	result := s.run(ctx, job, cb)
	cb.Complete(result)
	return result
}

func (s *Supervisor) run(ctx context.Context, job restore.Job, cb restore.Callbacks) restore.Result {
	if err := proc.CheckPrerequisites(s.launcher,
		proc.Tool{Command: s.cfg.FilterCommand, Component: "filter stage"},
		proc.Tool{Command: s.cfg.EncoderCommand, Component: "encoder stage"},
	); err != nil {
		return failure("prepare", err, nil)
	}

	encArgs, err := encoderArgs(job)
	if err != nil {
		return failure("prepare", err, nil)
	}

	gen, err := s.generator.Generate(ctx, job)
	if err != nil {
		return failure("prepare", err, nil)
	}
	defer os.Remove(gen.ScriptPath)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	// Shutdown ordering is managed by hand, so the processes must outlive a
	// context cancellation.
	procCtx := context.WithoutCancel(runCtx)
	filter := s.launcher.New(procCtx, s.cfg.FilterCommand, "-c", "y4m", gen.ScriptPath, "-")
	encoder := s.launcher.New(procCtx, s.cfg.EncoderCommand, encArgs...)

	filterOut, err := filter.StdoutPipe()
	if err != nil {
		return failure("filter", restore.WrapError(err, restore.ErrSubprocess, "open filter output"), nil)
	}
	filterDiag, err := filter.StderrPipe()
	if err != nil {
		return failure("filter", restore.WrapError(err, restore.ErrSubprocess, "open filter diagnostics"), nil)
	}
	encoderDiag, err := encoder.StderrPipe()
	if err != nil {
		return failure("encoder", restore.WrapError(err, restore.ErrSubprocess, "open encoder diagnostics"), nil)
	}

	// filterOut is an OS pipe; handing it to the encoder wires the stages
	// kernel-side with no user-space copying.
	encoder.SetStdin(filterOut)

	s.logger.Info("Starting pipeline for job %s (%d frames)", job.ID, gen.TotalUnits)
	if err := filter.Start(); err != nil {
		return failure("filter", restore.WrapError(err, restore.ErrSubprocess, "start filter process"), nil)
	}
	if err := encoder.Start(); err != nil {
		filter.Kill()
		filter.Wait()
		return failure("encoder", restore.WrapError(err, restore.ErrSubprocess, "start encoder process"), nil)
	}

	tracker := progress.NewTracker(gen.TotalUnits)
	tail := newTailBuffer(s.cfg.DiagnosticTail)

	var readers errgroup.Group
	readers.Go(func() error {
		s.sampleDiagnostics(encoderDiag, tracker, tail, cb)
		return nil
	})
	readers.Go(func() error {
		s.forwardDiagnostics(filterDiag, tail, cb)
		return nil
	})

	encoderDone := make(chan error, 1)
	go func() { encoderDone <- encoder.Wait() }()

	cancelled := false
	var encoderErr error
	select {
	case encoderErr = <-encoderDone:
	case <-runCtx.Done():
		cancelled = true
		cb.Log("Cancellation requested, stopping encoder")
		encoderErr = s.stopStage(encoder, encoderDone)
	}

	// The encoder is down first in all paths; losing the filter before the
	// encoder finishes flushing would corrupt the output.
	filterDone := make(chan error, 1)
	go func() { filterDone <- filter.Wait() }()
	filter.Terminate()
	filterErr := s.awaitStage(filter, filterDone)

	readers.Wait()

	units := tracker.Units()

	if cancelled {
		return restore.Result{
			Status:     restore.StatusCancelled,
			Message:    "restoration cancelled",
			Err:        restore.NewError(restore.ErrCancelled, "restoration cancelled by user"),
			UnitsDone:  units,
			UnitsTotal: gen.TotalUnits,
		}
	}

	if encoderErr != nil || encoder.ExitCode() != 0 {
		err := restore.NewErrorf(restore.ErrSubprocess, "encoder exited with code %d", encoder.ExitCode()).
			WithContext("units_done", units)
		r := failure("encoder", err, tail.Lines())
		r.UnitsDone = units
		r.UnitsTotal = gen.TotalUnits
		return r
	}

	if filterErr != nil || filter.ExitCode() != 0 {
		err := restore.NewErrorf(restore.ErrSubprocess, "filter exited with code %d", filter.ExitCode())
		r := failure("filter", err, tail.Lines())
		r.UnitsDone = units
		r.UnitsTotal = gen.TotalUnits
		return r
	}

	if !file.NonEmptyFile(job.OutputPath, minValidOutput) {
		err := restore.NewErrorf(restore.ErrSubprocess, "encoder exited cleanly but produced no usable output at %s", job.OutputPath)
		return failure("encoder", err, tail.Lines())
	}

	s.logger.Info("Pipeline for job %s finished: %d frames", job.ID, units)
	return restore.Result{
		Status:     restore.StatusSuccess,
		Message:    "restoration complete",
		UnitsDone:  units,
		UnitsTotal: gen.TotalUnits,
	}
}

// stopStage terminates a process gracefully and kills it when it outstays
// the grace period.
func (s *Supervisor) stopStage(h proc.Handle, done <-chan error) error {
	h.Terminate()
	return s.awaitStage(h, done)
}

func (s *Supervisor) awaitStage(h proc.Handle, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(s.cfg.TerminateGrace):
		s.logger.Warn("Process did not exit within %s, killing it", s.cfg.TerminateGrace)
		h.Kill()
		return <-done
	}
}

// sampleDiagnostics reads the encoder's diagnostic stream, turning progress
// reports into tracker samples and forwarding everything else verbatim.
func (s *Supervisor) sampleDiagnostics(r io.Reader, tracker *progress.Tracker, tail *tailBuffer, cb restore.Callbacks) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(progress.ScanLines)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		tail.Add(line)
		if sample, ok := progress.Parse(line); ok {
			if p, advanced := tracker.Observe(sample); advanced {
				cb.Report(p)
			}
			continue
		}
		cb.Log(line)
	}
}

func (s *Supervisor) forwardDiagnostics(r io.Reader, tail *tailBuffer, cb restore.Callbacks) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(progress.ScanLines)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		tail.Add(line)
		cb.Log(line)
	}
}

func failure(stage string, err error, tail []string) restore.Result {
	return restore.Result{
		Status:         restore.StatusFailed,
		Message:        err.Error(),
		Stage:          stage,
		DiagnosticTail: tail,
		Err:            err,
	}
}

// tailBuffer keeps the last N diagnostic lines for failure reports. Written
// from both reader goroutines.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 20
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
