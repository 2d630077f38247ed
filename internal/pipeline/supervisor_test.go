package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/config"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/proc"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/scriptgen"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/log"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(ev string) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventLog) index(ev string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, got := range e.events {
		if got == ev {
			return i
		}
	}
	return -1
}

type fakeHandle struct {
	name   string
	events *eventLog

	stderr         string
	exit           int
	waitErr        error
	blockUntilStop bool

	stopOnce sync.Once
	stopCh   chan struct{}
	stdin    io.Reader
}

func newFakeHandle(name string, events *eventLog) *fakeHandle {
	return &fakeHandle{name: name, events: events, stopCh: make(chan struct{})}
}

func (h *fakeHandle) Start() error {
	h.events.add(h.name + ".start")
	return nil
}

func (h *fakeHandle) StdoutPipe() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (h *fakeHandle) StderrPipe() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(h.stderr)), nil
}

func (h *fakeHandle) SetStdin(r io.Reader) { h.stdin = r }

func (h *fakeHandle) Terminate() error {
	h.events.add(h.name + ".terminate")
	h.stopOnce.Do(func() { close(h.stopCh) })
	return nil
}

func (h *fakeHandle) Kill() error {
	h.events.add(h.name + ".kill")
	h.stopOnce.Do(func() { close(h.stopCh) })
	return nil
}

func (h *fakeHandle) Wait() error {
	if h.blockUntilStop {
		<-h.stopCh
	}
	return h.waitErr
}

func (h *fakeHandle) ExitCode() int { return h.exit }

type fakeLauncher struct {
	handles map[string]*fakeHandle
	missing map[string]bool
}

func (l *fakeLauncher) New(ctx context.Context, name string, args ...string) proc.Handle {
	return l.handles[name]
}

func (l *fakeLauncher) LookPath(name string) (string, error) {
	if l.missing[name] {
		return "", errors.New("executable not found")
	}
	return "/usr/bin/" + name, nil
}

func (l *fakeLauncher) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return nil, errors.New("unexpected Run call")
}

// stubGenerator writes a real script file so cleanup can be observed.
type stubGenerator struct {
	dir        string
	totalUnits int
	written    string
}

func (g *stubGenerator) Generate(ctx context.Context, job restore.Job) (scriptgen.Result, error) {
	path := filepath.Join(g.dir, job.ID+".vpy")
	if err := os.WriteFile(path, []byte("video.set_output()\n"), 0o644); err != nil {
		return scriptgen.Result{}, err
	}
	g.written = path
	return scriptgen.Result{ScriptPath: path, TotalUnits: g.totalUnits}, nil
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		FilterCommand:  "vspipe",
		EncoderCommand: "ffmpeg",
		ProbeCommand:   "ffprobe",
		TerminateGrace: 200 * time.Millisecond,
		DiagnosticTail: 5,
	}
}

func testJob(t *testing.T) restore.Job {
	t.Helper()
	out := filepath.Join(t.TempDir(), "out.mkv")
	return restore.NewJob("tape.avi", out, restore.Options{"codec": "libx264"}, t.TempDir())
}

func writeOutput(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))
}

func TestSupervisorSuccess(t *testing.T) {
	events := &eventLog{}
	filter := newFakeHandle("filter", events)
	encoder := newFakeHandle("encoder", events)
	encoder.stderr = "frame=  100 fps= 50.0 q=28.0\rframe=  200 fps= 50.0 q=28.0\r\n[warn] benign warning\n"

	launcher := &fakeLauncher{handles: map[string]*fakeHandle{"vspipe": filter, "ffmpeg": encoder}}
	gen := &stubGenerator{dir: t.TempDir(), totalUnits: 400}
	sup := NewSupervisor(launcher, gen, testPipelineConfig(), log.NewLogger(log.LevelError))

	job := testJob(t)
	writeOutput(t, job.OutputPath)

	var progressReports []restore.Progress
	var logLines []string
	result := sup.Run(context.Background(), job, restore.Callbacks{
		OnProgress: func(p restore.Progress) { progressReports = append(progressReports, p) },
		OnLog:      func(line string) { logLines = append(logLines, line) },
	})

	require.True(t, result.Succeeded(), result.Message)
	assert.Equal(t, 200, result.UnitsDone)
	assert.Equal(t, 400, result.UnitsTotal)

	require.Len(t, progressReports, 2)
	assert.InDelta(t, 25.0, progressReports[0].Percent, 0.001)
	assert.InDelta(t, 50.0, progressReports[1].Percent, 0.001)

	assert.Contains(t, logLines, "[warn] benign warning")
	assert.NoFileExists(t, gen.written, "script artifact must be removed on success")
}

func TestSupervisorEncoderFailureCarriesDiagnosticTail(t *testing.T) {
	events := &eventLog{}
	filter := newFakeHandle("filter", events)
	encoder := newFakeHandle("encoder", events)
	encoder.stderr = "line one\nline two\npipe:: Invalid data found when processing input\n"
	encoder.exit = 1
	encoder.waitErr = errors.New("exit status 1")

	launcher := &fakeLauncher{handles: map[string]*fakeHandle{"vspipe": filter, "ffmpeg": encoder}}
	gen := &stubGenerator{dir: t.TempDir(), totalUnits: 100}
	sup := NewSupervisor(launcher, gen, testPipelineConfig(), log.NewLogger(log.LevelError))

	result := sup.Run(context.Background(), testJob(t), restore.Callbacks{})

	require.Equal(t, restore.StatusFailed, result.Status)
	assert.Equal(t, "encoder", result.Stage)
	assert.True(t, restore.IsKind(result.Err, restore.ErrSubprocess))
	assert.Contains(t, result.DiagnosticTail, "pipe:: Invalid data found when processing input")
	assert.NoFileExists(t, gen.written, "script artifact must be removed on failure")
}

func TestSupervisorCancelStopsEncoderFirst(t *testing.T) {
	events := &eventLog{}
	filter := newFakeHandle("filter", events)
	filter.blockUntilStop = true
	encoder := newFakeHandle("encoder", events)
	encoder.blockUntilStop = true
	encoder.exit = -1
	encoder.waitErr = errors.New("signal: terminated")

	launcher := &fakeLauncher{handles: map[string]*fakeHandle{"vspipe": filter, "ffmpeg": encoder}}
	gen := &stubGenerator{dir: t.TempDir(), totalUnits: 100}
	sup := NewSupervisor(launcher, gen, testPipelineConfig(), log.NewLogger(log.LevelError))

	go func() {
		time.Sleep(50 * time.Millisecond)
		sup.Cancel()
	}()

	result := sup.Run(context.Background(), testJob(t), restore.Callbacks{})

	require.Equal(t, restore.StatusCancelled, result.Status)
	assert.True(t, restore.IsKind(result.Err, restore.ErrCancelled))

	encStop := events.index("encoder.terminate")
	filtStop := events.index("filter.terminate")
	require.GreaterOrEqual(t, encStop, 0)
	require.GreaterOrEqual(t, filtStop, 0)
	assert.Less(t, encStop, filtStop, "encoder must be stopped before the filter")
	assert.NoFileExists(t, gen.written, "script artifact must be removed on cancellation")
}

func TestSupervisorRejectsEmptyOutput(t *testing.T) {
	events := &eventLog{}
	filter := newFakeHandle("filter", events)
	encoder := newFakeHandle("encoder", events)

	launcher := &fakeLauncher{handles: map[string]*fakeHandle{"vspipe": filter, "ffmpeg": encoder}}
	gen := &stubGenerator{dir: t.TempDir(), totalUnits: 100}
	sup := NewSupervisor(launcher, gen, testPipelineConfig(), log.NewLogger(log.LevelError))

	// Both processes exit cleanly but no output file is ever written.
	result := sup.Run(context.Background(), testJob(t), restore.Callbacks{})

	require.Equal(t, restore.StatusFailed, result.Status)
	assert.Contains(t, result.Message, "no usable output")
}

func TestSupervisorMissingPrerequisite(t *testing.T) {
	launcher := &fakeLauncher{
		handles: map[string]*fakeHandle{},
		missing: map[string]bool{"vspipe": true},
	}
	gen := &stubGenerator{dir: t.TempDir(), totalUnits: 100}
	sup := NewSupervisor(launcher, gen, testPipelineConfig(), log.NewLogger(log.LevelError))

	result := sup.Run(context.Background(), testJob(t), restore.Callbacks{})

	require.Equal(t, restore.StatusFailed, result.Status)
	assert.True(t, restore.IsKind(result.Err, restore.ErrPrerequisite))
	assert.Contains(t, result.Message, "vspipe")
	assert.Empty(t, gen.written, "no script is generated when prerequisites are missing")
}

func TestEncoderArgs(t *testing.T) {
	job := restore.NewJob("in.avi", "out.mkv", restore.Options{
		"codec":         "libx265",
		"crf":           "16",
		"ffmpeg_preset": "medium",
	}, "")

	args, err := encoderArgs(job)
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-f yuv4mpegpipe -i pipe:")
	assert.Contains(t, joined, "-c:v libx265 -crf 16 -preset medium")
	assert.Contains(t, joined, "-c:a copy")
	assert.Equal(t, "out.mkv", args[len(args)-1])
}

func TestEncoderArgsUnknownCodec(t *testing.T) {
	job := restore.NewJob("in.avi", "out.mkv", restore.Options{"codec": "wavelet9000"}, "")
	_, err := encoderArgs(job)
	require.Error(t, err)
	assert.True(t, restore.IsKind(err, restore.ErrConfig))
}

func TestEncoderArgsNoAudio(t *testing.T) {
	job := restore.NewJob("in.avi", "out.mkv", restore.Options{"audio": "none"}, "")
	args, err := encoderArgs(job)
	require.NoError(t, err)
	assert.Contains(t, args, "-an")
	assert.NotContains(t, strings.Join(args, " "), "-c:a")
}
