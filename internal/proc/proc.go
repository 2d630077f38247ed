// Package proc abstracts the external processes the orchestrator drives
// (filter stage, encoder stage, probe tools) behind a narrow handle so the
// pipeline logic can be tested without spawning anything.
package proc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
)

// Handle is one external process. Stdout/Stderr must be requested before
// Start; Wait must be called exactly once after Start.
type Handle interface {
	Start() error
	StdoutPipe() (io.ReadCloser, error)
	StderrPipe() (io.ReadCloser, error)
	// SetStdin wires the process input. When r is the stdout pipe of
	// another Handle the data flows through an OS pipe without user-space
	// buffering.
	SetStdin(r io.Reader)
	// Terminate asks the process to exit gracefully.
	Terminate() error
	// Kill forcibly ends the process.
	Kill() error
	Wait() error
	ExitCode() int
}

// Launcher creates process handles and resolves executables. The exec-backed
// implementation is the only one used outside tests.
type Launcher interface {
	New(ctx context.Context, name string, args ...string) Handle
	LookPath(name string) (string, error)
	// Run executes a short-lived command to completion and returns its
	// stdout. Used for probe calls, never for the streaming stages.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Tool pairs an executable name with the human-readable component it
// belongs to, for prerequisite error messages.
type Tool struct {
	Command   string
	Component string
}

// CheckPrerequisites verifies every required external tool resolves on
// PATH. It fails fast with an error naming all missing tools rather than
// letting a later spawn fail cryptically.
func CheckPrerequisites(l Launcher, tools ...Tool) error {
	var missing []string
	for _, t := range tools {
		if _, err := l.LookPath(t.Command); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", t.Command, t.Component))
		}
	}
	if len(missing) > 0 {
		return restore.NewErrorf(restore.ErrPrerequisite,
			"missing external tools: %s; install them and add to PATH", strings.Join(missing, ", "))
	}
	return nil
}

// ExecLauncher spawns real OS processes via os/exec.
type ExecLauncher struct{}

func NewExecLauncher() ExecLauncher {
	return ExecLauncher{}
}

func (ExecLauncher) New(ctx context.Context, name string, args ...string) Handle {
	return &execHandle{cmd: exec.CommandContext(ctx, name, args...)}
}

func (ExecLauncher) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (ExecLauncher) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

type execHandle struct {
	cmd *exec.Cmd
	// Child-side pipe ends closed once the process has them.
	childEnds []io.Closer
}

func (h *execHandle) Start() error {
	err := h.cmd.Start()
	for _, c := range h.childEnds {
		c.Close()
	}
	h.childEnds = nil
	return err
}

func (h *execHandle) StdoutPipe() (io.ReadCloser, error) {
	return h.cmd.StdoutPipe()
}

// StderrPipe hands out a pipe that Wait does not manage. exec.Cmd closes
// the pipes it created itself as soon as the process exits, which races a
// concurrent reader out of the kernel-buffered tail; with our own os.Pipe
// the reader sees everything through to EOF.
func (h *execHandle) StderrPipe() (io.ReadCloser, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	h.cmd.Stderr = pw
	h.childEnds = append(h.childEnds, pw)
	return pr, nil
}

func (h *execHandle) SetStdin(r io.Reader) {
	h.cmd.Stdin = r
}

func (h *execHandle) Terminate() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) Wait() error {
	return h.cmd.Wait()
}

func (h *execHandle) ExitCode() int {
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}
