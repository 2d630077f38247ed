package service

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/proc"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
)

type commandStub struct {
	invocations [][]string
	err         error
	onRun       func(args []string)
}

func (s *commandStub) New(ctx context.Context, name string, args ...string) proc.Handle {
	panic("not used")
}

func (s *commandStub) LookPath(name string) (string, error) { return name, nil }

func (s *commandStub) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	full := append([]string{name}, args...)
	s.invocations = append(s.invocations, full)
	if s.onRun != nil {
		s.onRun(full)
	}
	return nil, s.err
}

func TestCommandTransformSubstitutesPlaceholders(t *testing.T) {
	workDir := t.TempDir()
	job := restore.NewJob("/tapes/in.avi", "/tapes/out.mkv", restore.Options{
		"unit_command": "restore-frame --source {input} --frame {unit} --dest {output}",
	}, workDir)

	stub := &commandStub{onRun: func(args []string) {
		// The tool writes its artifact; emulate that.
		require.NoError(t, os.WriteFile(args[len(args)-1], []byte("frame"), 0o644))
	}}

	transform, err := NewCommandTransform(stub, job)
	require.NoError(t, err)

	path, err := transform(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, FrameArtifact(workDir, 42), path)

	require.Len(t, stub.invocations, 1)
	assert.Equal(t, []string{
		"restore-frame", "--source", "/tapes/in.avi",
		"--frame", "42", "--dest", FrameArtifact(workDir, 42),
	}, stub.invocations[0])
}

func TestCommandTransformRequiresUnitCommand(t *testing.T) {
	job := restore.NewJob("in.avi", "out.mkv", restore.Options{}, t.TempDir())
	_, err := NewCommandTransform(&commandStub{}, job)
	require.Error(t, err)
	assert.True(t, restore.IsKind(err, restore.ErrConfig))
}

func TestCommandTransformToolFailure(t *testing.T) {
	job := restore.NewJob("in.avi", "out.mkv", restore.Options{
		"unit_command": "restore-frame {unit} {output}",
	}, t.TempDir())

	stub := &commandStub{err: errors.New("segfault")}
	transform, err := NewCommandTransform(stub, job)
	require.NoError(t, err)

	_, err = transform(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, restore.IsKind(err, restore.ErrSubprocess))
}

func TestCommandTransformMissingArtifact(t *testing.T) {
	// The tool exits zero but never writes the frame.
	job := restore.NewJob("in.avi", "out.mkv", restore.Options{
		"unit_command": "restore-frame {unit} {output}",
	}, t.TempDir())

	transform, err := NewCommandTransform(&commandStub{}, job)
	require.NoError(t, err)

	_, err = transform(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "left no artifact")
}

func TestFrameArtifactNaming(t *testing.T) {
	assert.Equal(t, "/work/frame_000007.png", FrameArtifact("/work", 7))
	assert.Equal(t, "/work/frame_123456.png", FrameArtifact("/work", 123456))
}
