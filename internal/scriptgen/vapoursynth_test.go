package scriptgen

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/media"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/proc"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/log"
)

// runStub fakes the short-lived probe and info invocations.
type runStub struct {
	outputs map[string][]byte
	calls   []string
}

func (s *runStub) New(ctx context.Context, name string, args ...string) proc.Handle {
	panic("streaming handles are not used by the generator")
}

func (s *runStub) LookPath(name string) (string, error) {
	return "/usr/bin/" + name, nil
}

func (s *runStub) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	s.calls = append(s.calls, name)
	out, ok := s.outputs[name]
	if !ok {
		return nil, errors.New("command failed")
	}
	return out, nil
}

func newTestGenerator(stub *runStub) *VapourSynth {
	logger := log.NewLogger(log.LevelError)
	analyzer := media.NewAnalyzer(stub, "ffprobe")
	return NewVapourSynth(stub, "vspipe", analyzer, logger)
}

func TestGenerateWritesScriptAndCountsFrames(t *testing.T) {
	stub := &runStub{outputs: map[string][]byte{
		"vspipe": []byte("Frames: 143978\nWidth: 720\nHeight: 576\n"),
	}}
	gen := newTestGenerator(stub)

	job := restore.NewJob("/tapes/in.avi", "/tapes/out.mkv", restore.Options{
		"deinterlace":   "true",
		"qtgmc_preset":  "Medium",
		"denoise":       "true",
		"denoise_sigma": "2.5",
	}, t.TempDir())

	result, err := gen.Generate(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 143978, result.TotalUnits)
	assert.Equal(t, "in.vpy", filepath.Base(result.ScriptPath))

	script, err := os.ReadFile(result.ScriptPath)
	require.NoError(t, err)
	text := string(script)
	assert.Contains(t, text, "core.ffms2.Source(source='/tapes/in.avi')")
	assert.Contains(t, text, "haf.QTGMC(video, Preset='Medium', TFF=True)")
	assert.Contains(t, text, "core.bm3d.Basic(video, sigma=[2.5, 0, 0])")
	assert.Contains(t, text, "video.set_output()")
}

func TestGenerateOmitsDisabledFilters(t *testing.T) {
	stub := &runStub{outputs: map[string][]byte{
		"vspipe": []byte("Frames: 100\n"),
	}}
	gen := newTestGenerator(stub)

	job := restore.NewJob("in.avi", "out.mkv", restore.Options{}, t.TempDir())
	result, err := gen.Generate(context.Background(), job)
	require.NoError(t, err)

	script, err := os.ReadFile(result.ScriptPath)
	require.NoError(t, err)
	assert.NotContains(t, string(script), "QTGMC")
	assert.NotContains(t, string(script), "bm3d")
	assert.NotContains(t, string(script), "Crop")
}

func TestGenerateCropLine(t *testing.T) {
	stub := &runStub{outputs: map[string][]byte{
		"vspipe": []byte("Frames: 100\n"),
	}}
	gen := newTestGenerator(stub)

	job := restore.NewJob("in.avi", "out.mkv", restore.Options{
		"crop_top": "4", "crop_bottom": "4",
	}, t.TempDir())
	result, err := gen.Generate(context.Background(), job)
	require.NoError(t, err)

	script, err := os.ReadFile(result.ScriptPath)
	require.NoError(t, err)
	assert.Contains(t, string(script), "core.std.Crop(video, left=0, right=0, top=4, bottom=4)")
}

func TestGenerateRejectsUnknownPreset(t *testing.T) {
	gen := newTestGenerator(&runStub{})

	job := restore.NewJob("in.avi", "out.mkv", restore.Options{
		"deinterlace":  "true",
		"qtgmc_preset": "Ludicrous",
	}, t.TempDir())

	_, err := gen.Generate(context.Background(), job)
	require.Error(t, err)
	assert.True(t, restore.IsKind(err, restore.ErrConfig))
}

func TestGenerateRejectsInvalidSigma(t *testing.T) {
	gen := newTestGenerator(&runStub{})

	job := restore.NewJob("in.avi", "out.mkv", restore.Options{
		"denoise":       "true",
		"denoise_sigma": "loud",
	}, t.TempDir())

	_, err := gen.Generate(context.Background(), job)
	require.Error(t, err)
	assert.True(t, restore.IsKind(err, restore.ErrConfig))
}

func TestGenerateFallsBackToProbeFrameCount(t *testing.T) {
	probeJSON := `{
		"streams": [{"codec_type": "video", "codec_name": "rawvideo",
			"width": 720, "height": 576, "r_frame_rate": "25/1", "nb_frames": "5000"}],
		"format": {"duration": "200.0"}
	}`
	stub := &runStub{outputs: map[string][]byte{
		"vspipe":  []byte("no frame count here"),
		"ffprobe": []byte(probeJSON),
	}}
	gen := newTestGenerator(stub)

	job := restore.NewJob("in.avi", "out.mkv", restore.Options{}, t.TempDir())
	result, err := gen.Generate(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 5000, result.TotalUnits)
	assert.Contains(t, strings.Join(stub.calls, ","), "ffprobe")
}

func TestGenerateCleansUpOnInfoFailure(t *testing.T) {
	// vspipe --info fails: the half-made script must not be left behind.
	stub := &runStub{outputs: map[string][]byte{}}
	gen := newTestGenerator(stub)

	workDir := t.TempDir()
	job := restore.NewJob("in.avi", "out.mkv", restore.Options{}, workDir)

	_, err := gen.Generate(context.Background(), job)
	require.Error(t, err)
	assert.True(t, restore.IsKind(err, restore.ErrSubprocess))

	entries, readErr := os.ReadDir(workDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}
