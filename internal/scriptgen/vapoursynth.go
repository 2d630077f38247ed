package scriptgen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/media"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/proc"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/file"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/log"
)

var qtgmcPresets = map[string]bool{
	"Draft": true, "Fast": true, "Medium": true, "Slow": true, "Very Slow": true,
}

var framesRe = regexp.MustCompile(`Frames:\s*(\d+)`)

// VapourSynth renders a .vpy filter script from job options and determines
// the output frame count, preferring the filter tool's own report over the
// probe estimate since filters like deinterlacing change the count.
type VapourSynth struct {
	launcher  proc.Launcher
	filterCmd string
	analyzer  *media.Analyzer
	logger    *log.Logger
}

func NewVapourSynth(launcher proc.Launcher, filterCmd string, analyzer *media.Analyzer, logger *log.Logger) *VapourSynth {
	return &VapourSynth{
		launcher:  launcher,
		filterCmd: filterCmd,
		analyzer:  analyzer,
		logger:    logger,
	}
}

func (v *VapourSynth) Generate(ctx context.Context, job restore.Job) (Result, error) {
	script, err := v.render(job)
	if err != nil {
		return Result{}, err
	}

	if err := file.EnsureDir(job.WorkDir); err != nil {
		return Result{}, restore.WrapError(err, restore.ErrIO, "create work directory")
	}

	scriptPath := filepath.Join(job.WorkDir, file.ReplaceExt(filepath.Base(job.InputPath), ".vpy"))
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return Result{}, restore.WrapError(err, restore.ErrIO, "write filter script")
	}

	total, err := v.frameCount(ctx, scriptPath, job.InputPath)
	if err != nil {
		os.Remove(scriptPath)
		return Result{}, err
	}

	return Result{ScriptPath: scriptPath, TotalUnits: total}, nil
}

// frameCount asks the filter tool for the clip length and falls back to the
// probe estimate when the tool does not report one.
func (v *VapourSynth) frameCount(ctx context.Context, scriptPath, inputPath string) (int, error) {
	out, err := v.launcher.Run(ctx, v.filterCmd, "--info", scriptPath, "-")
	if err != nil {
		return 0, restore.WrapError(err, restore.ErrSubprocess, "validate filter script").
			WithContext("script", scriptPath)
	}

	if m := framesRe.FindSubmatch(out); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > 0 {
			return n, nil
		}
	}

	v.logger.Warn("Filter tool did not report a frame count for %s, falling back to probe", scriptPath)
	info, err := v.analyzer.Probe(ctx, inputPath)
	if err != nil {
		return 0, nil
	}
	return info.FrameCount, nil
}

func (v *VapourSynth) render(job restore.Job) (string, error) {
	opts := job.Options

	preset := opts.Get("qtgmc_preset", "Slow")
	if opts.Bool("deinterlace") && !qtgmcPresets[preset] {
		return "", restore.NewErrorf(restore.ErrConfig, "unknown deinterlace preset %q", preset)
	}

	denoiseSigma := 0.0
	if opts.Bool("denoise") {
		raw := opts.Get("denoise_sigma", "3.0")
		s, err := strconv.ParseFloat(raw, 64)
		if err != nil || s <= 0 {
			return "", restore.NewErrorf(restore.ErrConfig, "invalid denoise sigma %q", raw)
		}
		denoiseSigma = s
	}

	var lines []string
	add := func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}

	add("import vapoursynth as vs")
	add("core = vs.core")
	add("")
	add("video = core.ffms2.Source(source=%s)", pyString(job.InputPath))

	if crop := cropLine(opts); crop != "" {
		add("%s", crop)
	}

	if opts.Bool("deinterlace") {
		add("")
		add("import havsfunc as haf")
		add("video = haf.QTGMC(video, Preset=%s, TFF=%s)",
			pyString(preset), pyBool(opts.Get("field_order", "tff") == "tff"))
	}

	if denoiseSigma > 0 {
		add("")
		add("video = core.bm3d.Basic(video, sigma=[%g, 0, 0])", denoiseSigma)
	}

	if opts.Bool("sharpen") {
		add("")
		add("video = core.cas.CAS(video, sharpness=0.5)")
	}

	add("")
	add("video = core.resize.Bicubic(video, format=vs.YUV420P8, matrix_s='709')")
	add("video.set_output()")
	add("")

	return strings.Join(lines, "\n"), nil
}

func cropLine(opts restore.Options) string {
	var vals [4]int
	keys := [4]string{"crop_left", "crop_right", "crop_top", "crop_bottom"}
	any := false
	for i, k := range keys {
		n, err := strconv.Atoi(opts.Get(k, "0"))
		if err != nil || n < 0 {
			n = 0
		}
		vals[i] = n
		any = any || n > 0
	}
	if !any {
		return ""
	}
	return fmt.Sprintf("video = core.std.Crop(video, left=%d, right=%d, top=%d, bottom=%d)",
		vals[0], vals[1], vals[2], vals[3])
}

func pyString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "'", `\'`)
	return "'" + s + "'"
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
