// Package media wraps the external probe tool for input analysis.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/proc"
)

// VideoInfo is the probe summary the orchestrator needs: enough to size
// disk estimates and to fall back on when the script generator cannot
// report a frame count.
type VideoInfo struct {
	Width      int
	Height     int
	FPS        float64
	FrameCount int
	Duration   float64
	Codec      string
	PixFmt     string
}

// Analyzer runs the probe tool against input files. Results are cached per
// path; probing the same input repeatedly is wasteful on large tapes.
type Analyzer struct {
	launcher proc.Launcher
	probeCmd string
	cache    map[string]VideoInfo
}

func NewAnalyzer(launcher proc.Launcher, probeCmd string) *Analyzer {
	return &Analyzer{
		launcher: launcher,
		probeCmd: probeCmd,
		cache:    make(map[string]VideoInfo),
	}
}

// Probe returns video metadata for path.
func (a *Analyzer) Probe(ctx context.Context, path string) (VideoInfo, error) {
	if info, ok := a.cache[path]; ok {
		return info, nil
	}

	out, err := a.launcher.Run(ctx, a.probeCmd,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)
	if err != nil {
		return VideoInfo{}, fmt.Errorf("probe %s: %w", path, err)
	}

	var probeResult struct {
		Streams []struct {
			CodecType  string `json:"codec_type"`
			CodecName  string `json:"codec_name"`
			Width      int    `json:"width"`
			Height     int    `json:"height"`
			PixFmt     string `json:"pix_fmt"`
			RFrameRate string `json:"r_frame_rate"`
			NbFrames   string `json:"nb_frames"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}

	if err := json.Unmarshal(out, &probeResult); err != nil {
		return VideoInfo{}, fmt.Errorf("parse probe output for %s: %w", path, err)
	}

	var info VideoInfo
	if d, err := strconv.ParseFloat(probeResult.Format.Duration, 64); err == nil {
		info.Duration = d
	}

	for _, stream := range probeResult.Streams {
		if stream.CodecType != "video" {
			continue
		}
		info.Width = stream.Width
		info.Height = stream.Height
		info.Codec = stream.CodecName
		info.PixFmt = stream.PixFmt
		info.FPS = parseFrameRate(stream.RFrameRate)
		if n, err := strconv.Atoi(stream.NbFrames); err == nil {
			info.FrameCount = n
		}
		break
	}

	if info.Width == 0 || info.Height == 0 {
		return VideoInfo{}, fmt.Errorf("no video stream found in %s", path)
	}

	// Many containers omit nb_frames; estimate from duration.
	if info.FrameCount == 0 && info.Duration > 0 && info.FPS > 0 {
		info.FrameCount = int(info.Duration * info.FPS)
	}

	a.cache[path] = info
	return info, nil
}

// parseFrameRate converts the probe's "num/den" rational to a float.
func parseFrameRate(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if !strings.Contains(raw, "/") {
		f, _ := strconv.ParseFloat(raw, 64)
		return f
	}
	parts := strings.SplitN(raw, "/", 2)
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
