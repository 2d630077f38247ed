package pipeline

import (
	"regexp"
	"strings"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
)

// codecArgs maps codec names to encoder argument templates. {crf} and
// {preset} are substituted from job options; codecs without a placeholder
// ignore those options.
var codecArgs = map[string][]string{
	"libx264":       {"-c:v", "libx264", "-crf", "{crf}", "-preset", "{preset}"},
	"libx265":       {"-c:v", "libx265", "-crf", "{crf}", "-preset", "{preset}"},
	"h264_nvenc":    {"-c:v", "h264_nvenc", "-cq", "{crf}", "-preset", "{preset}"},
	"hevc_nvenc":    {"-c:v", "hevc_nvenc", "-cq", "{crf}", "-preset", "{preset}"},
	"libsvtav1":     {"-c:v", "libsvtav1", "-crf", "{crf}", "-preset", "{preset}"},
	"prores_4444":   {"-c:v", "prores_ks", "-profile:v", "4", "-pix_fmt", "yuv444p10le"},
	"prores_hq":     {"-c:v", "prores_ks", "-profile:v", "3"},
	"prores_422":    {"-c:v", "prores_ks", "-profile:v", "2"},
	"prores_lt":     {"-c:v", "prores_ks", "-profile:v", "1"},
	"prores_proxy":  {"-c:v", "prores_ks", "-profile:v", "0"},
	"ffv1_lossless": {"-c:v", "ffv1", "-level", "3", "-g", "1"},
}

var bitrateRe = regexp.MustCompile(`^\d+k$`)

// CodecArgs resolves the video codec arguments for a job's options,
// substituting crf and preset into the template.
func CodecArgs(opts restore.Options) ([]string, error) {
	codec := opts.Get("codec", "libx264")
	tmpl, ok := codecArgs[codec]
	if !ok {
		return nil, restore.NewErrorf(restore.ErrConfig, "unknown codec %q", codec)
	}

	crf := opts.Get("crf", "18")
	preset := opts.Get("ffmpeg_preset", "slow")

	out := make([]string, 0, len(tmpl))
	for _, a := range tmpl {
		a = strings.ReplaceAll(a, "{crf}", crf)
		a = strings.ReplaceAll(a, "{preset}", preset)
		out = append(out, a)
	}
	return out, nil
}

// encoderArgs builds the encoder command line for a piped run: raw frames
// arrive on stdin, audio is mapped in from the original input file, and the
// video codec comes from the job options.
func encoderArgs(job restore.Job) ([]string, error) {
	opts := job.Options

	codec, err := CodecArgs(opts)
	if err != nil {
		return nil, err
	}

	args := []string{
		"-hide_banner", "-loglevel", "warning", "-stats",
		"-f", "yuv4mpegpipe", "-i", "pipe:",
	}

	switch opts.Get("audio", "copy") {
	case "copy":
		args = append(args, "-i", job.InputPath, "-map", "0:v:0", "-map", "1:a?", "-c:a", "copy")
	case "reencode":
		args = append(args, "-i", job.InputPath, "-map", "0:v:0", "-map", "1:a?")
		args = append(args, audioCodecArgs(opts)...)
	default:
		args = append(args, "-an")
	}

	args = append(args, codec...)
	args = append(args, "-y", job.OutputPath)
	return args, nil
}

func audioCodecArgs(opts restore.Options) []string {
	bitrate := opts.Get("audio_bitrate", "192k")
	if !bitrateRe.MatchString(bitrate) {
		bitrate = "192k"
	}
	switch strings.ToLower(opts.Get("audio_codec", "aac")) {
	case "aac":
		return []string{"-c:a", "aac", "-b:a", bitrate}
	case "ac3":
		return []string{"-c:a", "ac3", "-b:a", bitrate}
	default:
		return []string{"-c:a", "pcm_s16le"}
	}
}
