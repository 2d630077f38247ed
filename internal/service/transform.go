package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/proc"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/runner"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/file"
)

// FrameArtifact names the artifact a completed unit leaves in the working
// directory.
func FrameArtifact(workDir string, unit int) string {
	return filepath.Join(workDir, fmt.Sprintf("frame_%06d.png", unit))
}

// NewCommandTransform builds the per-unit transform from the job's
// unit_command option, a command template with {input}, {output}, {unit}
// and {workdir} placeholders. The external tool restores one frame per
// invocation; this is how AI frame processors plug into the unit loop.
func NewCommandTransform(launcher proc.Launcher, job restore.Job) (runner.TransformFunc, error) {
	template := job.Options.Get("unit_command", "")
	if strings.TrimSpace(template) == "" {
		return nil, restore.NewError(restore.ErrConfig,
			"resumable mode requires the unit_command option")
	}
	fields := strings.Fields(template)

	return func(ctx context.Context, unit int) (string, error) {
		artifact := FrameArtifact(job.WorkDir, unit)

		args := make([]string, 0, len(fields))
		for _, f := range fields {
			f = strings.ReplaceAll(f, "{input}", job.InputPath)
			f = strings.ReplaceAll(f, "{output}", artifact)
			f = strings.ReplaceAll(f, "{workdir}", job.WorkDir)
			f = strings.ReplaceAll(f, "{unit}", strconv.Itoa(unit))
			args = append(args, f)
		}

		if _, err := launcher.Run(ctx, args[0], args[1:]...); err != nil {
			return "", restore.WrapError(err, restore.ErrSubprocess,
				fmt.Sprintf("unit %d transform", unit))
		}
		if !file.NonEmptyFile(artifact, 1) {
			return "", restore.NewErrorf(restore.ErrSubprocess,
				"unit %d transform exited cleanly but left no artifact at %s", unit, artifact)
		}
		return artifact, nil
	}, nil
}
