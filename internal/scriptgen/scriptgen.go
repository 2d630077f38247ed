// Package scriptgen renders the filter-stage script for a job and works out
// how many frames the filtered clip will produce.
package scriptgen

import (
	"context"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
)

// Result describes a generated script. ScriptPath is a temporary artifact
// owned by the caller; the pipeline removes it on every exit path.
// TotalUnits is zero when the frame count could not be determined.
type Result struct {
	ScriptPath string
	TotalUnits int
}

// Generator produces the filter-stage script for a job.
type Generator interface {
	Generate(ctx context.Context, job restore.Job) (Result, error)
}
