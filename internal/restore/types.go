package restore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Options is the immutable set of restoration settings for a job: filter
// toggles, codec, quality, AI-mode flags. It is never mutated after the job
// is constructed; any change produces a different job identity.
type Options map[string]string

// Canonical renders the options as a stable "k=v" list sorted by key, so
// equal option sets always hash identically.
func (o Options) Canonical() string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+o[k])
	}
	return strings.Join(parts, "|")
}

// ParseOptions is the inverse of Canonical, used to rebuild a job's options
// from a persisted history row.
func ParseOptions(canonical string) Options {
	opts := make(Options)
	if canonical == "" {
		return opts
	}
	for _, part := range strings.Split(canonical, "|") {
		k, v, ok := strings.Cut(part, "=")
		if ok && k != "" {
			opts[k] = v
		}
	}
	return opts
}

// Get returns the option value or a default when unset.
func (o Options) Get(key, def string) string {
	if v, ok := o[key]; ok && v != "" {
		return v
	}
	return def
}

// Bool reports whether the option is set to a truthy value.
func (o Options) Bool(key string) bool {
	switch strings.ToLower(o[key]) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Job is a single restoration or transform request. The ID is derived from
// input, output, and options, so relaunching the same logical job resumes
// instead of restarting. WorkDir is the only mutable field: it may differ
// between the initial run and a resume.
type Job struct {
	ID         string
	InputPath  string
	OutputPath string
	Options    Options
	WorkDir    string
}

// NewJob builds a Job with its deterministic identity.
func NewJob(inputPath, outputPath string, opts Options, workDir string) Job {
	return Job{
		ID:         JobID(inputPath, outputPath, opts),
		InputPath:  inputPath,
		OutputPath: outputPath,
		Options:    opts,
		WorkDir:    workDir,
	}
}

// JobID hashes the job identity triple to a short stable identifier.
func JobID(inputPath, outputPath string, opts Options) string {
	h := sha256.Sum256([]byte(inputPath + "|" + outputPath + "|" + opts.Canonical()))
	return hex.EncodeToString(h[:8])
}

// SettingsHash fingerprints just the options, stored in checkpoints so a
// resume under changed settings is rejected instead of reusing state.
func (j Job) SettingsHash() string {
	h := sha256.Sum256([]byte(j.Options.Canonical()))
	return hex.EncodeToString(h[:8])
}

// Status is the terminal state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Progress is one UI-facing progress report. Percent is -1 while the total
// unit count is still unknown.
type Progress struct {
	Percent  float64
	ETA      time.Duration
	ETAKnown bool
	Rate     float64
}

// Indeterminate reports whether the percent cannot be computed yet.
func (p Progress) Indeterminate() bool {
	return p.Percent < 0
}

// Callbacks is the contract between the core and its caller (GUI or CLI).
// Log lines are delivered verbatim and in order; progress is debounced and
// monotonic. All fields are optional.
type Callbacks struct {
	OnProgress func(Progress)
	OnLog      func(line string)
	OnComplete func(Result)
}

func (c Callbacks) Log(line string) {
	if c.OnLog != nil {
		c.OnLog(line)
	}
}

func (c Callbacks) Logf(format string, args ...interface{}) {
	if c.OnLog != nil {
		c.Log(fmt.Sprintf(format, args...))
	}
}

func (c Callbacks) Report(p Progress) {
	if c.OnProgress != nil {
		c.OnProgress(p)
	}
}

func (c Callbacks) Complete(r Result) {
	if c.OnComplete != nil {
		c.OnComplete(r)
	}
}

// Result is the terminal report of a run.
type Result struct {
	Status  Status
	Message string
	// Stage names which part failed (prepare, filter, encoder, unit loop).
	Stage string
	// DiagnosticTail holds the last raw diagnostic lines for post-mortem.
	DiagnosticTail []string
	// Resumable is true when a checkpoint survives the failure.
	Resumable  bool
	UnitsDone  int
	UnitsTotal int
	Err        error
}

func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}
