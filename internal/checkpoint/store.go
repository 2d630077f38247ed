// Package checkpoint persists per-job resume state as JSON records. Records
// are human-inspectable on purpose: operators dig into them when a resume
// does something surprising.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/file"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/log"
)

const suffix = ".checkpoint.json"

// Checkpoint is one job's persisted resume state. CompletedUnits is kept
// sorted; the runner relies on binary search over it.
type Checkpoint struct {
	JobID            string            `json:"job_id"`
	WorkingDirectory string            `json:"working_directory"`
	CompletedUnits   []int             `json:"completed_units"`
	TotalUnits       int               `json:"total_units"`
	SettingsHash     string            `json:"settings_hash"`
	CustomMetadata   map[string]string `json:"custom_metadata,omitempty"`
	SavedAt          time.Time         `json:"saved_at"`
}

// Done reports whether unit is recorded as completed.
func (c *Checkpoint) Done(unit int) bool {
	i := sort.SearchInts(c.CompletedUnits, unit)
	return i < len(c.CompletedUnits) && c.CompletedUnits[i] == unit
}

// MarkDone records unit as completed, keeping the list sorted and unique.
func (c *Checkpoint) MarkDone(unit int) {
	i := sort.SearchInts(c.CompletedUnits, unit)
	if i < len(c.CompletedUnits) && c.CompletedUnits[i] == unit {
		return
	}
	c.CompletedUnits = append(c.CompletedUnits, 0)
	copy(c.CompletedUnits[i+1:], c.CompletedUnits[i:])
	c.CompletedUnits[i] = unit
}

// Evict removes unit from the completed set. Used when the recorded
// artifact is missing on disk and the unit must be reprocessed.
func (c *Checkpoint) Evict(unit int) {
	i := sort.SearchInts(c.CompletedUnits, unit)
	if i < len(c.CompletedUnits) && c.CompletedUnits[i] == unit {
		c.CompletedUnits = append(c.CompletedUnits[:i], c.CompletedUnits[i+1:]...)
	}
}

// Store reads and writes checkpoint records under a single directory.
type Store struct {
	dir    string
	logger *log.Logger
}

func NewStore(dir string, logger *log.Logger) *Store {
	return &Store{dir: dir, logger: logger}
}

func (s *Store) path(jobID string) string {
	return filepath.Join(s.dir, jobID+suffix)
}

// Save writes the record atomically: temp file in the same directory, then
// rename. A crash mid-save leaves either the old record or the new one,
// never a torn file.
func (s *Store) Save(cp *Checkpoint) error {
	if err := file.EnsureDir(s.dir); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	cp.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.JobID, err)
	}

	target := s.path(cp.JobID)
	tmp, err := os.CreateTemp(s.dir, cp.JobID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint %s: %w", cp.JobID, err)
	}
	return nil
}

// Load returns the record for jobID, or (nil, nil) when no usable record
// exists. A corrupt record is treated as absent: a fresh start is always a
// safe answer, losing partial progress is not worth failing the run over.
func (s *Store) Load(jobID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", jobID, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.logger.Warn("Checkpoint for job %s is corrupt, ignoring it: %v", jobID, err)
		return nil, nil
	}
	if err := cp.validate(jobID); err != nil {
		s.logger.Warn("Checkpoint for job %s is invalid, ignoring it: %v", jobID, err)
		return nil, nil
	}

	sort.Ints(cp.CompletedUnits)
	return &cp, nil
}

func (c *Checkpoint) validate(expectedID string) error {
	if c.JobID == "" {
		return fmt.Errorf("missing job_id")
	}
	if c.JobID != expectedID {
		return fmt.Errorf("job_id %q does not match record name %q", c.JobID, expectedID)
	}
	if c.TotalUnits < 0 {
		return fmt.Errorf("negative total_units %d", c.TotalUnits)
	}
	for _, u := range c.CompletedUnits {
		if u < 0 {
			return fmt.Errorf("negative unit index %d", u)
		}
	}
	return nil
}

// Delete removes the record for jobID. Deleting an absent record is not an
// error; completion and discard paths both call this unconditionally.
func (s *Store) Delete(jobID string) error {
	err := os.Remove(s.path(jobID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint %s: %w", jobID, err)
	}
	return nil
}

// List returns every readable checkpoint in the store, newest first.
// Corrupt records are skipped with a warning, not surfaced as errors.
func (s *Store) List() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var out []*Checkpoint
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		jobID := strings.TrimSuffix(e.Name(), suffix)
		cp, err := s.Load(jobID)
		if err != nil || cp == nil {
			continue
		}
		out = append(out, cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].SavedAt.After(out[j].SavedAt)
	})
	return out, nil
}
