// Package diskspace checks free capacity before and during runs so that
// long restorations fail early instead of dying hours in with a full disk.
package diskspace

import (
	"path/filepath"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/file"
)

// StatFunc reports available bytes on the filesystem containing dir.
type StatFunc func(dir string) (available uint64, err error)

// statfsAvailable queries the OS. Bavail excludes blocks reserved for root,
// which is what an unprivileged writer can actually use.
func statfsAvailable(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// Guard validates free space against an estimate plus a safety margin.
type Guard struct {
	stat   StatFunc
	margin float64
}

// NewGuard builds a guard with the given safety margin ratio. A margin of
// 0.10 requires 10% headroom over the raw estimate.
func NewGuard(margin float64) *Guard {
	return &Guard{stat: statfsAvailable, margin: margin}
}

// NewGuardWithStat is the test seam.
func NewGuardWithStat(stat StatFunc, margin float64) *Guard {
	return &Guard{stat: stat, margin: margin}
}

// Check fails iff the volume holding dir has less than required bytes plus
// the margin available. Equality passes: the margin is the entire buffer.
func (g *Guard) Check(dir string, required uint64) error {
	// The work directory may not exist yet; stat the nearest existing
	// ancestor, which is on the same volume.
	target := dir
	for !file.Exists(target) {
		parent := filepath.Dir(target)
		if parent == target {
			break
		}
		target = parent
	}

	available, err := g.stat(target)
	if err != nil {
		return restore.WrapError(err, restore.ErrIO, "query free space for "+dir)
	}

	needed := uint64(float64(required) * (1 + g.margin))
	if available < needed {
		return restore.NewErrorf(restore.ErrDiskSpace,
			"not enough space on %s: need %s (including %.0f%% margin), have %s",
			dir, humanize.IBytes(needed), g.margin*100, humanize.IBytes(available)).
			WithContext("required_bytes", needed).
			WithContext("available_bytes", available)
	}
	return nil
}
