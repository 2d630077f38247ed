package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/file"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/log"
)

// lockOwner identifies the process holding a run lock, so a second launch
// can tell a live competitor from a crashed one.
type lockOwner struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is an exclusive per-job run lock backed by a directory. Directory
// creation is atomic on every filesystem we care about.
type Lock struct {
	dir string
}

// AcquireLock takes the run lock for jobID. A lock left behind by a dead
// process is broken and re-acquired; a lock held by a live process is a
// config-class error since running the same job twice corrupts its state.
func AcquireLock(lockRoot, jobID string) (*Lock, error) {
	if err := file.EnsureDir(lockRoot); err != nil {
		return nil, restore.WrapError(err, restore.ErrIO, "create lock root")
	}

	dir := filepath.Join(lockRoot, jobID+".lock")
	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			writeOwner(dir)
			return &Lock{dir: dir}, nil
		}
		if !os.IsExist(err) {
			return nil, restore.WrapError(err, restore.ErrIO, "create run lock")
		}

		owner, readErr := readOwner(dir)
		if readErr == nil && processAlive(owner.PID) {
			return nil, restore.NewErrorf(restore.ErrConfig,
				"job %s is already running (pid %d on %s since %s)",
				jobID, owner.PID, owner.Hostname, owner.StartedAt.Format(time.RFC3339))
		}

		// Owner is gone or unreadable; break the stale lock and retry once.
		if readErr == nil {
			log.Warn("Breaking stale run lock for job %s held by dead pid %d", jobID, owner.PID)
		} else {
			log.Warn("Breaking unreadable run lock for job %s: %v", jobID, readErr)
		}
		if err := os.RemoveAll(dir); err != nil {
			return nil, restore.WrapError(err, restore.ErrIO, "break stale run lock")
		}
	}
	return nil, restore.NewErrorf(restore.ErrIO, "could not acquire run lock for job %s", jobID)
}

func (l *Lock) Release() error {
	return os.RemoveAll(l.dir)
}

func writeOwner(dir string) {
	host, _ := os.Hostname()
	data, err := json.Marshal(lockOwner{
		PID:       os.Getpid(),
		Hostname:  host,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, "owner.json"), data, 0o644)
}

func readOwner(dir string) (lockOwner, error) {
	data, err := os.ReadFile(filepath.Join(dir, "owner.json"))
	if err != nil {
		return lockOwner{}, err
	}
	var o lockOwner
	if err := json.Unmarshal(data, &o); err != nil {
		return lockOwner{}, err
	}
	if o.PID <= 0 {
		return lockOwner{}, fmt.Errorf("invalid owner pid %d", o.PID)
	}
	return o, nil
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
