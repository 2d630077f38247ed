// Package migrate moves completed frame artifacts between working
// directories so a job checkpointed on one volume can resume on another.
package migrate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/file"
)

// Migrator copies artifacts listed by relative path from an old working
// directory into a new one.
type Migrator struct {
	onLog func(line string)
}

func New(onLog func(line string)) *Migrator {
	if onLog == nil {
		onLog = func(string) {}
	}
	return &Migrator{onLog: onLog}
}

// Migrate copies each named artifact from oldRoot to newRoot. Artifacts
// already present at the destination with matching size and mtime are
// skipped, so rerunning after an interruption only moves what is missing.
// It returns the number of artifacts copied and aborts on the first
// failure; the caller decides whether the surviving checkpoint is usable.
func (m *Migrator) Migrate(ctx context.Context, oldRoot, newRoot string, artifacts []string) (int, error) {
	if err := file.EnsureDir(newRoot); err != nil {
		return 0, restore.WrapError(err, restore.ErrIO, "create destination directory")
	}

	copied := 0
	for i, rel := range artifacts {
		if err := ctx.Err(); err != nil {
			return copied, restore.WrapError(err, restore.ErrCancelled, "migration interrupted")
		}

		src := filepath.Join(oldRoot, rel)
		dst := filepath.Join(newRoot, rel)

		if file.SameSignature(src, dst) {
			continue
		}

		if err := copyFile(src, dst); err != nil {
			return copied, restore.WrapError(err, restore.ErrIO,
				fmt.Sprintf("migrate artifact %s", rel)).
				WithContext("copied", copied)
		}
		copied++

		if (i+1)%100 == 0 {
			m.onLog(fmt.Sprintf("Migrated %d/%d artifacts", i+1, len(artifacts)))
		}
	}

	if copied > 0 {
		m.onLog(fmt.Sprintf("Migration complete: %d artifacts copied, %d already in place",
			copied, len(artifacts)-copied))
	}
	return copied, nil
}

// copyFile writes to a temp file next to dst and renames it into place, so
// an interrupted copy never leaves a half-written artifact that a later
// resume would mistake for a completed one.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	if err := file.EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".migrate-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	// Preserve mtime so the skip check recognizes the copy next time.
	if err := os.Chtimes(tmpName, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
