package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/checkpoint"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/config"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/persistence"
	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/log"
)

func newTestService(t *testing.T) (*Service, *config.Config) {
	t.Helper()
	cfg, err := config.NewFromEnv(config.WithDataRoot(t.TempDir()))
	require.NoError(t, err)

	svc, err := New(cfg, log.NewLogger(log.LevelError))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, cfg
}

// writeCheckpointFile plants a record with a chosen saved_at, which Save
// would overwrite with the current time.
func writeCheckpointFile(t *testing.T, dir, jobID string, savedAt time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(checkpoint.Checkpoint{
		JobID:          jobID,
		CompletedUnits: []int{0, 1},
		TotalUnits:     10,
		SavedAt:        savedAt,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, jobID+".checkpoint.json"), data, 0o644))
}

func TestSweepRemovesOnlyStaleCheckpoints(t *testing.T) {
	svc, cfg := newTestService(t)
	dir := cfg.Paths.CheckpointDir()

	writeCheckpointFile(t, dir, "stale1", time.Now().Add(-10*24*time.Hour))
	writeCheckpointFile(t, dir, "stale2", time.Now().Add(-8*24*time.Hour))
	writeCheckpointFile(t, dir, "fresh", time.Now().Add(-time.Hour))

	removed, err := svc.Sweep(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.NoFileExists(t, filepath.Join(dir, "stale1.checkpoint.json"))
	assert.FileExists(t, filepath.Join(dir, "fresh.checkpoint.json"))
}

func TestListJobsMergesHistoryAndCheckpoints(t *testing.T) {
	svc, cfg := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.history.UpsertRun(ctx, persistence.RunRecord{
		JobID: "done", InputPath: "a.avi", OutputPath: "a.mkv",
		Status: restore.StatusSuccess, UnitsDone: 100, UnitsTotal: 100,
	}))
	require.NoError(t, svc.history.UpsertRun(ctx, persistence.RunRecord{
		JobID: "halted", InputPath: "b.avi", OutputPath: "b.mkv",
		Status: restore.StatusFailed,
	}))
	writeCheckpointFile(t, cfg.Paths.CheckpointDir(), "halted", time.Now())
	writeCheckpointFile(t, cfg.Paths.CheckpointDir(), "orphan", time.Now())

	jobs, err := svc.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	byID := map[string]JobSummary{}
	for _, j := range jobs {
		byID[j.JobID] = j
	}

	assert.False(t, byID["done"].Resumable)
	assert.True(t, byID["halted"].Resumable)
	assert.Equal(t, 2, byID["halted"].UnitsDone)
	assert.True(t, byID["orphan"].Resumable, "checkpoints without history still show up")
}

func TestDiscardDeletesCheckpointAndMarksHistory(t *testing.T) {
	svc, cfg := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.history.UpsertRun(ctx, persistence.RunRecord{
		JobID: "doomed", InputPath: "x.avi", OutputPath: "x.mkv",
		Status: restore.StatusFailed,
	}))
	writeCheckpointFile(t, cfg.Paths.CheckpointDir(), "doomed", time.Now())

	require.NoError(t, svc.Discard(ctx, "doomed"))

	cp, err := svc.checkpoints.Load("doomed")
	require.NoError(t, err)
	assert.Nil(t, cp)

	rec, err := svc.history.GetRun(ctx, "doomed")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, restore.StatusCancelled, rec.Status)

	// Discarding again, or discarding the unknown, is harmless.
	require.NoError(t, svc.Discard(ctx, "doomed"))
	require.NoError(t, svc.Discard(ctx, "never-existed"))
}

func TestRunRejectsMissingInput(t *testing.T) {
	svc, _ := newTestService(t)

	result := svc.Run(context.Background(), RunRequest{
		InputPath:  filepath.Join(t.TempDir(), "missing.avi"),
		OutputPath: "out.mkv",
		Options:    restore.Options{},
	}, restore.Callbacks{})

	require.Equal(t, restore.StatusFailed, result.Status)
	assert.True(t, restore.IsKind(result.Err, restore.ErrConfig))
}
