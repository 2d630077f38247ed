package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idocinthebox/Advanced-Tape-Restorer/pkg/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), log.NewLogger(log.LevelError))
}

func TestSaveLoadRoundtrip(t *testing.T) {
	store := newTestStore(t)

	cp := &Checkpoint{
		JobID:            "abc123",
		WorkingDirectory: "/work/abc123",
		TotalUnits:       500,
		SettingsHash:     "deadbeef",
		CustomMetadata:   map[string]string{"model": "gfpgan"},
	}
	cp.MarkDone(0)
	cp.MarkDone(2)
	cp.MarkDone(1)

	require.NoError(t, store.Save(cp))

	loaded, err := store.Load("abc123")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "abc123", loaded.JobID)
	assert.Equal(t, []int{0, 1, 2}, loaded.CompletedUnits)
	assert.Equal(t, 500, loaded.TotalUnits)
	assert.Equal(t, "deadbeef", loaded.SettingsHash)
	assert.Equal(t, "gfpgan", loaded.CustomMetadata["model"])
	assert.False(t, loaded.SavedAt.IsZero())
}

func TestLoadMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	cp, err := store.Load("nope")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestLoadCorruptReturnsNil(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, log.NewLogger(log.LevelError))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.checkpoint.json"), []byte("{not json"), 0o644))

	cp, err := store.Load("bad")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestLoadRejectsMismatchedJobID(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, log.NewLogger(log.LevelError))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.checkpoint.json"),
		[]byte(`{"job_id":"two","completed_units":[],"total_units":1}`), 0o644))

	cp, err := store.Load("one")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestSaveIsAtomicReplacement(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, log.NewLogger(log.LevelError))

	cp := &Checkpoint{JobID: "job1", TotalUnits: 10}
	require.NoError(t, store.Save(cp))
	cp.MarkDone(0)
	require.NoError(t, store.Save(cp))

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job1.checkpoint.json", entries[0].Name())
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(&Checkpoint{JobID: "gone", TotalUnits: 1}))
	require.NoError(t, store.Delete("gone"))
	require.NoError(t, store.Delete("gone"))
	require.NoError(t, store.Delete("never-existed"))
}

func TestListSkipsCorruptRecords(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, log.NewLogger(log.LevelError))

	require.NoError(t, store.Save(&Checkpoint{JobID: "good1", TotalUnits: 5}))
	require.NoError(t, store.Save(&Checkpoint{JobID: "good2", TotalUnits: 5}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.checkpoint.json"), []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644))

	cps, err := store.List()
	require.NoError(t, err)
	require.Len(t, cps, 2)
}

func TestListEmptyDirIsNotAnError(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "does-not-exist"), log.NewLogger(log.LevelError))
	cps, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestCheckpointDoneEvict(t *testing.T) {
	cp := &Checkpoint{}
	cp.MarkDone(5)
	cp.MarkDone(3)
	cp.MarkDone(5)

	assert.Equal(t, []int{3, 5}, cp.CompletedUnits)
	assert.True(t, cp.Done(3))
	assert.False(t, cp.Done(4))

	cp.Evict(3)
	assert.False(t, cp.Done(3))
	assert.Equal(t, []int{5}, cp.CompletedUnits)

	cp.Evict(99)
	assert.Equal(t, []int{5}, cp.CompletedUnits)
}
