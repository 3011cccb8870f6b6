package jobs

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestNewJob(t *testing.T) {
	job := NewJob("results.zip", 2048, "zip")

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "results.zip", job.Filename)
	assert.Equal(t, int64(2048), job.Size)
	assert.Equal(t, "2.0 kB", job.SizeHuman)
	assert.Equal(t, StatusUploaded, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.False(t, job.Status.Terminal())

	other := NewJob("results.zip", 2048, "zip")
	assert.NotEqual(t, job.ID, other.ID, "job IDs must be unique")
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusUploaded, false},
		{StatusExtracting, false},
		{StatusIndexing, false},
		{StatusCompleted, true},
		{StatusError, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestStore_PutGet(t *testing.T) {
	store := openTestStore(t)

	job := NewJob("logs.tar.gz", 4096, "tar.gz")
	job.UploadPath = "/data/uploads/" + job.ID + "_logs.tar.gz"
	job.ExtractDir = "/data/extracted/" + job.ID
	require.NoError(t, store.Put(job))

	loaded, err := store.Get(job.ID)
	require.NoError(t, err)

	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, "logs.tar.gz", loaded.Filename)
	assert.Equal(t, StatusUploaded, loaded.Status)
	assert.Equal(t, job.UploadPath, loaded.UploadPath,
		"server-local paths must survive a store round trip")
	assert.Equal(t, job.ExtractDir, loaded.ExtractDir)
}

func TestStore_ListKeepsServerPaths(t *testing.T) {
	store := openTestStore(t)

	job := NewJob("dump.zip", 64, "zip")
	job.UploadPath = "/data/uploads/" + job.ID + "_dump.zip"
	job.ExtractDir = "/data/extracted/" + job.ID
	require.NoError(t, store.Put(job))

	listed, err := store.List()
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, job.UploadPath, listed[0].UploadPath)
	assert.Equal(t, job.ExtractDir, listed[0].ExtractDir)
}

func TestJobJSONHidesServerPaths(t *testing.T) {
	job := NewJob("secret.zip", 32, "zip")
	job.UploadPath = "/data/uploads/" + job.ID + "_secret.zip"
	job.ExtractDir = "/data/extracted/" + job.ID

	data, err := json.Marshal(job)
	require.NoError(t, err)

	assert.NotContains(t, string(data), job.UploadPath)
	assert.NotContains(t, string(data), "extract_dir")
	assert.NotContains(t, string(data), "upload_path")
}

func TestStore_GetUnknown(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get("no-such-job")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PutUpdatesExisting(t *testing.T) {
	store := openTestStore(t)

	job := NewJob("a.zip", 10, "zip")
	require.NoError(t, store.Put(job))

	job.Status = StatusCompleted
	job.Progress = 100
	job.FileCount = 3
	require.NoError(t, store.Put(job))

	loaded, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
	assert.Equal(t, 100, loaded.Progress)
	assert.Equal(t, 3, loaded.FileCount)
}

func TestStore_ListNewestFirst(t *testing.T) {
	store := openTestStore(t)

	first := NewJob("first.zip", 1, "zip")
	first.CreatedAt = time.Now().Add(-2 * time.Hour)
	second := NewJob("second.zip", 2, "zip")
	second.CreatedAt = time.Now().Add(-1 * time.Hour)
	third := NewJob("third.zip", 3, "zip")

	for _, j := range []*Job{first, second, third} {
		require.NoError(t, store.Put(j))
	}

	listed, err := store.List()
	require.NoError(t, err)
	require.Len(t, listed, 3)

	assert.Equal(t, "third.zip", listed[0].Filename)
	assert.Equal(t, "second.zip", listed[1].Filename)
	assert.Equal(t, "first.zip", listed[2].Filename)
}

func TestStore_Delete(t *testing.T) {
	store := openTestStore(t)

	job := NewJob("gone.zip", 1, "zip")
	require.NoError(t, store.Put(job))
	require.NoError(t, store.Delete(job.ID))

	_, err := store.Get(job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.Delete(job.ID), ErrNotFound)
}
