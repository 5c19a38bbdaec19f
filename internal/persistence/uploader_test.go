package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory ObjectStore with per-path failure injection.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	failures map[string]int
	order    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  map[string][]byte{},
		metadata: map[string]map[string]string{},
		failures: map[string]int{},
	}
}

func (s *fakeStore) failNext(path string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = times
}

func (s *fakeStore) Upload(_ context.Context, path string, contents []byte, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures[path] > 0 {
		s.failures[path]--
		return errors.New("injected upload failure")
	}
	s.objects[path] = append([]byte(nil), contents...)
	s.metadata[path] = metadata
	s.order = append(s.order, path)
	return nil
}

func newTestUploader(t *testing.T, store ObjectStore) (*Uploader, string) {
	t.Helper()
	backupDir := filepath.Join(t.TempDir(), ".backup")
	u := NewUploader(store, "output/session", backupDir, map[string]string{"origin": "test"}, time.Second)
	return u, backupDir
}

func TestWindowsAreUploadedWithMetadata(t *testing.T) {
	store := newFakeStore()
	u, _ := newTestUploader(t, store)

	require.NoError(t, u.Persist(testWindow(), 0))

	contents, ok := store.objects["output/session/window-0.json"]
	require.True(t, ok, "window must be uploaded at its deterministic path")
	assert.Contains(t, string(contents), "sensor_time_offset")
	assert.Equal(t, "test", store.metadata["output/session/window-0.json"]["origin"])
}

func TestFailedUploadIsBackedUpAndRetriedOnTheNextWindow(t *testing.T) {
	store := newFakeStore()
	u, backupDir := newTestUploader(t, store)

	store.failNext("output/session/window-0.json", 1)
	require.NoError(t, u.Persist(testWindow(), 0), "upload errors must not propagate")

	backupPath := filepath.Join(backupDir, "window-0.json")
	_, err := os.Stat(backupPath)
	require.NoError(t, err, "the failed window must be backed up locally")
	_, uploaded := store.objects["output/session/window-0.json"]
	assert.False(t, uploaded)

	// The next persist retries the backup before uploading the new window.
	require.NoError(t, u.Persist(testWindow(), 1))

	_, uploaded = store.objects["output/session/window-0.json"]
	assert.True(t, uploaded, "the backup must be uploaded on the next cycle")
	_, uploaded = store.objects["output/session/window-1.json"]
	assert.True(t, uploaded)

	_, err = os.Stat(backupPath)
	assert.True(t, os.IsNotExist(err), "the backup file must be deleted after a successful upload")

	require.Len(t, store.order, 2)
	assert.Equal(t, "output/session/window-0.json", store.order[0], "backups upload before the new window")
}

func TestBackupsAreRetriedInAscendingIndexOrder(t *testing.T) {
	store := newFakeStore()
	u, _ := newTestUploader(t, store)

	// window-0 fails its upload and its first retry, so both backups are
	// pending when window 2 is persisted.
	store.failNext("output/session/window-0.json", 2)
	store.failNext("output/session/window-1.json", 1)
	require.NoError(t, u.Persist(testWindow(), 0))
	require.NoError(t, u.Persist(testWindow(), 1))

	require.NoError(t, u.Persist(testWindow(), 2))

	require.Len(t, store.order, 3)
	assert.Equal(t, []string{
		"output/session/window-0.json",
		"output/session/window-1.json",
		"output/session/window-2.json",
	}, store.order)
}

func TestPersistentFailureLeavesTheBackupInPlace(t *testing.T) {
	store := newFakeStore()
	u, backupDir := newTestUploader(t, store)

	store.failNext("output/session/window-0.json", 10)
	require.NoError(t, u.Persist(testWindow(), 0))
	require.NoError(t, u.Persist(testWindow(), 1))

	_, err := os.Stat(filepath.Join(backupDir, "window-0.json"))
	assert.NoError(t, err, "an unuploadable backup stays for the next cycle")
}

func TestReuploadReplacesAtTheSamePath(t *testing.T) {
	store := newFakeStore()
	u, _ := newTestUploader(t, store)

	first := testWindow()
	require.NoError(t, u.Persist(first, 0))

	second := testWindow()
	second.SensorTimeOffset = 99
	// Re-uploading the same (session, index) replaces the object.
	require.NoError(t, u.Persist(second, 0))

	assert.Contains(t, string(store.objects["output/session/window-0.json"]), "99")
}
