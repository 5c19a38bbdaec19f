package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"bladewatch.io/gateway/internal/log"
	"bladewatch.io/gateway/internal/metrics"
)

// DefaultUploadTimeout bounds a single window upload.
const DefaultUploadTimeout = 60 * time.Second

// ObjectStore uploads opaque objects to a remote store. The GCS
// implementation lives in store.go; tests substitute their own.
type ObjectStore interface {
	Upload(ctx context.Context, objectPath string, contents []byte, metadata map[string]string) error
}

// Uploader persists windows to an object store. A failed upload is written
// to a local backup directory instead and retried before the next window is
// uploaded; upload errors never propagate to the caller.
type Uploader struct {
	store     ObjectStore
	cloudDir  string
	backupDir string
	metadata  map[string]string
	timeout   time.Duration
}

// NewUploader returns an uploader writing under cloudDir in the store and
// using backupDir for failed windows. The metadata map is attached to every
// uploaded window.
func NewUploader(store ObjectStore, cloudDir, backupDir string, metadata map[string]string, timeout time.Duration) *Uploader {
	if timeout <= 0 {
		timeout = DefaultUploadTimeout
	}
	return &Uploader{
		store:     store,
		cloudDir:  cloudDir,
		backupDir: backupDir,
		metadata:  metadata,
		timeout:   timeout,
	}
}

func (u *Uploader) Name() string { return "uploader" }

// Persist retries any backed-up windows, then uploads the given window. On
// failure the window is saved to the backup directory and the error is
// swallowed; capture continuity wins over strict delivery.
func (u *Uploader) Persist(window *Window, index int) error {
	u.retryBackups()

	data, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("serialise window %d: %w", index, err)
	}

	name := WindowFilename(index)
	if err := u.upload(name, data); err != nil {
		metrics.UploadFailuresTotal.Inc()
		log.GetLogger().WithError(err).Warnf(
			"upload of window %d failed - backing up to %s", index, filepath.Join(u.backupDir, name))
		u.writeBackup(name, data)
	}
	return nil
}

// UploadConfiguration uploads the configuration sidecar for the session.
// Best effort: a failure is logged, not returned.
func (u *Uploader) UploadConfiguration(data []byte) {
	if err := u.upload("configuration.json", data); err != nil {
		log.GetLogger().WithError(err).Warn("could not upload configuration sidecar")
	}
}

func (u *Uploader) upload(name string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
	defer cancel()
	return u.store.Upload(ctx, path.Join(u.cloudDir, name), data, u.metadata)
}

func (u *Uploader) writeBackup(name string, data []byte) {
	if err := os.MkdirAll(u.backupDir, 0o755); err != nil {
		log.GetLogger().WithError(err).Errorf("could not create backup directory %s", u.backupDir)
		return
	}
	if err := os.WriteFile(filepath.Join(u.backupDir, name), data, 0o644); err != nil {
		log.GetLogger().WithError(err).Errorf("could not write backup %s", name)
	}
}

// retryBackups attempts one upload per backed-up window, in ascending index
// order. Successful uploads delete the backup file; failures leave it for
// the next cycle.
func (u *Uploader) retryBackups() {
	for _, index := range windowIndexes(u.backupDir) {
		name := WindowFilename(index)
		backupPath := filepath.Join(u.backupDir, name)

		data, err := os.ReadFile(backupPath)
		if err != nil {
			log.GetLogger().WithError(err).Warnf("could not read backup %s", backupPath)
			continue
		}

		if err := u.upload(name, data); err != nil {
			log.GetLogger().WithError(err).Warnf("retry upload of %s failed", name)
			continue
		}

		metrics.BackupRetriesTotal.Inc()
		if err := os.Remove(backupPath); err != nil {
			log.GetLogger().WithError(err).Warnf("could not delete backup %s", backupPath)
		} else {
			log.GetLogger().Infof("backup window %s uploaded and deleted", name)
		}
	}
}
