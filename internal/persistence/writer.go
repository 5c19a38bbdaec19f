package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"bladewatch.io/gateway/internal/log"
)

var windowFilePattern = regexp.MustCompile(`^window-(\d+)\.json$`)

// FileWriter persists windows as JSON documents in a session directory,
// optionally mirroring samples into per-sensor CSV files, and enforces a
// storage cap by deleting the oldest windows.
type FileWriter struct {
	dir          string
	saveCSV      bool
	storageLimit int64
}

// NewFileWriter creates the session directory and returns a writer for it.
// A storageLimit of 0 means unlimited.
func NewFileWriter(dir string, saveCSV bool, storageLimit int64) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory %s: %w", dir, err)
	}
	return &FileWriter{dir: dir, saveCSV: saveCSV, storageLimit: storageLimit}, nil
}

func (w *FileWriter) Name() string { return "local writer" }

// Directory returns the session directory the writer persists into.
func (w *FileWriter) Directory() string { return w.dir }

// Persist writes the window to window-<index>.json and appends CSV rows if
// enabled, then enforces the storage cap.
func (w *FileWriter) Persist(window *Window, index int) error {
	data, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("serialise window %d: %w", index, err)
	}

	path := filepath.Join(w.dir, WindowFilename(index))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write window %d: %w", index, err)
	}

	if w.saveCSV {
		w.appendCSV(window)
	}

	if w.storageLimit > 0 {
		w.enforceStorageLimit()
	}
	return nil
}

// WriteConfiguration writes the configuration sidecar next to the windows.
// Called once per session.
func (w *FileWriter) WriteConfiguration(data []byte) error {
	path := filepath.Join(w.dir, "configuration.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write configuration sidecar: %w", err)
	}
	return nil
}

func (w *FileWriter) appendCSV(window *Window) {
	for _, sensors := range window.SensorData {
		for sensor, samples := range sensors {
			if len(samples) == 0 {
				continue
			}

			var sb strings.Builder
			for _, sample := range samples {
				for i, v := range sample {
					if i > 0 {
						sb.WriteByte(',')
					}
					sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
				}
				sb.WriteByte('\n')
			}

			path := filepath.Join(w.dir, sensor+".csv")
			f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				log.GetLogger().WithError(err).Warnf("could not open %s", path)
				continue
			}
			if _, err := f.WriteString(sb.String()); err != nil {
				log.GetLogger().WithError(err).Warnf("could not append to %s", path)
			}
			f.Close()
		}
	}
}

// enforceStorageLimit deletes the lowest-indexed windows while the session
// directory exceeds the storage cap.
func (w *FileWriter) enforceStorageLimit() {
	for {
		total, err := directorySize(w.dir)
		if err != nil {
			log.GetLogger().WithError(err).Warn("could not measure session directory size")
			return
		}
		if total <= w.storageLimit {
			return
		}

		indexes := windowIndexes(w.dir)
		if len(indexes) == 0 {
			return
		}

		oldest := filepath.Join(w.dir, WindowFilename(indexes[0]))
		if err := os.Remove(oldest); err != nil {
			log.GetLogger().WithError(err).Warnf("could not delete %s", oldest)
			return
		}
		log.GetLogger().Warnf(
			"storage limit of %d bytes reached - deleted oldest window %s", w.storageLimit, oldest)
	}
}

func directorySize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// windowIndexes lists the indexes of the window files present in dir, in
// ascending order.
func windowIndexes(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var indexes []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := windowFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		indexes = append(indexes, n)
	}
	sort.Ints(indexes)
	return indexes
}
