// Package progress implements crash-safe persistence of which segment
// indices have already been written, so a download can resume after an
// interruption without re-fetching completed segments.
package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"hlsdl/internal/herrors"
)

// ProgressStore persists and reloads the set of completed segment indices
// for one download. Implementations must make Save durable against a
// crash between the write and the caller's next read: the default
// FileStore does this with a temp-file-then-rename.
type ProgressStore interface {
	Load() (map[int]bool, error)
	Save(completed map[int]bool) error
	Cleanup() error
}

// FileStore is the default ProgressStore. It writes to a sibling temp
// file, fsyncs, and renames over the target, applied to a flat
// comma-joined index list instead of JSON, since the persisted shape
// here is just a set of ints.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore persisting to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted index set. A missing file is not an error; it
// means no progress has been saved yet.
func (s *FileStore) Load() (map[int]bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[int]bool{}, nil
	}
	if err != nil {
		return nil, herrors.Wrap(herrors.KindIOFailed, err, "failed to read progress file "+s.path)
	}

	completed := map[int]bool{}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return completed, nil
	}
	for _, field := range strings.Split(text, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		idx, err := strconv.Atoi(field)
		if err != nil {
			return nil, herrors.Wrap(herrors.KindIOFailed, err, "corrupt progress entry "+field)
		}
		completed[idx] = true
	}
	return completed, nil
}

// Save atomically overwrites the progress file with the sorted, comma
// joined decimal representation of completed. Callers are expected to
// serialize calls to Save (the processor does this with a mutex): the
// atomic rename makes each individual call crash-safe, not concurrent
// calls safe against each other.
func (s *FileStore) Save(completed map[int]bool) error {
	indices := make([]int, 0, len(completed))
	for idx := range completed {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(idx)
	}
	content := strings.Join(parts, ",")

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return herrors.Wrap(herrors.KindIOFailed, err, "failed to create temp progress file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return herrors.Wrap(herrors.KindIOFailed, err, "failed to write temp progress file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return herrors.Wrap(herrors.KindIOFailed, err, "failed to sync temp progress file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return herrors.Wrap(herrors.KindIOFailed, err, "failed to close temp progress file")
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return herrors.Wrap(herrors.KindIOFailed, err, fmt.Sprintf("failed to rename %s to %s", tmpPath, s.path))
	}
	return nil
}

// Cleanup removes the progress file. Called on both successful completion
// and cancellation, so a resumed run never mistakes a finished or
// abandoned download for one still in progress. A missing file is not an
// error.
func (s *FileStore) Cleanup() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return herrors.Wrap(herrors.KindIOFailed, err, "failed to remove progress file "+s.path)
	}
	return nil
}
