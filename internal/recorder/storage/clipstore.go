package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mikeyg42/clipcam/internal/recorder/recorderlog"
)

// ThumbSuffix is appended to a clip base name for its thumbnail file.
const ThumbSuffix = "_thumb.jpg"

// ClipStore is the directory finished clips wait in until they are uploaded.
// The recording loop marks the clip it is writing as active so a rescan
// never hands a half-written file to the uploader.
type ClipStore struct {
	dir    string
	ext    string
	logger recorderlog.Logger

	mu     sync.Mutex
	active string
}

// NewClipStore creates dir if needed. ext is the clip extension without dot.
func NewClipStore(dir, ext string) (*ClipStore, error) {
	if dir == "" {
		return nil, errors.New("clip store: empty directory")
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return nil, errors.New("clip store: empty extension")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Key: dir, Err: err}
	}
	return &ClipStore{
		dir:    dir,
		ext:    ext,
		logger: recorderlog.L().Named("clip-store"),
	}, nil
}

// Dir returns the clip directory.
func (s *ClipStore) Dir() string { return s.dir }

// Ext returns the clip extension without dot.
func (s *ClipStore) Ext() string { return s.ext }

// ClipFile returns the clip file name for a base name.
func (s *ClipStore) ClipFile(name string) string { return name + "." + s.ext }

// ThumbFile returns the thumbnail file name for a base name.
func (s *ClipStore) ThumbFile(name string) string { return name + ThumbSuffix }

// ClipPath returns the full clip path.
func (s *ClipStore) ClipPath(name string) string { return filepath.Join(s.dir, s.ClipFile(name)) }

// ThumbPath returns the full thumbnail path.
func (s *ClipStore) ThumbPath(name string) string {
	return filepath.Join(s.dir, s.ThumbFile(name))
}

// SaveThumbnail writes the thumbnail for name.
func (s *ClipStore) SaveThumbnail(name string, jpeg []byte) error {
	if err := os.WriteFile(s.ThumbPath(name), jpeg, 0o644); err != nil {
		return &StorageError{Op: "save_thumbnail", Key: s.ThumbFile(name), Err: err}
	}
	return nil
}

// SetActive marks name as being recorded. An empty name clears the mark.
func (s *ClipStore) SetActive(name string) {
	s.mu.Lock()
	s.active = name
	s.mu.Unlock()
}

// Active returns the clip currently being recorded, if any.
func (s *ClipStore) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ListPending returns the base names of completed clips still on disk,
// oldest name first.
func (s *ClipStore) ListPending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &StorageError{Op: "list", Key: s.dir, Err: err}
	}
	active := s.Active()
	suffix := "." + s.ext

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), suffix)
		if !ok || name == "" || name == active {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether the clip file for name is present.
func (s *ClipStore) Exists(name string) bool {
	_, err := os.Stat(s.ClipPath(name))
	return err == nil
}

// Remove deletes the clip and its thumbnail. Missing files are not errors.
func (s *ClipStore) Remove(name string) error {
	var errs []error
	for _, p := range []string{s.ClipPath(name), s.ThumbPath(name)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return &StorageError{Op: "remove", Key: name, Err: err}
	}
	return nil
}

// DiskUsage is a snapshot of the filesystem holding the clip directory.
type DiskUsage struct {
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

// Usage reports free and total space available to unprivileged writers.
func (s *ClipStore) Usage() (DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.dir, &st); err != nil {
		return DiskUsage{}, &StorageError{Op: "statfs", Key: s.dir, Err: err}
	}
	bsize := uint64(st.Bsize)
	return DiskUsage{
		TotalBytes: st.Blocks * bsize,
		FreeBytes:  st.Bavail * bsize,
	}, nil
}

// CheckFreeSpace logs a warning when less than minBytes are free.
func (s *ClipStore) CheckFreeSpace(minBytes uint64) (DiskUsage, error) {
	u, err := s.Usage()
	if err != nil {
		return u, err
	}
	if u.FreeBytes < minBytes {
		s.logger.Warn("clip storage low on space",
			recorderlog.String("dir", s.dir),
			recorderlog.Uint64("free_bytes", u.FreeBytes),
			recorderlog.Uint64("min_bytes", minBytes))
		return u, fmt.Errorf("clip store: %d bytes free, want %d", u.FreeBytes, minBytes)
	}
	return u, nil
}
