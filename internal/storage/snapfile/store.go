// Package snapfile implements the on-disk format of serialized snapshot builder state.
package snapfile

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/yndnr/logicalsnap/internal/lsn"
)

const (
	// DefaultDir mirrors the layout used by the database server.
	DefaultDir = "pg_logical/snapshots"

	tempExtension   = ".tmp"
	DefaultFilePerm = 0600
	DefaultDirPerm  = 0750
	indexDegree     = 16
)

// Config configures a Store.
type Config struct {
	Dir string

	// MaxFileSize bounds the size of a file the store is willing to read.
	MaxFileSize int64

	Logger *slog.Logger
}

// DefaultConfig returns the default store configuration for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		MaxFileSize: DefaultMaxFileSize,
		Logger:      slog.Default(),
	}
}

// Info describes one snapshot file.
type Info struct {
	LSN  lsn.LSN `json:"lsn"`
	Path string  `json:"path"`
	Size int64   `json:"size"`
}

func infoLess(a, b Info) bool { return a.LSN < b.LSN }

// Store manages the snapshot directory.
//
// There is a single writer per directory. Readers may run concurrently with
// it because completed files are never modified.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	index *btree.BTreeG[Info]
}

// NewStore opens or creates the snapshot directory and indexes its files.
// Leftover temporary files from an interrupted write are removed.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapfile: dir is required")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, DefaultDirPerm); err != nil {
		return nil, fmt.Errorf("snapfile: create dir: %w", err)
	}

	s := &Store{
		cfg:    cfg,
		logger: cfg.Logger,
	}
	if err := s.removeTemp(); err != nil {
		return nil, err
	}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the snapshot directory.
func (s *Store) Dir() string {
	return s.cfg.Dir
}

// Path returns the file path for position l.
func (s *Store) Path(l lsn.LSN) string {
	return filepath.Join(s.cfg.Dir, l.FileName())
}

// Exists reports whether a snapshot file for l is present.
func (s *Store) Exists(l lsn.LSN) (bool, error) {
	path := s.Path(l)
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &IOError{Op: "stat", Path: path, Err: err}
}

// Write serializes st into a new file for l.
//
// An existing file for l is never replaced; ErrExists is returned instead.
// The file and the directory are fsynced before Write returns.
func (s *Store) Write(l lsn.LSN, st *State) (*Info, error) {
	path := s.Path(l)

	exists, err := s.Exists(l)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}

	data, err := Encode(st)
	if err != nil {
		return nil, err
	}

	tmpPath := path + tempExtension
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &IOError{Op: "remove", Path: tmpPath, Err: err}
	}

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, DefaultFilePerm)
	if err != nil {
		return nil, &IOError{Op: "create", Path: tmpPath, Err: err}
	}
	defer os.Remove(tmpPath)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, &IOError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, &IOError{Op: "fsync", Path: tmpPath, Err: err}
	}
	if err := f.Close(); err != nil {
		return nil, &IOError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := syncDir(s.cfg.Dir); err != nil {
		return nil, err
	}
	if err := publish(tmpPath, path); err != nil {
		return nil, err
	}
	if err := syncDir(s.cfg.Dir); err != nil {
		return nil, err
	}

	info := Info{LSN: l, Path: path, Size: int64(len(data))}
	s.mu.Lock()
	s.index.ReplaceOrInsert(info)
	s.mu.Unlock()

	s.logger.Debug("snapshot file written",
		"lsn", l.String(),
		"path", path,
		"size", len(data))
	return &info, nil
}

// publish links the completed temporary file to its final name. Linking
// fails on an existing target, so a file is never replaced.
func publish(tmpPath, path string) error {
	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return &IOError{Op: "link", Path: tmpPath, Err: err}
	}
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "remove", Path: tmpPath, Err: err}
	}
	return nil
}

// Read opens and validates the snapshot file for l.
func (s *Store) Read(l lsn.LSN) (*OnDisk, error) {
	return s.ReadPath(s.Path(l))
}

// ReadPath opens and validates the snapshot file at path.
//
// A missing file is reported as ErrNotFound. The file and its directory are
// fsynced before the contents are trusted.
func (s *Store) ReadPath(path string) (*OnDisk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, &IOError{Op: "fsync", Path: path, Err: err}
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		f.Close()
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &IOError{Op: "stat", Path: path, Err: err}
	}
	if stat.Size() > s.cfg.MaxFileSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrResourceExhausted, path, stat.Size())
	}

	od, err := Decode(f, path)
	if cerr := f.Close(); cerr != nil && err == nil {
		return nil, &IOError{Op: "close", Path: path, Err: cerr}
	}
	if err != nil {
		return nil, err
	}
	return od, nil
}

// Refresh rebuilds the in-memory index from the directory contents.
func (s *Store) Refresh() error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return &IOError{Op: "read directory", Path: s.cfg.Dir, Err: err}
	}

	index := btree.NewG[Info](indexDegree, infoLess)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		l, err := lsn.ParseFileName(e.Name())
		if err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		index.ReplaceOrInsert(Info{
			LSN:  l,
			Path: filepath.Join(s.cfg.Dir, e.Name()),
			Size: fi.Size(),
		})
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}

// List returns indexed snapshot files ordered by position.
func (s *Store) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Info, 0, s.index.Len())
	s.index.Ascend(func(i Info) bool {
		out = append(out, i)
		return true
	})
	return out
}

// FindAtOrBefore returns the newest snapshot file at or before l.
func (s *Store) FindAtOrBefore(l lsn.LSN) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found Info
	var ok bool
	s.index.DescendLessOrEqual(Info{LSN: l}, func(i Info) bool {
		found, ok = i, true
		return false
	})
	return found, ok
}

// ReadAtOrBefore decodes the newest valid snapshot file at or before l.
// Files that fail validation are skipped. ErrNotFound is returned when no
// valid file is left.
func (s *Store) ReadAtOrBefore(l lsn.LSN) (Info, *OnDisk, error) {
	for {
		info, ok := s.FindAtOrBefore(l)
		if !ok {
			return Info{}, nil, fmt.Errorf("%w: none at or before %s", ErrNotFound, l)
		}
		od, err := s.ReadPath(info.Path)
		if err == nil {
			return info, od, nil
		}
		if !errors.Is(err, ErrCorrupted) && !errors.Is(err, ErrNotFound) {
			return info, nil, err
		}
		s.logger.Warn("skipping invalid snapshot file", "path", info.Path, "error", err)
		if info.LSN == lsn.Invalid {
			return Info{}, nil, fmt.Errorf("%w: none at or before %s", ErrNotFound, l)
		}
		l = info.LSN - 1
	}
}

// RemoveOlderThan deletes snapshot files before cutoff and returns how many
// were removed. Files at or after cutoff are kept.
func (s *Store) RemoveOlderThan(cutoff lsn.LSN) (int, error) {
	var victims []Info
	s.mu.RLock()
	s.index.AscendLessThan(Info{LSN: cutoff}, func(i Info) bool {
		victims = append(victims, i)
		return true
	})
	s.mu.RUnlock()

	removed := 0
	for _, v := range victims {
		if err := os.Remove(v.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, &IOError{Op: "remove", Path: v.Path, Err: err}
		}
		s.mu.Lock()
		s.index.Delete(v)
		s.mu.Unlock()
		removed++
	}
	if removed > 0 {
		if err := syncDir(s.cfg.Dir); err != nil {
			return removed, err
		}
		s.logger.Info("removed old snapshot files",
			"count", removed,
			"cutoff", cutoff.String())
	}
	return removed, nil
}

func (s *Store) removeTemp() error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return &IOError{Op: "read directory", Path: s.cfg.Dir, Err: err}
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tempExtension) {
			continue
		}
		path := filepath.Join(s.cfg.Dir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &IOError{Op: "remove", Path: path, Err: err}
		}
		s.logger.Warn("removed stale temporary snapshot file", "path", path)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return &IOError{Op: "open", Path: dir, Err: err}
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return &IOError{Op: "fsync", Path: dir, Err: err}
	}
	return nil
}

// KeepNewest deletes every file except the newest n and returns how many
// were removed. n <= 0 keeps everything.
func (s *Store) KeepNewest(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	cutoff, ok := s.keepCutoff(n)
	if !ok {
		return 0, nil
	}
	return s.RemoveOlderThan(cutoff)
}

// keepCutoff returns the position of the n-th newest file.
func (s *Store) keepCutoff(n int) (lsn.LSN, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.index.Len() <= n {
		return lsn.Invalid, false
	}
	var cutoff lsn.LSN
	seen := 0
	s.index.Descend(func(i Info) bool {
		seen++
		cutoff = i.LSN
		return seen < n
	})
	return cutoff, true
}
