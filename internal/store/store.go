// Package store provides the filesystem-backed event store. Each event
// name maps to a directory tree mirroring its segments; the leaf holds
// the current payload plus a bounded history of prior payloads. The
// backing directory is shared with worker processes, so current-payload
// writes go through a temp file and an atomic rename.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// CurrentFile is the file name holding an event's current payload.
	CurrentFile = "current.json"
	// HistoryDirName is the per-event directory of rotated payloads.
	HistoryDirName = "history"

	// DefaultHistoryLimit is the per-event history cap when none is
	// configured.
	DefaultHistoryLimit = 3
)

// ErrNotFound indicates an event with no current payload.
var ErrNotFound = errors.New("not found")

// HistoryEntry is a prior payload together with its capture time.
type HistoryEntry struct {
	Payload    json.RawMessage `json:"payload"`
	CapturedAt time.Time       `json:"capturedAt"`
}

// Store is a filesystem-backed event payload store.
type Store struct {
	root  string
	limit int

	mu    sync.Mutex
	locks map[string]*FileLock
}

// New creates a store rooted at the given directory. historyLimit caps
// the retained prior payloads per event; values below 1 fall back to
// DefaultHistoryLimit.
func New(root string, historyLimit int) *Store {
	if historyLimit < 1 {
		historyLimit = DefaultHistoryLimit
	}
	return &Store{
		root:  root,
		limit: historyLimit,
		locks: make(map[string]*FileLock),
	}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// HistoryLimit returns the per-event history cap.
func (s *Store) HistoryLimit() int {
	return s.limit
}

// Write stores payload as the current value for the event, rotating any
// existing current payload into history and trimming history beyond the
// cap. The current file is replaced atomically so a concurrent reader
// sees either the old or the new payload, never a torn one.
func (s *Store) Write(name string, payload json.RawMessage) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	dir := s.eventDir(name)
	if err := os.MkdirAll(filepath.Join(dir, HistoryDirName), 0o755); err != nil {
		return fmt.Errorf("failed to create event directory: %w", err)
	}

	lock := s.getLock(dir)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	current := filepath.Join(dir, CurrentFile)

	// Rotate the existing payload into history before replacing it.
	if prev, err := os.ReadFile(current); err == nil {
		if err := s.appendHistory(dir, prev); err != nil {
			return err
		}
		if err := s.trimHistory(dir); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read current payload: %w", err)
	}

	tmp := current + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, current); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace current payload: %w", err)
	}

	return nil
}

// Read returns the current payload for the event, or ErrNotFound.
func (s *Store) Read(name string) (json.RawMessage, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.CurrentPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, nil
}

// History returns the retained prior payloads for the event, most
// recent first. An event with no history yields an empty slice.
func (s *Store) History(name string) ([]HistoryEntry, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	files, err := s.historyFiles(s.eventDir(name))
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(files))
	// historyFiles sorts oldest first.
	for i := len(files) - 1; i >= 0; i-- {
		f := files[i]
		data, err := os.ReadFile(f.path)
		if err != nil {
			continue
		}
		entries = append(entries, HistoryEntry{
			Payload:    data,
			CapturedAt: time.UnixMilli(f.stamp),
		})
	}
	return entries, nil
}

// Events walks the store and returns every event name that currently
// has a payload, sorted lexically.
func (s *Store) Events() ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() && d.Name() == HistoryDirName {
			return filepath.SkipDir
		}
		if !d.IsDir() && d.Name() == CurrentFile {
			if name, nerr := s.NameFromPath(path); nerr == nil {
				names = append(names, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// historyFile pairs a history file path with its timestamp and the
// same-millisecond collision sequence.
type historyFile struct {
	path  string
	stamp int64
	seq   int64
}

// historyFiles lists history files for an event directory, oldest first.
func (s *Store) historyFiles(dir string) ([]historyFile, error) {
	hd := filepath.Join(dir, HistoryDirName)
	entries, err := os.ReadDir(hd)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	var files []historyFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".json")
		stampPart, seqPart, _ := strings.Cut(base, "-")
		stamp, err := strconv.ParseInt(stampPart, 10, 64)
		if err != nil {
			continue
		}
		seq, _ := strconv.ParseInt(seqPart, 10, 64)
		files = append(files, historyFile{
			path:  filepath.Join(hd, e.Name()),
			stamp: stamp,
			seq:   seq,
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].stamp != files[j].stamp {
			return files[i].stamp < files[j].stamp
		}
		return files[i].seq < files[j].seq
	})
	return files, nil
}

// appendHistory writes a rotated payload as a timestamp-named history
// file, suffixing on same-millisecond collisions.
func (s *Store) appendHistory(dir string, payload []byte) error {
	hd := filepath.Join(dir, HistoryDirName)
	stamp := time.Now().UnixMilli()

	path := filepath.Join(hd, strconv.FormatInt(stamp, 10)+".json")
	for seq := 1; ; seq++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(hd, fmt.Sprintf("%d-%d.json", stamp, seq))
	}

	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write history entry: %w", err)
	}
	return nil
}

// trimHistory deletes the oldest history files beyond the cap.
func (s *Store) trimHistory(dir string) error {
	files, err := s.historyFiles(dir)
	if err != nil {
		return err
	}
	for len(files) > s.limit {
		if err := os.Remove(files[0].path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to trim history: %w", err)
		}
		files = files[1:]
	}
	return nil
}

// getLock returns the file lock for an event directory.
func (s *Store) getLock(dir string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[dir]
	if !ok {
		lock = NewFileLock(filepath.Join(dir, "event"))
		s.locks[dir] = lock
	}
	return lock
}
