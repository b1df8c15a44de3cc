package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Delimiter separates the segments of an event name.
const Delimiter = ":"

// ErrInvalidName indicates an event name that cannot be mapped to a
// storage location.
var ErrInvalidName = errors.New("invalid event name")

// ValidateName checks that a name is a non-empty sequence of non-empty
// segments, none of which could escape the store root when used as a
// directory component.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	for _, seg := range strings.Split(name, Delimiter) {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidName, name)
		}
		if strings.ContainsAny(seg, `/\`) || seg == "." || seg == ".." {
			return fmt.Errorf("%w: segment %q in %q", ErrInvalidName, seg, name)
		}
	}
	return nil
}

// eventDir maps an event name to its directory under root. The mapping
// is a bijection: identical segment sequences always land in the same
// directory, and NameFromPath inverts it.
func (s *Store) eventDir(name string) string {
	parts := append([]string{s.root}, strings.Split(name, Delimiter)...)
	return filepath.Join(parts...)
}

// CurrentPath returns the path of the current-payload file for an event.
func (s *Store) CurrentPath(name string) string {
	return filepath.Join(s.eventDir(name), CurrentFile)
}

// NameFromPath derives the event name for a path inside the store root.
// The path may point at the current-payload file, a history file, or the
// event directory itself. Returns an error for paths outside the root or
// for the root itself.
func (s *Store) NameFromPath(path string) (string, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidName, path)
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s is outside the store", ErrInvalidName, path)
	}

	segs := strings.Split(filepath.ToSlash(rel), "/")
	if last := segs[len(segs)-1]; last == CurrentFile {
		segs = segs[:len(segs)-1]
	} else if len(segs) >= 2 && segs[len(segs)-2] == HistoryDirName {
		segs = segs[:len(segs)-2]
	}
	if len(segs) == 0 {
		return "", fmt.Errorf("%w: %s maps to the store root", ErrInvalidName, path)
	}

	name := strings.Join(segs, Delimiter)
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
