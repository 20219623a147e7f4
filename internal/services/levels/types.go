package levels

import (
	"context"
	"errors"
)

// Persister stores level assignments and file removals on the backend
type Persister interface {
	PersistLevels(ctx context.Context, sessionID string, levels map[string]string) error
	RemoveFile(ctx context.Context, sessionID, fileID string) error
}

var (
	// ErrUnknownFile is returned when an operation names a file the sequencer does not hold
	ErrUnknownFile = errors.New("unknown file")

	// ErrUnconfirmedFile is returned when a swap names a placeholder not yet confirmed by the backend
	ErrUnconfirmedFile = errors.New("file not confirmed by the server yet")

	// ErrDuplicateFile is returned when a placeholder is confirmed under an id that is already held
	ErrDuplicateFile = errors.New("file already present")

	// ErrAtBoundary is returned when moving the first file up or the last file down
	ErrAtBoundary = errors.New("file is already at the boundary")
)

// Base returns the lowest level for the given level-zero setting
func Base(levelZero bool) int {
	if levelZero {
		return 0
	}
	return 1
}

// IsFirst reports whether level is the lowest assignable level
func IsFirst(level int, levelZero bool) bool {
	return level == Base(levelZero)
}

// IsLast reports whether level is the highest level among total files
func IsLast(level, total int, levelZero bool) bool {
	if levelZero {
		return level == total-1
	}
	return level == total
}
