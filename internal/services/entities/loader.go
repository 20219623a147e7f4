// Package entities loads a session's entity list into a fixed-size, index-addressed buffer.
package entities

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"geoimport-desktop/internal/logger"
	"geoimport-desktop/internal/models"
)

// Source serves entity pages and the ids-only index
type Source interface {
	EntityPage(ctx context.Context, sessionID string, start, stop int) ([]models.EntityRow, error)
	EntityIDs(ctx context.Context, sessionID string) (*models.EntityIndex, error)
}

var (
	// ErrStaleRange is returned when the buffer was re-initialised while a page was in flight
	ErrStaleRange = errors.New("buffer was reset while the range was loading")

	// ErrOutOfRange is returned for indices outside the buffer
	ErrOutOfRange = errors.New("index out of range")

	// ErrNotLoaded is returned when editing a row whose page has not arrived
	ErrNotLoaded = errors.New("row not loaded")
)

// Range is an inclusive span of buffer indices
type Range struct {
	Start int `json:"start"`
	Stop  int `json:"stop"`
}

// Loader owns the entity buffer of one session.
//
// The buffer length is fixed by Init; pages only overwrite slots. Rows the user has
// edited are never overwritten by a later page.
type Loader struct {
	sessionID string
	source    Source
	heights   *HeightCache
	selection *Selection

	mu     sync.RWMutex
	gen    uint64
	rows   []models.EntityRow
	edited []bool
	index  *models.EntityIndex
}

// NewLoader creates a loader with an empty buffer
func NewLoader(sessionID string, source Source, defaultRowHeight int) *Loader {
	return &Loader{
		sessionID: sessionID,
		source:    source,
		heights:   NewHeightCache(0, defaultRowHeight),
		selection: NewSelection(),
	}
}

// Heights returns the row height cache
func (l *Loader) Heights() *HeightCache { return l.heights }

// Selection returns the row selection
func (l *Loader) Selection() *Selection { return l.selection }

// Init allocates total unloaded placeholders, discarding the previous buffer
func (l *Loader) Init(total int) {
	if total < 0 {
		total = 0
	}

	l.mu.Lock()
	l.gen++
	l.rows = make([]models.EntityRow, total)
	for i := range l.rows {
		l.rows[i].Index = i
	}
	l.edited = make([]bool, total)
	l.mu.Unlock()

	l.heights.Reset(total)
	logger.Debug("Entity buffer for session %s initialised with %d rows", l.sessionID, total)
}

// Refresh fetches the ids-only index and re-initialises the buffer to its total.
// The selection keeps whatever the user had checked.
func (l *Loader) Refresh(ctx context.Context) (*models.EntityIndex, error) {
	index, err := l.source.EntityIDs(ctx, l.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entity index: %w", err)
	}

	l.Init(index.Total)
	l.mu.Lock()
	l.index = index
	l.mu.Unlock()
	l.selection.SetKnown(index.IDs)

	logger.Info("Session %s has %d entities", l.sessionID, index.Total)
	return index, nil
}

// Index returns the last fetched ids-only index, or nil
func (l *Loader) Index() *models.EntityIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index
}

// Len returns the buffer length
func (l *Loader) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rows)
}

// Empty reports whether there is nothing to load
func (l *Loader) Empty() bool {
	return l.Len() == 0
}

// IsRangeLoaded reports whether every row in start..stop is loaded.
// The range is clipped to the buffer; an empty range is loaded.
func (l *Loader) IsRangeLoaded(start, stop int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start, stop = clip(start, stop, len(l.rows))
	for i := start; i <= stop; i++ {
		if !l.rows[i].Loaded {
			return false
		}
	}
	return true
}

// LoadRange requests start..stop in one call and splices the returned rows from start.
// It returns the number of rows written. A short page leaves the trailing slots unloaded.
func (l *Loader) LoadRange(ctx context.Context, start, stop int) (int, error) {
	l.mu.RLock()
	gen := l.gen
	size := len(l.rows)
	l.mu.RUnlock()

	if start < 0 || start >= size || stop < start {
		return 0, fmt.Errorf("%w: %d..%d of %d", ErrOutOfRange, start, stop, size)
	}
	if stop >= size {
		stop = size - 1
	}

	results, err := l.source.EntityPage(ctx, l.sessionID, start, stop)
	if err != nil {
		return 0, fmt.Errorf("failed to load entities %d..%d: %w", start, stop, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.gen {
		logger.Debug("Discarding entities %d..%d from a previous buffer", start, stop)
		return 0, ErrStaleRange
	}

	written := 0
	for i, row := range results {
		idx := start + i
		if idx > stop {
			break
		}
		current := &l.rows[idx]
		if l.edited[idx] {
			continue
		}
		if current.Loaded && current.ID != row.ID {
			logger.Warn("Entity slot %d already holds id %d, ignoring id %d", idx, current.ID, row.ID)
			continue
		}
		row.Loaded = true
		row.Index = idx
		*current = row
		written++
	}

	if len(results) < stop-start+1 {
		logger.Debug("Short page for entities %d..%d: %d rows", start, stop, len(results))
	}
	return written, nil
}

// PendingRanges splits the unloaded rows of start..stop into runs of at most batch rows
func (l *Loader) PendingRanges(start, stop, batch int) []Range {
	if batch <= 0 {
		batch = 100
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	start, stop = clip(start, stop, len(l.rows))
	var ranges []Range
	for i := start; i <= stop; i++ {
		if l.rows[i].Loaded {
			continue
		}
		n := len(ranges)
		if n > 0 && ranges[n-1].Stop == i-1 && ranges[n-1].Stop-ranges[n-1].Start+1 < batch {
			ranges[n-1].Stop = i
			continue
		}
		ranges = append(ranges, Range{Start: i, Stop: i})
	}
	return ranges
}

// Row returns a copy of one row
func (l *Loader) Row(index int) (models.EntityRow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index < 0 || index >= len(l.rows) {
		return models.EntityRow{}, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	return copyRow(l.rows[index]), nil
}

// Rows returns copies of the rows in start..stop, clipped to the buffer
func (l *Loader) Rows(start, stop int) []models.EntityRow {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start, stop = clip(start, stop, len(l.rows))
	if stop < start {
		return []models.EntityRow{}
	}
	out := make([]models.EntityRow, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		out = append(out, copyRow(l.rows[i]))
	}
	return out
}

// LoadedCount returns how many rows are loaded
func (l *Loader) LoadedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for i := range l.rows {
		if l.rows[i].Loaded {
			n++
		}
	}
	return n
}

// UpdateRow applies a user edit to a loaded row. The row keeps its id and index.
func (l *Loader) UpdateRow(index int, fn func(*models.EntityRow)) (models.EntityRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.rows) {
		return models.EntityRow{}, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	row := &l.rows[index]
	if !row.Loaded {
		return models.EntityRow{}, fmt.Errorf("%w: %d", ErrNotLoaded, index)
	}

	id := row.ID
	fn(row)
	row.ID = id
	row.Index = index
	row.Loaded = true
	l.edited[index] = true
	return copyRow(*row), nil
}

// clip narrows start..stop to a buffer of size n. The result is empty when stop < start.
func clip(start, stop, n int) (int, int) {
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

func copyRow(row models.EntityRow) models.EntityRow {
	if row.AdminLevelNames != nil {
		names := make(map[string]string, len(row.AdminLevelNames))
		for k, v := range row.AdminLevelNames {
			names[k] = v
		}
		row.AdminLevelNames = names
	}
	if row.MaxLevel != nil {
		level := *row.MaxLevel
		row.MaxLevel = &level
	}
	return row
}
