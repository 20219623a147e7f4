// Package levels keeps the level numbers of uploaded layer files dense and in sync with the backend.
package levels

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"geoimport-desktop/internal/logger"
	"geoimport-desktop/internal/models"
)

type entry struct {
	file  models.UploadedFile
	level int
}

// Sequencer owns the level map of one upload step.
//
// Levels always form base..base+N-1 where base is 0 with level zero enabled and 1 otherwise.
// Mutations that reach the backend are serialized; reads never wait on the network.
type Sequencer struct {
	sessionID string
	persister Persister

	opMu sync.Mutex // held for the whole of a mutation, including its network call

	mu        sync.RWMutex
	levelZero bool
	files     map[string]*entry
}

// NewSequencer creates an empty sequencer for a session
func NewSequencer(sessionID string, persister Persister, levelZero bool) *Sequencer {
	return &Sequencer{
		sessionID: sessionID,
		persister: persister,
		levelZero: levelZero,
		files:     make(map[string]*entry),
	}
}

// AssignOnArrival gives a newly uploaded file the next free level and returns it.
// A file that already holds a level keeps it.
func (s *Sequencer) AssignOnArrival(fileID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.files[fileID]; ok {
		return strconv.Itoa(e.level)
	}

	level := Base(s.levelZero) + len(s.files)
	s.files[fileID] = &entry{
		file:  models.UploadedFile{ID: fileID, Progress: 100, Confirmed: true},
		level: level,
	}
	logger.Debug("File %s assigned level %d", fileID, level)
	return strconv.Itoa(level)
}

// Describe sets the display attributes of a held file
func (s *Sequencer) Describe(fileID, name, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.files[fileID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	e.file.Name = name
	e.file.ContentType = contentType
	return nil
}

// AddPlaceholder reserves a level for a file that is still uploading
func (s *Sequencer) AddPlaceholder(name, contentType string) models.UploadedFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{
		file: models.UploadedFile{
			ID:          uuid.New().String(),
			Name:        name,
			ContentType: contentType,
		},
		level: Base(s.levelZero) + len(s.files),
	}
	s.files[e.file.ID] = e
	return e.snapshot()
}

// SetProgress records the upload percentage of a file
func (s *Sequencer) SetProgress(fileID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.files[fileID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	e.file.Progress = progress
	return nil
}

// Confirm re-keys a placeholder to the id issued by the server, keeping its level
func (s *Sequencer) Confirm(placeholderID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.files[placeholderID]
	if !ok || e.file.Confirmed {
		return fmt.Errorf("%w: placeholder %s", ErrUnknownFile, placeholderID)
	}
	if _, exists := s.files[fileID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFile, fileID)
	}

	delete(s.files, placeholderID)
	e.file.ID = fileID
	e.file.Confirmed = true
	e.file.Progress = 100
	s.files[fileID] = e
	return nil
}

// Swap exchanges the levels of two confirmed files and persists exactly those two entries.
// If persisting fails the previous levels are restored and the error returned.
func (s *Sequencer) Swap(ctx context.Context, aID, bID string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.swap(ctx, aID, bID)
}

func (s *Sequencer) swap(ctx context.Context, aID, bID string) error {
	s.mu.Lock()
	a, b, err := s.confirmedPair(aID, bID)
	if err != nil {
		s.mu.Unlock()
		logger.Warn("Rejected level swap %s <-> %s: %v", aID, bID, err)
		return err
	}
	if aID == bID {
		s.mu.Unlock()
		return nil
	}

	a.level, b.level = b.level, a.level
	payload := map[string]string{
		aID: strconv.Itoa(a.level),
		bID: strconv.Itoa(b.level),
	}
	s.mu.Unlock()

	if err := s.persister.PersistLevels(ctx, s.sessionID, payload); err != nil {
		s.mu.Lock()
		a.level, b.level = b.level, a.level
		s.mu.Unlock()
		logger.Warn("Level swap %s <-> %s rolled back: %v", aID, bID, err)
		return fmt.Errorf("failed to persist levels: %w", err)
	}

	logger.Info("Swapped levels of %s and %s", aID, bID)
	s.verify("swap")
	return nil
}

func (s *Sequencer) confirmedPair(aID, bID string) (*entry, *entry, error) {
	a, ok := s.files[aID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownFile, aID)
	}
	b, ok := s.files[bID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownFile, bID)
	}
	if !a.file.Confirmed {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnconfirmedFile, aID)
	}
	if !b.file.Confirmed {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnconfirmedFile, bID)
	}
	return a, b, nil
}

// MoveUp swaps a file with the one directly above it
func (s *Sequencer) MoveUp(ctx context.Context, fileID string) error {
	return s.move(ctx, fileID, -1)
}

// MoveDown swaps a file with the one directly below it
func (s *Sequencer) MoveDown(ctx context.Context, fileID string) error {
	return s.move(ctx, fileID, 1)
}

func (s *Sequencer) move(ctx context.Context, fileID string, delta int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	e, ok := s.files[fileID]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	if (delta < 0 && IsFirst(e.level, s.levelZero)) || (delta > 0 && IsLast(e.level, len(s.files), s.levelZero)) {
		s.mu.RUnlock()
		return ErrAtBoundary
	}
	neighbour := s.idAt(e.level + delta)
	s.mu.RUnlock()

	return s.swap(ctx, fileID, neighbour)
}

func (s *Sequencer) idAt(level int) string {
	for id, e := range s.files {
		if e.level == level {
			return id
		}
	}
	return ""
}

// Remove deletes a file and renumbers the remaining ones in their current order.
// Confirmed files are removed on the backend first; placeholders only locally.
func (s *Sequencer) Remove(ctx context.Context, fileID string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	e, ok := s.files[fileID]
	if !ok {
		s.mu.Unlock()
		logger.Warn("Rejected removal of unknown file %s", fileID)
		return fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	confirmed := e.file.Confirmed
	e.file.Removing = true
	s.mu.Unlock()

	if confirmed {
		if err := s.persister.RemoveFile(ctx, s.sessionID, fileID); err != nil {
			s.mu.Lock()
			e.file.Removing = false
			s.mu.Unlock()
			return fmt.Errorf("failed to remove file %s: %w", fileID, err)
		}
	}

	s.mu.Lock()
	delete(s.files, fileID)
	s.renumber()
	s.mu.Unlock()

	logger.Info("Removed file %s, %d files remain", fileID, s.Count())
	s.verify("remove")
	return nil
}

// SetLevelZero switches the base level and renumbers every file. The new levels of
// confirmed files are persisted; on failure the previous numbering is restored.
func (s *Sequencer) SetLevelZero(ctx context.Context, enabled bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.levelZero == enabled {
		s.mu.Unlock()
		return nil
	}
	previous := make(map[*entry]int, len(s.files))
	for _, e := range s.files {
		previous[e] = e.level
	}
	s.levelZero = enabled
	s.renumber()

	payload := make(map[string]string)
	for id, e := range s.files {
		if e.file.Confirmed {
			payload[id] = strconv.Itoa(e.level)
		}
	}
	s.mu.Unlock()

	if len(payload) == 0 {
		return nil
	}

	if err := s.persister.PersistLevels(ctx, s.sessionID, payload); err != nil {
		s.mu.Lock()
		s.levelZero = !enabled
		// files that arrived during the call go after the restored ones
		above := 2*len(s.files) + 1
		for _, e := range s.files {
			if level, ok := previous[e]; ok {
				e.level = level
			} else {
				e.level += above
			}
		}
		s.renumber()
		s.mu.Unlock()
		s.verify("level zero rollback")
		return fmt.Errorf("failed to persist levels: %w", err)
	}
	s.verify("level zero")
	return nil
}

// verify logs a broken level map; it only runs when debug logging is on
func (s *Sequencer) verify(op string) {
	if !logger.Default.Enabled(logger.LevelDebug) {
		return
	}
	if err := s.Check(); err != nil {
		logger.Debug("Level map of session %s inconsistent after %s: %v", s.sessionID, op, err)
	}
}

// renumber assigns base.. in ascending current-level order. Caller holds mu.
func (s *Sequencer) renumber() {
	ordered := s.orderedLocked()
	base := Base(s.levelZero)
	for i, e := range ordered {
		e.level = base + i
	}
}

func (s *Sequencer) orderedLocked() []*entry {
	ordered := make([]*entry, 0, len(s.files))
	for _, e := range s.files {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].level != ordered[j].level {
			return ordered[i].level < ordered[j].level
		}
		return ordered[i].file.ID < ordered[j].file.ID
	})
	return ordered
}

// LevelZero reports whether level 0 is reserved
func (s *Sequencer) LevelZero() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.levelZero
}

// Count returns the number of held files
func (s *Sequencer) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// Level returns the level of a file
func (s *Sequencer) Level(fileID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.files[fileID]
	if !ok {
		return "", false
	}
	return strconv.Itoa(e.level), true
}

// Levels returns a copy of the level map
func (s *Sequencer) Levels() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.files))
	for id, e := range s.files {
		out[id] = strconv.Itoa(e.level)
	}
	return out
}

// Files returns the held files ordered by level
func (s *Sequencer) Files() []models.UploadedFile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := s.orderedLocked()
	out := make([]models.UploadedFile, len(ordered))
	for i, e := range ordered {
		out[i] = e.snapshot()
	}
	return out
}

// Check verifies that levels are dense and unique
func (s *Sequencer) Check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	base := Base(s.levelZero)
	seen := make(map[int]string, len(s.files))
	for id, e := range s.files {
		if e.level < base || e.level >= base+len(s.files) {
			return fmt.Errorf("file %s has level %d outside %d..%d", id, e.level, base, base+len(s.files)-1)
		}
		if other, dup := seen[e.level]; dup {
			return fmt.Errorf("files %s and %s share level %d", other, id, e.level)
		}
		seen[e.level] = id
	}
	return nil
}

func (e *entry) snapshot() models.UploadedFile {
	f := e.file
	f.Level = strconv.Itoa(e.level)
	return f
}
