package entities

import (
	"sort"
	"sync"
)

// Selection tracks checked rows by their remote id, independently of what is loaded.
// It only changes through user calls; refreshing the known ids never touches it.
type Selection struct {
	mu       sync.RWMutex
	known    []int64
	selected map[int64]struct{}
}

// NewSelection creates an empty selection
func NewSelection() *Selection {
	return &Selection{selected: make(map[int64]struct{})}
}

// SetKnown replaces the full ordered id list used by SelectAll
func (s *Selection) SetKnown(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known = append([]int64(nil), ids...)
}

// Toggle flips one id and returns whether it is now selected
func (s *Selection) Toggle(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.selected[id]; ok {
		delete(s.selected, id)
		return false
	}
	s.selected[id] = struct{}{}
	return true
}

// Set selects or deselects one id
func (s *Selection) Set(id int64, selected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if selected {
		s.selected[id] = struct{}{}
	} else {
		delete(s.selected, id)
	}
}

// SelectAll selects every known id, loaded or not
func (s *Selection) SelectAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.known {
		s.selected[id] = struct{}{}
	}
	return len(s.selected)
}

// Clear deselects everything
func (s *Selection) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = make(map[int64]struct{})
}

// IsSelected reports whether id is selected
func (s *Selection) IsSelected(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.selected[id]
	return ok
}

// Count returns the number of selected ids
func (s *Selection) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.selected)
}

// AllSelected reports whether every known id is selected
func (s *Selection) AllSelected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.known) == 0 {
		return false
	}
	for _, id := range s.known {
		if _, ok := s.selected[id]; !ok {
			return false
		}
	}
	return true
}

// Selected returns the selected ids in known order, followed by any unknown ids in ascending order
func (s *Selection) Selected() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int64, 0, len(s.selected))
	inKnown := make(map[int64]struct{}, len(s.known))
	for _, id := range s.known {
		inKnown[id] = struct{}{}
		if _, ok := s.selected[id]; ok {
			out = append(out, id)
		}
	}

	var extra []int64
	for id := range s.selected {
		if _, ok := inKnown[id]; !ok {
			extra = append(extra, id)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}
