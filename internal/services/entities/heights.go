package entities

import (
	"sort"
	"sync"
)

// HeightCache records measured row heights and derives scroll offsets from them.
// Offsets are computed lazily and only up to the highest index asked for.
type HeightCache struct {
	mu            sync.Mutex
	defaultHeight int
	total         int
	heights       map[int]int
	offsets       []int // offsets[i] is the top of row i; offsets[total] is the full height
	valid         int   // offsets[0:valid] are up to date
}

// NewHeightCache creates a cache for total rows
func NewHeightCache(total, defaultHeight int) *HeightCache {
	if defaultHeight <= 0 {
		defaultHeight = 48
	}
	h := &HeightCache{defaultHeight: defaultHeight}
	h.Reset(total)
	return h
}

// Reset drops every measurement and resizes the cache
func (h *HeightCache) Reset(total int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if total < 0 {
		total = 0
	}
	h.total = total
	h.heights = make(map[int]int)
	h.offsets = make([]int, total+1)
	h.valid = 1
}

// RecordHeight stores the measured height of a row.
// Offsets of every row after index are invalidated.
func (h *HeightCache) RecordHeight(index, px int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if index < 0 || index >= h.total || px < 0 {
		return false
	}
	if current, ok := h.heights[index]; ok && current == px {
		return false
	}
	h.heights[index] = px
	if h.valid > index+1 {
		h.valid = index + 1
	}
	return true
}

// Height returns the recorded height of a row, or the default
func (h *HeightCache) Height(index int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heightLocked(index)
}

func (h *HeightCache) heightLocked(index int) int {
	if px, ok := h.heights[index]; ok {
		return px
	}
	return h.defaultHeight
}

// Offset returns the top of row index
func (h *HeightCache) Offset(index int) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if index <= 0 {
		return 0
	}
	if index > h.total {
		index = h.total
	}
	h.computeTo(index)
	return h.offsets[index]
}

// TotalHeight returns the height of all rows
func (h *HeightCache) TotalHeight() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.computeTo(h.total)
	return h.offsets[h.total]
}

// IndexAtOffset returns the row covering the vertical position y
func (h *HeightCache) IndexAtOffset(y int) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.total == 0 || y <= 0 {
		return 0
	}
	h.computeTo(h.total)
	if y >= h.offsets[h.total] {
		return h.total - 1
	}

	// first row whose bottom is past y
	return sort.Search(h.total, func(i int) bool {
		return h.offsets[i+1] > y
	})
}

func (h *HeightCache) computeTo(index int) {
	for i := h.valid; i <= index; i++ {
		h.offsets[i] = h.offsets[i-1] + h.heightLocked(i-1)
	}
	if index+1 > h.valid {
		h.valid = index + 1
	}
}
