package levels

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPersister records calls and fails when told to
type mockPersister struct {
	mu         sync.Mutex
	persisted  []map[string]string
	removed    []string
	persistErr error
	removeErr  error

	// entered is signalled and gate awaited by PersistLevels when set
	entered chan struct{}
	gate    chan struct{}
}

func (m *mockPersister) PersistLevels(ctx context.Context, sessionID string, levels map[string]string) error {
	if m.gate != nil {
		m.entered <- struct{}{}
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistErr != nil {
		return m.persistErr
	}
	m.persisted = append(m.persisted, levels)
	return nil
}

func (m *mockPersister) RemoveFile(ctx context.Context, sessionID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	m.removed = append(m.removed, fileID)
	return nil
}

func TestAssignOnArrival(t *testing.T) {
	t.Run("Should number files from 1 without level zero", func(t *testing.T) {
		seq := NewSequencer("s1", &mockPersister{}, false)

		assert.Equal(t, "1", seq.AssignOnArrival("a"))
		assert.Equal(t, "2", seq.AssignOnArrival("b"))
		assert.Equal(t, "3", seq.AssignOnArrival("c"))
		assert.NoError(t, seq.Check())
	})

	t.Run("Should number files from 0 with level zero", func(t *testing.T) {
		seq := NewSequencer("s1", &mockPersister{}, true)

		assert.Equal(t, "0", seq.AssignOnArrival("a"))
		assert.Equal(t, "1", seq.AssignOnArrival("b"))
		assert.NoError(t, seq.Check())
	})

	t.Run("Should keep the level of a file that arrives twice", func(t *testing.T) {
		seq := NewSequencer("s1", &mockPersister{}, false)

		seq.AssignOnArrival("a")
		seq.AssignOnArrival("b")
		assert.Equal(t, "1", seq.AssignOnArrival("a"))
		assert.Equal(t, 2, seq.Count())
	})
}

func TestRemove(t *testing.T) {
	t.Run("Should renumber remaining files after removing the middle one", func(t *testing.T) {
		persister := &mockPersister{}
		seq := NewSequencer("s1", persister, false)
		seq.AssignOnArrival("a")
		seq.AssignOnArrival("b")
		seq.AssignOnArrival("c")

		require.NoError(t, seq.Remove(context.Background(), "b"))

		assert.Equal(t, map[string]string{"a": "1", "c": "2"}, seq.Levels())
		assert.Equal(t, []string{"b"}, persister.removed)
		assert.NoError(t, seq.Check())
	})

	t.Run("Should reject unknown files without a network call", func(t *testing.T) {
		persister := &mockPersister{}
		seq := NewSequencer("s1", persister, false)
		seq.AssignOnArrival("a")

		err := seq.Remove(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrUnknownFile)
		assert.Empty(t, persister.removed)
		assert.Equal(t, map[string]string{"a": "1"}, seq.Levels())
	})

	t.Run("Should keep the file when the backend refuses the removal", func(t *testing.T) {
		persister := &mockPersister{removeErr: errors.New("HTTP 500")}
		seq := NewSequencer("s1", persister, false)
		seq.AssignOnArrival("a")
		seq.AssignOnArrival("b")

		err := seq.Remove(context.Background(), "a")
		assert.Error(t, err)
		assert.Equal(t, map[string]string{"a": "1", "b": "2"}, seq.Levels())
		assert.False(t, seq.Files()[0].Removing)
	})

	t.Run("Should drop placeholders locally", func(t *testing.T) {
		persister := &mockPersister{}
		seq := NewSequencer("s1", persister, true)
		seq.AssignOnArrival("a")
		placeholder := seq.AddPlaceholder("rivers.zip", "application/zip")
		seq.AssignOnArrival("c")

		require.NoError(t, seq.Remove(context.Background(), placeholder.ID))
		assert.Empty(t, persister.removed)
		assert.Equal(t, map[string]string{"a": "0", "c": "1"}, seq.Levels())
	})
}

func TestSwap(t *testing.T) {
	setup := func(persister *mockPersister) *Sequencer {
		seq := NewSequencer("s1", persister, false)
		seq.AssignOnArrival("a")
		seq.AssignOnArrival("b")
		return seq
	}

	t.Run("Should exchange levels and persist only the two entries", func(t *testing.T) {
		persister := &mockPersister{}
		seq := setup(persister)
		seq.AssignOnArrival("c")

		require.NoError(t, seq.Swap(context.Background(), "a", "b"))

		assert.Equal(t, map[string]string{"a": "2", "b": "1", "c": "3"}, seq.Levels())
		require.Len(t, persister.persisted, 1)
		assert.Equal(t, map[string]string{"a": "2", "b": "1"}, persister.persisted[0])
	})

	t.Run("Should roll back when persisting fails", func(t *testing.T) {
		persister := &mockPersister{persistErr: errors.New("network down")}
		seq := setup(persister)

		err := seq.Swap(context.Background(), "a", "b")
		assert.Error(t, err)
		assert.Equal(t, map[string]string{"a": "1", "b": "2"}, seq.Levels())
	})

	t.Run("Should be an involution", func(t *testing.T) {
		seq := setup(&mockPersister{})
		before := seq.Levels()

		require.NoError(t, seq.Swap(context.Background(), "a", "b"))
		require.NoError(t, seq.Swap(context.Background(), "a", "b"))
		assert.Equal(t, before, seq.Levels())
	})

	t.Run("Should reject placeholders and unknown ids", func(t *testing.T) {
		persister := &mockPersister{}
		seq := setup(persister)
		placeholder := seq.AddPlaceholder("roads.geojson", "application/geo+json")

		assert.ErrorIs(t, seq.Swap(context.Background(), "a", placeholder.ID), ErrUnconfirmedFile)
		assert.ErrorIs(t, seq.Swap(context.Background(), "a", "zzz"), ErrUnknownFile)
		assert.Empty(t, persister.persisted)
		assert.NoError(t, seq.Check())
	})

	t.Run("Should allow swapping a confirmed placeholder", func(t *testing.T) {
		seq := setup(&mockPersister{})
		placeholder := seq.AddPlaceholder("roads.geojson", "application/geo+json")
		require.NoError(t, seq.Confirm(placeholder.ID, "server-3"))

		require.NoError(t, seq.Swap(context.Background(), "a", "server-3"))
		level, ok := seq.Level("server-3")
		require.True(t, ok)
		assert.Equal(t, "1", level)
	})
}

func TestMove(t *testing.T) {
	t.Run("Should move files between neighbours and stop at the bounds", func(t *testing.T) {
		seq := NewSequencer("s1", &mockPersister{}, true)
		seq.AssignOnArrival("a")
		seq.AssignOnArrival("b")
		seq.AssignOnArrival("c")

		assert.ErrorIs(t, seq.MoveUp(context.Background(), "a"), ErrAtBoundary)
		assert.ErrorIs(t, seq.MoveDown(context.Background(), "c"), ErrAtBoundary)

		require.NoError(t, seq.MoveDown(context.Background(), "a"))
		assert.Equal(t, map[string]string{"a": "1", "b": "0", "c": "2"}, seq.Levels())

		require.NoError(t, seq.MoveUp(context.Background(), "c"))
		files := seq.Files()
		require.Len(t, files, 3)
		assert.Equal(t, []string{"b", "c", "a"}, []string{files[0].ID, files[1].ID, files[2].ID})
	})
}

func TestSetLevelZero(t *testing.T) {
	t.Run("Should shift every level and persist confirmed files", func(t *testing.T) {
		persister := &mockPersister{}
		seq := NewSequencer("s1", persister, false)
		seq.AssignOnArrival("a")
		seq.AssignOnArrival("b")

		require.NoError(t, seq.SetLevelZero(context.Background(), true))
		assert.Equal(t, map[string]string{"a": "0", "b": "1"}, seq.Levels())
		assert.True(t, seq.LevelZero())
		require.Len(t, persister.persisted, 1)
	})

	t.Run("Should restore the numbering when persisting fails", func(t *testing.T) {
		seq := NewSequencer("s1", &mockPersister{persistErr: errors.New("boom")}, false)
		seq.AssignOnArrival("a")

		assert.Error(t, seq.SetLevelZero(context.Background(), true))
		assert.Equal(t, map[string]string{"a": "1"}, seq.Levels())
		assert.False(t, seq.LevelZero())
	})

	t.Run("Should keep levels unique when files arrive during a failed switch", func(t *testing.T) {
		persister := &mockPersister{
			persistErr: errors.New("boom"),
			entered:    make(chan struct{}),
			gate:       make(chan struct{}),
		}
		seq := NewSequencer("s1", persister, false)
		seq.AssignOnArrival("a")
		seq.AssignOnArrival("b")
		placeholder := seq.AddPlaceholder("rivers.geojson", "application/geo+json")

		errCh := make(chan error, 1)
		go func() { errCh <- seq.SetLevelZero(context.Background(), true) }()

		<-persister.entered
		seq.AssignOnArrival("c")
		require.NoError(t, seq.Confirm(placeholder.ID, "d"))
		close(persister.gate)

		assert.Error(t, <-errCh)
		assert.False(t, seq.LevelZero())
		assert.NoError(t, seq.Check())
		assert.Equal(t, map[string]string{"a": "1", "b": "2", "d": "3", "c": "4"}, seq.Levels())
	})

	t.Run("Should number files arriving during a successful switch from the new base", func(t *testing.T) {
		persister := &mockPersister{
			entered: make(chan struct{}),
			gate:    make(chan struct{}),
		}
		seq := NewSequencer("s1", persister, false)
		seq.AssignOnArrival("a")

		errCh := make(chan error, 1)
		go func() { errCh <- seq.SetLevelZero(context.Background(), true) }()

		<-persister.entered
		assert.Equal(t, "1", seq.AssignOnArrival("b"))
		close(persister.gate)

		require.NoError(t, <-errCh)
		assert.NoError(t, seq.Check())
		assert.Equal(t, map[string]string{"a": "0", "b": "1"}, seq.Levels())
	})
}

func TestBoundaryPredicates(t *testing.T) {
	assert.True(t, IsFirst(0, true))
	assert.False(t, IsFirst(0, false))
	assert.True(t, IsFirst(1, false))

	assert.True(t, IsLast(2, 3, true))
	assert.True(t, IsLast(3, 3, false))
	assert.False(t, IsLast(2, 3, false))
}

func TestDenseInvariantUnderRandomEdits(t *testing.T) {
	for _, levelZero := range []bool{false, true} {
		t.Run(fmt.Sprintf("Should stay dense with levelZero=%v", levelZero), func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			seq := NewSequencer("s1", &mockPersister{}, levelZero)
			var ids []string

			for i := 0; i < 200; i++ {
				if len(ids) == 0 || rng.Intn(3) > 0 {
					id := fmt.Sprintf("f%d", i)
					seq.AssignOnArrival(id)
					ids = append(ids, id)
				} else {
					k := rng.Intn(len(ids))
					require.NoError(t, seq.Remove(context.Background(), ids[k]))
					ids = append(ids[:k], ids[k+1:]...)
				}
				require.NoError(t, seq.Check())
				require.Equal(t, len(ids), seq.Count())
			}
		})
	}
}
