package actions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoimport-desktop/internal/models"
)

type scriptedResponse struct {
	status *models.ActionStatus
	err    error
}

// scriptedSource replays responses in order and repeats the last one
type scriptedSource struct {
	mu        sync.Mutex
	responses []scriptedResponse
	calls     int
	tokens    []string

	inFlight    int32
	maxInFlight int32
}

func (s *scriptedSource) ActionStatus(ctx context.Context, sessionID, token string) (*models.ActionStatus, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&s.maxInFlight)
		if n <= peak || atomic.CompareAndSwapInt32(&s.maxInFlight, peak, n) {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	s.tokens = append(s.tokens, token)
	return s.responses[i].status, s.responses[i].err
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func running(progress string) scriptedResponse {
	return scriptedResponse{status: &models.ActionStatus{Status: models.ActionRunning, Progress: progress}}
}

func done(valid bool, message string) scriptedResponse {
	return scriptedResponse{status: &models.ActionStatus{
		Status: models.ActionDone,
		Result: &models.ActionResult{IsValid: valid, Error: message},
	}}
}

// recorder collects callbacks
type recorder struct {
	mu        sync.Mutex
	successes []Success
	failures  []*Failure
	progress  []string
	terminal  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{terminal: make(chan struct{}, 10)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnSuccess: func(s Success) {
			r.mu.Lock()
			r.successes = append(r.successes, s)
			r.mu.Unlock()
			r.terminal <- struct{}{}
		},
		OnError: func(f *Failure) {
			r.mu.Lock()
			r.failures = append(r.failures, f)
			r.mu.Unlock()
			r.terminal <- struct{}{}
		},
		OnProgress: func(token, progress string) {
			r.mu.Lock()
			r.progress = append(r.progress, progress)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-r.terminal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a terminal callback")
	}
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes), len(r.failures)
}

func TestTrackerReportsValidationFailure(t *testing.T) {
	t.Run("Should fire exactly one error callback after three running polls", func(t *testing.T) {
		source := &scriptedSource{responses: []scriptedResponse{
			running("1/3"), running("2/3"), running("3/3"), done(false, "X"),
		}}
		rec := newRecorder()
		tracker := NewTracker(source, Interval(time.Millisecond), rec.callbacks())

		require.True(t, tracker.Track("tok-1", "session-1"))
		rec.waitTerminal(t)

		// give a stray extra tick a chance to show up
		time.Sleep(20 * time.Millisecond)

		successes, failures := rec.counts()
		assert.Equal(t, 0, successes)
		require.Equal(t, 1, failures)
		assert.Equal(t, "X", rec.failures[0].Message)
		assert.Equal(t, FailureValidation, rec.failures[0].Kind)
		assert.Equal(t, "tok-1", rec.failures[0].Token)
		assert.Equal(t, []string{"1/3", "2/3", "3/3"}, rec.progress)

		assert.Equal(t, 4, source.callCount())
		assert.Equal(t, StateIdle, tracker.State())
		assert.Equal(t, "", tracker.Token())

		snap := tracker.Snapshot()
		require.NotNil(t, snap.Last)
		assert.Equal(t, StateFailed, snap.Last.State)
		assert.Equal(t, 4, snap.Last.Polls)
	})
}

func TestTrackerReportsSuccess(t *testing.T) {
	t.Run("Should fire the success callback once with the result", func(t *testing.T) {
		source := &scriptedSource{responses: []scriptedResponse{running(""), done(true, "")}}
		rec := newRecorder()
		tracker := NewTracker(source, Interval(time.Millisecond), rec.callbacks())

		tracker.Track("tok-ok", "session-1")
		rec.waitTerminal(t)

		successes, failures := rec.counts()
		assert.Equal(t, 1, successes)
		assert.Equal(t, 0, failures)
		assert.True(t, rec.successes[0].Result.IsValid)
		assert.Equal(t, "session-1", rec.successes[0].SessionID)
		assert.False(t, tracker.IsPolling())
	})
}

func TestTrackerTransportFailure(t *testing.T) {
	t.Run("Should stop at the first transport error without retrying", func(t *testing.T) {
		boom := errors.New("connection refused")
		source := &scriptedSource{responses: []scriptedResponse{running(""), {err: boom}}}
		rec := newRecorder()
		tracker := NewTracker(source, Interval(time.Millisecond), rec.callbacks())

		tracker.Track("tok-net", "session-1")
		rec.waitTerminal(t)
		time.Sleep(20 * time.Millisecond)

		_, failures := rec.counts()
		require.Equal(t, 1, failures)
		assert.Equal(t, FailureTransport, rec.failures[0].Kind)
		assert.ErrorIs(t, rec.failures[0], boom)
		assert.Equal(t, 2, source.callCount())
	})

	t.Run("Should treat an unknown status as a failure", func(t *testing.T) {
		source := &scriptedSource{responses: []scriptedResponse{
			{status: &models.ActionStatus{Status: "exploded"}},
		}}
		rec := newRecorder()
		tracker := NewTracker(source, Interval(time.Millisecond), rec.callbacks())

		tracker.Track("tok-odd", "session-1")
		rec.waitTerminal(t)

		_, failures := rec.counts()
		require.Equal(t, 1, failures)
		assert.Contains(t, rec.failures[0].Message, "exploded")
	})
}

func TestTrackerReset(t *testing.T) {
	t.Run("Should cancel polling and invoke no callbacks", func(t *testing.T) {
		source := &scriptedSource{responses: []scriptedResponse{running("")}}
		rec := newRecorder()
		tracker := NewTracker(source, Interval(5*time.Millisecond), rec.callbacks())

		tracker.Track("tok-1", "session-1")
		require.Eventually(t, func() bool { return source.callCount() >= 2 }, time.Second, time.Millisecond)

		tracker.Reset()
		assert.Equal(t, StateIdle, tracker.State())

		calls := source.callCount()
		time.Sleep(50 * time.Millisecond)
		assert.LessOrEqual(t, source.callCount(), calls+1, "at most the tick already in flight")

		successes, failures := rec.counts()
		assert.Equal(t, 0, successes)
		assert.Equal(t, 0, failures)
	})

	t.Run("Should allow tracking an unrelated action afterwards", func(t *testing.T) {
		source := &scriptedSource{responses: []scriptedResponse{done(true, "")}}
		rec := newRecorder()
		tracker := NewTracker(source, Interval(time.Millisecond), rec.callbacks())

		tracker.Track("tok-a", "session-1")
		rec.waitTerminal(t)
		tracker.Reset()

		require.True(t, tracker.Track("tok-b", "session-1"))
		rec.waitTerminal(t)

		successes, _ := rec.counts()
		assert.Equal(t, 2, successes)
		assert.Equal(t, "tok-b", rec.successes[1].Token)
	})
}

func TestTrackerTokenHandling(t *testing.T) {
	t.Run("Should ignore empty tokens", func(t *testing.T) {
		tracker := NewTracker(&scriptedSource{responses: []scriptedResponse{running("")}}, Interval(time.Millisecond), Callbacks{})
		assert.False(t, tracker.Track("", "session-1"))
		assert.Equal(t, StateIdle, tracker.State())
	})

	t.Run("Should ignore the token already in flight", func(t *testing.T) {
		source := &scriptedSource{responses: []scriptedResponse{running("")}}
		tracker := NewTracker(source, Interval(time.Hour), Callbacks{})
		defer tracker.Reset()

		assert.True(t, tracker.Track("tok-1", "session-1"))
		assert.False(t, tracker.Track("tok-1", "session-1"))
		assert.Equal(t, "tok-1", tracker.Token())
	})

	t.Run("Should replace a different in-flight token", func(t *testing.T) {
		source := &scriptedSource{responses: []scriptedResponse{running("")}}
		rec := newRecorder()
		tracker := NewTracker(source, Interval(time.Hour), rec.callbacks())
		defer tracker.Reset()

		tracker.Track("tok-old", "session-1")
		require.Eventually(t, func() bool { return source.callCount() == 1 }, time.Second, time.Millisecond)

		assert.True(t, tracker.Track("tok-new", "session-1"))
		assert.Equal(t, "tok-new", tracker.Token())
		require.Eventually(t, func() bool { return source.callCount() == 2 }, time.Second, time.Millisecond)
		assert.Equal(t, "tok-new", source.tokens[1])
	})

	t.Run("Should never have more than one request outstanding", func(t *testing.T) {
		source := &scriptedSource{responses: []scriptedResponse{
			running(""), running(""), running(""), running(""), done(true, ""),
		}}
		rec := newRecorder()
		tracker := NewTracker(source, Interval(time.Microsecond), rec.callbacks())

		tracker.Track("tok-1", "session-1")
		rec.waitTerminal(t)

		assert.Equal(t, int32(1), atomic.LoadInt32(&source.maxInFlight))
	})
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Should parse @every descriptors", func(t *testing.T) {
		schedule, err := ParseSchedule("@every 3s")
		require.NoError(t, err)
		assert.Equal(t, base.Add(3*time.Second), schedule.Next(base))
	})

	t.Run("Should parse plain durations with sub-second precision", func(t *testing.T) {
		schedule, err := ParseSchedule("250ms")
		require.NoError(t, err)
		assert.Equal(t, base.Add(250*time.Millisecond), schedule.Next(base))
	})

	t.Run("Should parse six-field cron expressions", func(t *testing.T) {
		schedule, err := ParseSchedule("*/5 * * * * *")
		require.NoError(t, err)
		assert.Equal(t, base.Add(5*time.Second), schedule.Next(base))
	})

	t.Run("Should reject invalid input", func(t *testing.T) {
		_, err := ParseSchedule("")
		assert.Error(t, err)

		_, err = ParseSchedule("every now and then")
		assert.Error(t, err)
	})
}
