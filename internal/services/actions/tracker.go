// Package actions polls server-tracked asynchronous actions to completion.
package actions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"geoimport-desktop/internal/logger"
	"geoimport-desktop/internal/models"
)

// Tracker follows at most one action at a time.
//
// A status request is issued as soon as tracking starts; the next one is
// scheduled only after the previous response has been handled, so there is
// never more than one outstanding request. Transport failures are terminal.
type Tracker struct {
	source   StatusSource
	schedule cron.Schedule
	cb       Callbacks
	now      func() time.Time

	mu        sync.Mutex
	state     State
	token     string
	sessionID string
	polls     int
	gen       uint64 // bumped on every Track/Reset; stale loops compare against it
	cancel    context.CancelFunc
	last      *Outcome

	deliverMu sync.Mutex // serializes callbacks
}

// NewTracker creates an idle tracker
func NewTracker(source StatusSource, schedule cron.Schedule, cb Callbacks) *Tracker {
	if schedule == nil {
		schedule = Interval(3 * time.Second)
	}
	return &Tracker{
		source:   source,
		schedule: schedule,
		cb:       cb,
		now:      time.Now,
		state:    StateIdle,
	}
}

// Track starts polling token for sessionID. It is a no-op (returning false)
// for an empty token or for the token already being polled. A different
// token replaces the one in flight.
func (t *Tracker) Track(token, sessionID string) bool {
	if token == "" {
		return false
	}

	t.mu.Lock()
	if t.state == StatePolling && t.token == token {
		t.mu.Unlock()
		logger.Debug("Action %s is already being tracked", token)
		return false
	}

	if t.state == StatePolling {
		logger.Info("Action %s replaced by %s before completion", t.token, token)
		t.cancel()
	}

	t.gen++
	gen := t.gen
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.state = StatePolling
	t.token = token
	t.sessionID = sessionID
	t.polls = 0
	t.mu.Unlock()

	logger.Info("Tracking action %s (session %s)", token, sessionID)
	go t.run(ctx, gen, token, sessionID)
	return true
}

// Reset stops polling and returns to Idle. After Reset returns, the action
// that was in flight produces no callback unless one was already being delivered.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.state == StatePolling {
		logger.Info("Stopped tracking action %s after %d polls", t.token, t.polls)
	}

	t.gen++
	t.state = StateIdle
	t.token = ""
	t.sessionID = ""
	t.polls = 0
}

// State returns the current state
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsPolling reports whether an action is in flight
func (t *Tracker) IsPolling() bool {
	return t.State() == StatePolling
}

// Token returns the token being polled, or "" when idle
func (t *Tracker) Token() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

// Snapshot returns a copy of the tracker state
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		State:     t.state,
		Token:     t.token,
		SessionID: t.sessionID,
		Polls:     t.polls,
	}
	if t.last != nil {
		last := *t.last
		snap.Last = &last
	}
	return snap
}

func (t *Tracker) run(ctx context.Context, gen uint64, token, sessionID string) {
	for {
		status, err := t.source.ActionStatus(ctx, sessionID, token)
		if ctx.Err() != nil {
			return
		}
		t.countPoll(gen)

		if err != nil {
			logger.Warn("Status request for action %s failed: %v", token, err)
			t.fail(gen, &Failure{Kind: FailureTransport, Token: token, SessionID: sessionID, Message: err.Error(), Err: err})
			return
		}

		switch status.Status {
		case models.ActionRunning:
			logger.Debug("Action %s still running: %s", token, status.Progress)
			t.progress(gen, token, status.Progress)

		case models.ActionDone:
			t.complete(gen, token, sessionID, status.Result)
			return

		default:
			err := fmt.Errorf("unexpected action status %q", status.Status)
			t.fail(gen, &Failure{Kind: FailureTransport, Token: token, SessionID: sessionID, Message: err.Error(), Err: err})
			return
		}

		if !t.wait(ctx) {
			return
		}
	}
}

// wait sleeps until the next scheduled tick. It returns false when cancelled.
func (t *Tracker) wait(ctx context.Context) bool {
	now := t.now()
	next := t.schedule.Next(now)
	delay := next.Sub(now)
	if next.IsZero() || delay < 0 {
		delay = time.Second
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *Tracker) complete(gen uint64, token, sessionID string, result *models.ActionResult) {
	if result == nil {
		err := fmt.Errorf("action completed without a result")
		t.fail(gen, &Failure{Kind: FailureTransport, Token: token, SessionID: sessionID, Message: err.Error(), Err: err})
		return
	}

	if !result.IsValid {
		message := result.Error
		if message == "" {
			message = "action completed with an invalid result"
		}
		t.fail(gen, &Failure{Kind: FailureValidation, Token: token, SessionID: sessionID, Message: message})
		return
	}

	t.deliver(gen, Outcome{
		State:   StateSucceeded,
		Success: &Success{Token: token, SessionID: sessionID, Result: *result},
	})
}

func (t *Tracker) fail(gen uint64, failure *Failure) {
	t.deliver(gen, Outcome{State: StateFailed, Failure: failure})
}

// deliver performs the terminal transition and invokes the matching callback,
// unless the loop that produced out has been superseded by Track or Reset.
func (t *Tracker) deliver(gen uint64, out Outcome) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	if !t.finish(gen, &out) {
		return
	}

	switch {
	case out.Success != nil && t.cb.OnSuccess != nil:
		t.cb.OnSuccess(*out.Success)
	case out.Failure != nil && t.cb.OnError != nil:
		t.cb.OnError(out.Failure)
	}
}

// finish moves a current Polling tracker back to Idle and records out
func (t *Tracker) finish(gen uint64, out *Outcome) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || t.state != StatePolling {
		return false
	}

	out.Token = t.token
	out.Polls = t.polls
	out.Finished = t.now()
	last := *out
	t.last = &last

	logger.Info("Action %s %s after %d polls", t.token, out.State, t.polls)

	t.cancel()
	t.cancel = nil
	t.state = StateIdle
	t.token = ""
	t.sessionID = ""
	return true
}

func (t *Tracker) progress(gen uint64, token, progress string) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	current := gen == t.gen && t.state == StatePolling
	t.mu.Unlock()

	if current && t.cb.OnProgress != nil {
		t.cb.OnProgress(token, progress)
	}
}

func (t *Tracker) countPoll(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen == t.gen {
		t.polls++
	}
}
