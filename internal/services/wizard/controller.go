// Package wizard sequences the steps of an import session.
package wizard

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"geoimport-desktop/internal/api"
	"geoimport-desktop/internal/logger"
	"geoimport-desktop/internal/services/actions"
)

// Controller owns the current step of one session and gates moving between steps.
//
// Forward moves wait for the step to save; they are refused while a save or a
// tracked action is in flight. Moving back is always allowed. Leaving a step resets
// its action tracker and entering a step that lists entities refreshes the loader.
type Controller struct {
	sessionID string
	steps     []Step
	backend   Backend
	notifier  Notifier
	tracker   *actions.Tracker

	mu          sync.Mutex
	current     int
	saving      bool
	dirty       bool
	actionTitle string
	entities    EntityRefresher
}

// NewController creates a controller positioned on the first step
func NewController(sessionID string, steps []Step, backend Backend, notifier Notifier, schedule cron.Schedule) *Controller {
	if len(steps) == 0 {
		steps = DefaultSteps()
	}
	c := &Controller{
		sessionID: sessionID,
		steps:     steps,
		backend:   backend,
		notifier:  notifier,
	}
	c.tracker = actions.NewTracker(backend, schedule, actions.Callbacks{
		OnSuccess:  c.actionSucceeded,
		OnError:    c.actionFailed,
		OnProgress: c.actionProgress,
	})
	return c
}

// Tracker returns the action tracker of the controller
func (c *Controller) Tracker() *actions.Tracker { return c.tracker }

// SetEntities attaches the loader refreshed on entering entity steps
func (c *Controller) SetEntities(r EntityRefresher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = r
}

// Steps returns the declared steps
func (c *Controller) Steps() []Step {
	out := make([]Step, len(c.steps))
	copy(out, c.steps)
	return out
}

// State returns a snapshot of the controller
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	step := c.steps[c.current]
	snap := c.tracker.Snapshot()
	st := State{
		Index:   c.current,
		Key:     step.Key,
		Title:   step.Title,
		Total:   len(c.steps),
		Saving:  c.saving,
		Dirty:   c.dirty,
		Polling: snap.State == actions.StatePolling,
	}
	if st.Polling {
		st.ActionToken = snap.Token
		st.ActionTitle = c.actionTitle
	}
	return st
}

// MarkDirty records unsaved local changes on the current step
func (c *Controller) MarkDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = true
}

// Enter runs the entry work of the current step, such as refreshing the entity list
func (c *Controller) Enter(ctx context.Context) error {
	c.mu.Lock()
	index := c.current
	step := c.steps[index]
	entities := c.entities
	st := c.stateLocked()
	c.mu.Unlock()

	c.notifier.Emit(EventStepChanged, st)

	if !step.UsesEntities || entities == nil {
		return nil
	}

	idx, err := entities.Refresh(ctx)
	if err != nil {
		logger.Error("Failed to load entities for step %s: %v", step.Key, err)
		c.notifier.Alert("Could not load entities", api.UserMessage(err))
		return err
	}
	c.notifier.Emit(EventEntitiesReady, idx)
	return nil
}

// Next validates and saves the current step, then moves forward
func (c *Controller) Next(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	if c.saving || c.tracker.IsPolling() {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.current == len(c.steps)-1 {
		c.mu.Unlock()
		return ErrLastStep
	}

	from := c.current
	step := c.steps[from]
	if step.Validate != nil {
		if err := step.Validate(payload); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s: %v", ErrInvalidStep, step.Key, err)
		}
	}
	c.saving = true
	c.mu.Unlock()

	c.notifier.Emit(EventSaving, true)
	err := c.backend.SaveStep(ctx, c.sessionID, step.Key, payload)

	c.mu.Lock()
	c.saving = false
	if err != nil {
		c.mu.Unlock()
		c.notifier.Emit(EventSaving, false)
		logger.Error("Failed to save step %s of session %s: %v", step.Key, c.sessionID, err)
		c.notifier.Alert("Could not save", api.UserMessage(err))
		return fmt.Errorf("failed to save step %s: %w", step.Key, err)
	}
	if c.current != from {
		// the user went back while the save was running
		c.mu.Unlock()
		c.notifier.Emit(EventSaving, false)
		return nil
	}
	c.current++
	c.dirty = false
	c.mu.Unlock()

	c.notifier.Emit(EventSaving, false)
	c.resetTracking()
	logger.Info("Session %s moved to step %s", c.sessionID, c.steps[from+1].Key)
	return c.Enter(ctx)
}

// Back moves to the previous step. It is never blocked by a save or a tracked action.
func (c *Controller) Back(ctx context.Context) error {
	c.mu.Lock()
	if c.current == 0 {
		c.mu.Unlock()
		return ErrFirstStep
	}
	c.current--
	c.dirty = false
	c.mu.Unlock()

	c.resetTracking()
	return c.Enter(ctx)
}

// TrackAction starts watching an action the step has already submitted
func (c *Controller) TrackAction(token, title string) bool {
	// the first poll runs as soon as Track returns, so the title goes in first
	c.mu.Lock()
	previous := c.actionTitle
	c.actionTitle = title
	c.mu.Unlock()

	if !c.tracker.Track(token, c.sessionID) {
		c.mu.Lock()
		c.actionTitle = previous
		c.mu.Unlock()
		return false
	}

	c.notifier.Emit(EventActionStarted, ActionEvent{SessionID: c.sessionID, Token: token, Title: title})
	return true
}

// StartAction submits a batch job and tracks it. It is refused while another action is tracked.
func (c *Controller) StartAction(ctx context.Context, kind, title string, payload interface{}) (string, error) {
	if c.tracker.IsPolling() {
		return "", ErrBusy
	}

	token, err := c.backend.StartAction(ctx, c.sessionID, kind, payload)
	if err != nil {
		logger.Error("Failed to start %s action for session %s: %v", kind, c.sessionID, err)
		c.notifier.Alert("Could not start "+title, api.UserMessage(err))
		return "", err
	}

	c.TrackAction(token, title)
	return token, nil
}

// Close stops tracking; call it when the wizard is torn down
func (c *Controller) Close() {
	c.resetTracking()
}

func (c *Controller) resetTracking() {
	c.tracker.Reset()
	c.mu.Lock()
	c.actionTitle = ""
	c.mu.Unlock()
}

func (c *Controller) title() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actionTitle
}

func (c *Controller) actionSucceeded(s actions.Success) {
	c.notifier.Emit(EventActionSucceeded, ActionEvent{
		SessionID: s.SessionID,
		Token:     s.Token,
		Title:     c.title(),
	})
}

func (c *Controller) actionFailed(f *actions.Failure) {
	title := c.title()
	message := f.Message
	if f.Kind == actions.FailureTransport && f.Err != nil {
		message = api.UserMessage(f.Err)
	}

	c.notifier.Emit(EventActionFailed, ActionEvent{
		SessionID: f.SessionID,
		Token:     f.Token,
		Title:     title,
		Kind:      string(f.Kind),
		Message:   message,
	})

	heading := "Action failed"
	if title != "" {
		heading = title + " failed"
	}
	c.notifier.Alert(heading, message)
}

func (c *Controller) actionProgress(token, progress string) {
	c.notifier.Emit(EventActionProgress, ActionEvent{
		SessionID: c.sessionID,
		Token:     token,
		Title:     c.title(),
		Progress:  progress,
	})
}
