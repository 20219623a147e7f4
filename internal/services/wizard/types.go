package wizard

import (
	"context"
	"errors"

	"geoimport-desktop/internal/models"
	"geoimport-desktop/internal/services/actions"
)

// Backend is the part of the API client the controller talks to
type Backend interface {
	actions.StatusSource
	SaveStep(ctx context.Context, sessionID, step string, payload interface{}) error
	StartAction(ctx context.Context, sessionID, kind string, payload interface{}) (string, error)
}

// Notifier shows blocking messages and forwards events to the frontend
type Notifier interface {
	Alert(title, message string)
	Emit(event string, data ...interface{})
}

// EntityRefresher re-fetches the entity index when a step that lists entities is entered
type EntityRefresher interface {
	Refresh(ctx context.Context) (*models.EntityIndex, error)
}

// Events emitted through the Notifier
const (
	EventStepChanged     = "wizard:step"
	EventSaving          = "wizard:saving"
	EventActionStarted   = "action:started"
	EventActionProgress  = "action:progress"
	EventActionSucceeded = "action:succeeded"
	EventActionFailed    = "action:failed"
	EventEntitiesReady   = "entities:ready"
)

var (
	// ErrBusy is returned by forward navigation while a save or a tracked action is in flight
	ErrBusy = errors.New("a save or action is still in progress")

	// ErrInvalidStep is returned when the local validator rejects the step payload
	ErrInvalidStep = errors.New("step is not valid")

	ErrLastStep  = errors.New("already at the last step")
	ErrFirstStep = errors.New("already at the first step")
)

// Step describes one wizard screen
type Step struct {
	Key          string                          `json:"key"`
	Title        string                          `json:"title"`
	UsesEntities bool                            `json:"uses_entities"`
	Validate     func(payload interface{}) error `json:"-"`
}

// DefaultSteps returns the steps of the dataset import wizard
func DefaultSteps() []Step {
	return []Step{
		{Key: "upload", Title: "Upload layer files", Validate: requirePayload},
		{Key: "attributes", Title: "Map attributes", Validate: requirePayload},
		{Key: "entities", Title: "Review entities", UsesEntities: true},
		{Key: "review", Title: "Confirm import"},
	}
}

func requirePayload(payload interface{}) error {
	if payload == nil {
		return errors.New("nothing to save")
	}
	return nil
}

// State is a read-only view of the controller
type State struct {
	Index       int    `json:"index"`
	Key         string `json:"key"`
	Title       string `json:"title"`
	Total       int    `json:"total"`
	Saving      bool   `json:"saving"`
	Dirty       bool   `json:"dirty"`
	Polling     bool   `json:"polling"`
	ActionToken string `json:"action_token,omitempty"`
	ActionTitle string `json:"action_title,omitempty"`
}

// ActionEvent is the payload of action events
type ActionEvent struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	Title     string `json:"title,omitempty"`
	Progress  string `json:"progress,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message,omitempty"`
}
