package models

// Action status values reported by the backend
const (
	ActionRunning = "running"
	ActionDone    = "done"
)

// ActionStatus is the body of an action status response
type ActionStatus struct {
	Status   string        `json:"status"`
	Progress string        `json:"progress,omitempty"`
	Result   *ActionResult `json:"result,omitempty"`
}

// ActionResult is the outcome of a finished action
type ActionResult struct {
	IsValid bool   `json:"isValid"`
	Error   string `json:"error,omitempty"`
}
