package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"geoimport-desktop/internal/models"
)

// StatusSource answers status requests for server-tracked actions
type StatusSource interface {
	ActionStatus(ctx context.Context, sessionID, token string) (*models.ActionStatus, error)
}

// State of a Tracker
type State int

const (
	StateIdle State = iota
	StatePolling
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureKind separates transport problems from server-reported validation errors
type FailureKind string

const (
	FailureTransport  FailureKind = "transport"
	FailureValidation FailureKind = "validation"
)

// Failure is passed to the error callback
type Failure struct {
	Kind      FailureKind
	Token     string
	SessionID string
	Message   string
	Err       error // underlying transport error, nil for validation failures
}

func (f *Failure) Error() string {
	return fmt.Sprintf("action %s %s failure: %s", f.Token, f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Success is passed to the success callback
type Success struct {
	Token     string
	SessionID string
	Result    models.ActionResult
}

// Callbacks receive tracker outcomes. Any of them may be nil.
// For each tracked token exactly one of OnSuccess or OnError is called.
type Callbacks struct {
	OnSuccess  func(Success)
	OnError    func(*Failure)
	OnProgress func(token, progress string)
}

// Outcome records how the last tracked action ended
type Outcome struct {
	State    State
	Token    string
	Success  *Success
	Failure  *Failure
	Polls    int
	Finished time.Time
}

// Snapshot is a read-only view of a Tracker
type Snapshot struct {
	State     State
	Token     string
	SessionID string
	Polls     int
	Last      *Outcome
}

// interval is a fixed-delay schedule that, unlike cron.Every, keeps sub-second precision
type interval time.Duration

func (i interval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(i))
}

// Interval returns a schedule firing every d
func Interval(d time.Duration) cron.Schedule {
	if d <= 0 {
		d = time.Second
	}
	return interval(d)
}

// ParseSchedule parses a poll schedule such as "@every 3s" or a plain duration like "2s".
// Cron expressions ("*/5 * * * * *") are accepted too.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty poll schedule")
	}

	if d, err := time.ParseDuration(expr); err == nil {
		return Interval(d), nil
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", expr, err)
	}
	return schedule, nil
}
