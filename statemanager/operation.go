package statemanager

import (
	"errors"
	"time"

	"feedback.evalgo.org/escalation"
)

var (
	// ErrOperationNotFound is returned for ids the registry does not track.
	ErrOperationNotFound = errors.New("operation not found")
	// ErrDuplicateOperation is returned when starting an id that is still active.
	ErrDuplicateOperation = errors.New("operation already active")
)

// OperationState is a snapshot of a tracked operation
type OperationState struct {
	ID            string                 `json:"id"`
	ParentID      string                 `json:"parent_id,omitempty"`
	ServiceName   string                 `json:"service_name,omitempty"`
	OperationType string                 `json:"operation_type,omitempty"` // e.g. "network", "file-read", "search"
	ComponentID   string                 `json:"component_id,omitempty"`
	Status        Status                 `json:"status"`
	Level         escalation.Level       `json:"escalation_level"`
	Progress      Progress               `json:"progress"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	Duration      string                 `json:"duration,omitempty"`
	Result        interface{}            `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	CancelReason  CancelReason           `json:"cancel_reason,omitempty"`
	Config        escalation.Config      `json:"resolved_config"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Elapsed returns the time since start, or the total duration once terminal.
func (s OperationState) Elapsed(now time.Time) time.Duration {
	if s.CompletedAt != nil {
		return s.CompletedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// Status represents the state of an operation
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CancelReason tells consumers why an operation ended up cancelled.
type CancelReason string

const (
	ReasonRequested CancelReason = "requested"
	ReasonTimeout   CancelReason = "timeout"
	ReasonParent    CancelReason = "parent"
	ReasonExternal  CancelReason = "external"
)

// ProgressType distinguishes spinners from progress bars.
type ProgressType string

const (
	ProgressIndeterminate ProgressType = "indeterminate"
	ProgressDeterminate   ProgressType = "determinate"
)

// Progress is the last reported progress of an operation. Value is a
// percentage and only meaningful for determinate progress.
type Progress struct {
	Type    ProgressType `json:"type"`
	Value   float64      `json:"value,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Indeterminate builds an indeterminate progress report.
func Indeterminate(message string) Progress {
	return Progress{Type: ProgressIndeterminate, Message: message}
}

// Determinate builds a determinate progress report, clamping value to [0, 100].
func Determinate(value float64, message string) Progress {
	return Progress{Type: ProgressDeterminate, Value: value, Message: message}.normalize()
}

func (p Progress) normalize() Progress {
	if p.Type == "" {
		p.Type = ProgressIndeterminate
	}
	if p.Type == ProgressIndeterminate {
		p.Value = 0
		return p
	}
	switch {
	case p.Value < 0:
		p.Value = 0
	case p.Value > 100:
		p.Value = 100
	}
	return p
}

// ChangeKind says what changed in the notification that carries it.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeStatus   ChangeKind = "status"
	ChangeLevel    ChangeKind = "level"
	ChangeProgress ChangeKind = "progress"
)

// Event is delivered to subscribers on every visible change.
type Event struct {
	Kind      ChangeKind     `json:"kind"`
	Operation OperationState `json:"operation"`
}

// Terminal reports whether the event is the final one for its operation.
func (e Event) Terminal() bool {
	return e.Kind == ChangeStatus && e.Operation.Status.IsTerminal()
}

// OperationStats provides aggregated statistics
type OperationStats struct {
	TotalOperations  int                      `json:"total_operations"`
	ActiveOperations int                      `json:"active_operations"`
	ByStatus         map[Status]int           `json:"by_status"`
	ByOperation      map[string]int           `json:"by_operation"`
	ByLevel          map[escalation.Level]int `json:"by_level"`
	AverageDuration  string                   `json:"average_duration,omitempty"`
}
