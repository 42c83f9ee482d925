package model

import "time"

// WorkflowStatus is the lifecycle state of a Workflow (spec.md §3.3).
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

// Terminal reports whether the status can no longer transition.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a single Step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// ErrorKind is the taxonomy from spec.md §7.
type ErrorKind string

const (
	ErrKindConfigInvalid     ErrorKind = "config_invalid"
	ErrKindNotFound          ErrorKind = "not_found"
	ErrKindTransientNetwork  ErrorKind = "transient_network"
	ErrKindSSHTransient      ErrorKind = "ssh_transient"
	ErrKindMaaSBusy          ErrorKind = "maas_busy"
	ErrKindVendorToolBusy    ErrorKind = "vendor_tool_busy"
	ErrKindAuth              ErrorKind = "auth"
	ErrKindIntegrityFailure  ErrorKind = "integrity_failure"
	ErrKindConfigConflict    ErrorKind = "config_conflict"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindCancelled         ErrorKind = "cancelled"
	ErrKindInternal          ErrorKind = "internal"
	ErrKindCommandMissing    ErrorKind = "command_missing"
	ErrKindUnreachable       ErrorKind = "unreachable"
	ErrKindConflict          ErrorKind = "conflict"
	ErrKindShutdownTimeout   ErrorKind = "shutdown_timeout"
)

// StepClassification is how the engine dispatches a step error (spec.md §4.E).
type StepClassification string

const (
	ClassRetryable StepClassification = "retryable"
	ClassFatal     StepClassification = "fatal"
	ClassSkipped   StepClassification = "skipped"
)

// WorkflowError is the first fatal error recorded against a workflow or step.
type WorkflowError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

func (e *WorkflowError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Detail
}

// StepRecord is the §6.3 wire-level description of one Step's run.
type StepRecord struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Status      StepStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	DurationMS  int64          `json:"duration_ms"`
	Error       *WorkflowError `json:"error,omitempty"`
}

// Snapshot is the §6.3 wire-level workflow status schema.
type Snapshot struct {
	WorkflowID     string         `json:"workflow_id"`
	Template       string         `json:"template"`
	Status         WorkflowStatus `json:"status"`
	ServerID       string         `json:"server_id"`
	DeviceType     string         `json:"device_type,omitempty"`
	StepsTotal     int            `json:"steps_total"`
	StepsCompleted int            `json:"steps_completed"`
	CurrentStep    string         `json:"current_step,omitempty"`
	CurrentSubTask string         `json:"current_sub_task,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Error          *WorkflowError `json:"error,omitempty"`
	Steps          []StepRecord   `json:"steps"`
}

// EventKind is the §3.3/§6.4 progress event discriminator.
type EventKind string

const (
	EventWorkflowStart EventKind = "workflow_start"
	EventStepStart     EventKind = "step_start"
	EventSubTask       EventKind = "sub_task"
	EventStepEnd       EventKind = "step_end"
	EventWorkflowEnd   EventKind = "workflow_end"
	EventCancellation  EventKind = "cancellation"
)

// ProgressEvent is published on the Progress Bus (§3.3, §6.4).
type ProgressEvent struct {
	// EventID uniquely identifies this one emission, so a subscriber that
	// sees the same event twice (e.g. after a NATS redelivery) can dedupe
	// on it rather than on the less precise (WorkflowID, StepIndex, Kind)
	// tuple, which repeats across retries of the same step.
	EventID    string         `json:"event_id"`
	WorkflowID string         `json:"workflow_id"`
	Kind       EventKind      `json:"kind"`
	StepIndex  *int           `json:"step_index,omitempty"`
	StepName   string         `json:"step_name,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    string         `json:"payload,omitempty"`
	Error      *WorkflowError `json:"error,omitempty"`
}

// HistoryRecord is the §3.4/§6.5 persisted row, keyed by workflow_id.
type HistoryRecord struct {
	WorkflowID     string         `json:"workflow_id"`
	ServerID       string         `json:"server_id"`
	DeviceType     string         `json:"device_type,omitempty"`
	Status         WorkflowStatus `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	StepsCompleted int            `json:"steps_completed"`
	TotalSteps     int            `json:"total_steps"`
	Error          *WorkflowError `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
