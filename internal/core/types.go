package core

import (
	"time"
)

// ExecutionStatus describes where a patrol execution is in its lifecycle.
// Status only moves forward: pending -> running -> completed|failed.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

func (s ExecutionStatus) rank() int {
	switch s {
	case ExecutionPending:
		return 0
	case ExecutionRunning:
		return 1
	case ExecutionCompleted, ExecutionFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// CanTransition reports whether moving from s to next keeps status monotonic.
// Re-asserting the current non-terminal status is allowed.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	if next.rank() < 0 || s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// AllowedPredecessors lists the statuses from which next may be reached.
func AllowedPredecessors(next ExecutionStatus) []ExecutionStatus {
	var out []ExecutionStatus
	for _, s := range []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed} {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}

// Trigger records why an execution was started.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// MonitoringLevel controls how much a check inspects on a page.
type MonitoringLevel string

const (
	MonitoringBasic    MonitoringLevel = "basic"
	MonitoringStandard MonitoringLevel = "standard"
	MonitoringFull     MonitoringLevel = "full"
)

// PatrolTarget is one URL of a patrol task.
type PatrolTarget struct {
	URL             string          `json:"url" yaml:"url"`
	Name            string          `json:"name" yaml:"name"`
	MonitoringLevel MonitoringLevel `json:"monitoring_level" yaml:"monitoring_level"`
}

// PatrolTask is the declarative description of what to check.
type PatrolTask struct {
	ID                 string
	Name               string
	Description        string
	Targets            []PatrolTarget
	Config             map[string]any
	NotificationEmails []string
	Enabled            bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PatrolSchedule fires a patrol task on a cron expression evaluated in TimeZone.
// NextExecutionAt is maintained by the scheduler.
type PatrolSchedule struct {
	ID              string
	PatrolTaskID    string
	CronExpression  string
	TimeZone        string
	Enabled         bool
	LastExecutionAt *time.Time
	NextExecutionAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TestStatus is the per-URL verdict.
type TestStatus string

const (
	TestPass TestStatus = "pass"
	TestFail TestStatus = "fail"
)

// PatrolTestResult is the outcome of checking one URL. IsInfrastructureError
// marks failures of the checking harness itself rather than of the site.
type PatrolTestResult struct {
	URL                   string         `json:"url"`
	Name                  string         `json:"name"`
	Status                TestStatus     `json:"status"`
	ResponseTimeMs        *int64         `json:"response_time_ms,omitempty"`
	StatusCode            *int           `json:"status_code,omitempty"`
	ErrorMessage          string         `json:"error_message,omitempty"`
	IsInfrastructureError bool           `json:"is_infrastructure_error,omitempty"`
	Attempts              int            `json:"attempts,omitempty"`
	CheckDetails          map[string]any `json:"check_details,omitempty"`
}

// PatrolExecution is one run of a patrol task.
type PatrolExecution struct {
	ID           string
	PatrolTaskID string
	Trigger      Trigger
	Status       ExecutionStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	TotalURLs    int
	PassedURLs   int
	FailedURLs   int
	TestResults  []PatrolTestResult
	EmailSent    bool
	EmailSentAt  *time.Time
	ErrorMessage *string
	DurationMs   *int64
	CreatedAt    time.Time
}

// ExecutionPatch is a partial update of an execution; nil fields are left
// untouched. CompletedAt is only written if the stored value is still empty.
type ExecutionPatch struct {
	Status       *ExecutionStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	TotalURLs    *int
	PassedURLs   *int
	FailedURLs   *int
	TestResults  []PatrolTestResult
	EmailSent    *bool
	EmailSentAt  *time.Time
	ErrorMessage *string
	DurationMs   *int64
}

// Apply merges the patch into e following the status and completion rules.
// It reports false, leaving e unchanged, when the status move is not allowed.
func (p ExecutionPatch) Apply(e *PatrolExecution) bool {
	if p.Status != nil && *p.Status != e.Status && !e.Status.CanTransition(*p.Status) {
		return false
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.StartedAt != nil {
		e.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil && e.CompletedAt == nil {
		e.CompletedAt = p.CompletedAt
	}
	if p.TotalURLs != nil {
		e.TotalURLs = *p.TotalURLs
	}
	if p.PassedURLs != nil {
		e.PassedURLs = *p.PassedURLs
	}
	if p.FailedURLs != nil {
		e.FailedURLs = *p.FailedURLs
	}
	if p.TestResults != nil {
		e.TestResults = p.TestResults
	}
	if p.EmailSent != nil {
		e.EmailSent = *p.EmailSent
	}
	if p.EmailSentAt != nil {
		e.EmailSentAt = p.EmailSentAt
	}
	if p.ErrorMessage != nil {
		e.ErrorMessage = p.ErrorMessage
	}
	if p.DurationMs != nil {
		e.DurationMs = p.DurationMs
	}
	return true
}

func ptr[T any](v T) *T {
	return &v
}
