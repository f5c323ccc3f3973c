package core

import (
	"context"
	"time"

	"sitepatrol/internal/events"
	"sitepatrol/internal/pool"
	"sitepatrol/internal/queue"
)

// TaskStore reads patrol tasks.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*PatrolTask, error)
}

// ScheduleStore is the persistence the scheduler needs.
type ScheduleStore interface {
	TaskStore
	// ListActiveSchedules returns enabled schedules whose task is enabled too.
	ListActiveSchedules(ctx context.Context) ([]*PatrolSchedule, error)
	UpdateScheduleRunInfo(ctx context.Context, id string, lastExecutionAt, nextExecutionAt *time.Time) error
	UpdateScheduleNextRun(ctx context.Context, id string, nextExecutionAt *time.Time) error
	// ClearInactiveNextRuns nulls next_execution_at on schedules that are
	// disabled or belong to a disabled task.
	ClearInactiveNextRuns(ctx context.Context) error
}

// ExecutionStore persists patrol executions. UpdateExecution must refuse
// status regressions and must not overwrite a stored CompletedAt.
type ExecutionStore interface {
	TaskStore
	InsertExecution(ctx context.Context, exec *PatrolExecution) error
	GetExecution(ctx context.Context, id string) (*PatrolExecution, error)
	UpdateExecution(ctx context.Context, id string, patch ExecutionPatch) (*PatrolExecution, error)
	PruneExecutions(ctx context.Context, taskID string) error
}

// CheckContext is passed to a check strategy for one URL.
type CheckContext struct {
	ExecutionID string
	Task        *PatrolTask
	Attempt     int
}

// CheckStrategy checks one URL using a pooled browser. Returned errors are
// classified and retried by the coordinator.
type CheckStrategy interface {
	Run(ctx context.Context, b pool.Browser, target PatrolTarget, cc CheckContext) (*PatrolTestResult, error)
}

// StrategyResolver picks the check strategy for a task.
type StrategyResolver interface {
	Strategy(task *PatrolTask) (CheckStrategy, error)
}

// BrowserPool hands out browsers.
type BrowserPool interface {
	Acquire(ctx context.Context) (pool.Browser, error)
	Release(b pool.Browser)
}

// ReportDelivery records which channels accepted a report.
type ReportDelivery struct {
	Emailed bool
	Pushed  bool
}

// ReportSender delivers the report of a finished execution. The delivery is
// meaningful even when err is non-nil, since one channel may succeed while
// another fails.
type ReportSender interface {
	SendPatrolReport(ctx context.Context, executionID string) (ReportDelivery, error)
}

// EventEmitter publishes lifecycle events.
type EventEmitter interface {
	Emit(ctx context.Context, e events.Event)
	EmitSync(ctx context.Context, e events.Event)
}

// JobQueue accepts work items.
type JobQueue interface {
	Enqueue(item queue.Item) *queue.Pending
}
