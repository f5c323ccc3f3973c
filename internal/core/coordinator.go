package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sitepatrol/internal/apperr"
	"sitepatrol/internal/events"
	"sitepatrol/internal/pool"
	"sitepatrol/internal/queue"
)

// ErrReportSkipped is returned by a ReportSender that decided the execution
// needs no report.
var ErrReportSkipped = errors.New("patrol report skipped")

// CoordinatorConfig tunes per-URL work.
type CoordinatorConfig struct {
	// AcquireTimeout bounds the wait for a browser; exceeding it fails the
	// whole execution.
	AcquireTimeout time.Duration
	// Retry applies to each URL check.
	Retry apperr.RetryOptions
}

// DefaultCoordinatorConfig retries network and timeout failures with the
// taxonomy's network policy.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		AcquireTimeout: 2 * time.Minute,
		Retry:          apperr.PolicyFor(apperr.CategoryNetwork),
	}
}

// Coordinator drives patrol executions through their state machine.
type Coordinator struct {
	store      ExecutionStore
	pool       BrowserPool
	strategies StrategyResolver
	reporter   ReportSender
	bus        EventEmitter
	logger     *slog.Logger
	cfg        CoordinatorConfig
	now        func() time.Time
}

// NewCoordinator wires a coordinator. reporter may be nil.
func NewCoordinator(store ExecutionStore, browsers BrowserPool, strategies StrategyResolver, reporter ReportSender, bus EventEmitter, logger *slog.Logger, cfg CoordinatorConfig) *Coordinator {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultCoordinatorConfig().AcquireTimeout
	}
	return &Coordinator{
		store:      store,
		pool:       browsers,
		strategies: strategies,
		reporter:   reporter,
		bus:        bus,
		logger:     logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Prepare records a pending execution for the task.
func (c *Coordinator) Prepare(ctx context.Context, taskID string, trigger Trigger) (*PatrolExecution, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Enabled {
		return nil, apperr.BusinessLogic(fmt.Sprintf("patrol task %s is disabled", taskID),
			apperr.WithName("TaskDisabledError"))
	}
	exec := &PatrolExecution{
		ID:           NewID(),
		PatrolTaskID: task.ID,
		Trigger:      trigger,
		Status:       ExecutionPending,
		TotalURLs:    len(task.Targets),
	}
	if err := c.store.InsertExecution(ctx, exec); err != nil {
		return nil, apperr.Database("create execution", apperr.WithCause(err))
	}
	return exec, nil
}

// Job wraps Run of a prepared execution as a queue item.
func (c *Coordinator) Job(exec *PatrolExecution, priority queue.Priority) queue.Item {
	return queue.Item{
		ID:       exec.ID,
		Name:     "patrol:" + exec.PatrolTaskID,
		Priority: priority,
		Execute: func(ctx context.Context) (any, error) {
			return c.Run(ctx, exec.ID)
		},
	}
}

// Execute prepares and runs an execution in the caller's goroutine.
func (c *Coordinator) Execute(ctx context.Context, taskID string, trigger Trigger) (*PatrolExecution, error) {
	exec, err := c.Prepare(ctx, taskID, trigger)
	if err != nil {
		return nil, err
	}
	return c.Run(ctx, exec.ID)
}

// Run takes a pending execution to a terminal state. Per-URL failures are
// recorded as failed results; only execution-level failures (task gone, no
// browser within AcquireTimeout, persistence errors) end in ExecutionFailed.
func (c *Coordinator) Run(ctx context.Context, executionID string) (*PatrolExecution, error) {
	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != ExecutionPending {
		return exec, apperr.BusinessLogic(fmt.Sprintf("execution %s is %s, not pending", exec.ID, exec.Status),
			apperr.WithName("ExecutionStateError"))
	}

	started := c.now()
	running, err := c.store.UpdateExecution(ctx, exec.ID, ExecutionPatch{
		Status:    ptr(ExecutionRunning),
		StartedAt: &started,
	})
	if err != nil {
		return c.fail(ctx, exec, ExecutionPatch{CompletedAt: ptr(c.now())},
			apperr.Database("mark execution running", apperr.WithCause(err)))
	}
	exec = running
	c.bus.EmitSync(ctx, events.Event{
		Type:        events.PatrolStarted,
		TaskID:      exec.PatrolTaskID,
		ExecutionID: exec.ID,
		Data:        map[string]any{"trigger": string(exec.Trigger)},
	})

	results, runErr := c.runTargets(ctx, exec)
	passed, failed := tally(results)

	completed := c.now()
	patch := ExecutionPatch{
		CompletedAt: &completed,
		PassedURLs:  &passed,
		FailedURLs:  &failed,
		TestResults: results,
		DurationMs:  ptr(completed.Sub(started).Milliseconds()),
	}
	if runErr == nil {
		patch.Status = ptr(ExecutionCompleted)
		patch.TotalURLs = ptr(len(results))
		final, err := c.store.UpdateExecution(ctx, exec.ID, patch)
		if err != nil {
			runErr = apperr.Database("finalize execution", apperr.WithCause(err))
		} else {
			exec = final
		}
	}
	if runErr != nil {
		return c.fail(ctx, exec, patch, runErr)
	}

	c.logger.Info("patrol completed", "task_id", exec.PatrolTaskID, "execution_id", exec.ID,
		"passed", exec.PassedURLs, "failed", exec.FailedURLs, "duration_ms", *exec.DurationMs)
	c.bus.Emit(ctx, events.Event{
		Type:        events.PatrolCompleted,
		TaskID:      exec.PatrolTaskID,
		ExecutionID: exec.ID,
		Data: map[string]any{
			"total":  exec.TotalURLs,
			"passed": exec.PassedURLs,
			"failed": exec.FailedURLs,
		},
	})
	return c.notify(ctx, exec), nil
}

func (c *Coordinator) fail(ctx context.Context, exec *PatrolExecution, patch ExecutionPatch, cause error) (*PatrolExecution, error) {
	normalized := apperr.Normalize(cause, map[string]any{"execution_id": exec.ID})
	patch.Status = ptr(ExecutionFailed)
	patch.ErrorMessage = ptr(normalized.Error())
	if final, err := c.store.UpdateExecution(ctx, exec.ID, patch); err != nil {
		c.logger.Error("mark execution failed", "execution_id", exec.ID, "err", err)
		patch.Apply(exec)
	} else {
		exec = final
	}

	c.logger.Error("patrol failed", "task_id", exec.PatrolTaskID, "execution_id", exec.ID,
		"code", normalized.Code(), "err", normalized)
	c.bus.Emit(ctx, events.Event{
		Type:        events.PatrolFailed,
		TaskID:      exec.PatrolTaskID,
		ExecutionID: exec.ID,
		Data: map[string]any{
			"error":       normalized.Error(),
			"code":        normalized.Code(),
			"operational": normalized.IsOperational,
		},
	})
	return c.notify(ctx, exec), cause
}

func (c *Coordinator) notify(ctx context.Context, exec *PatrolExecution) *PatrolExecution {
	defer func() {
		if err := c.store.PruneExecutions(ctx, exec.PatrolTaskID); err != nil {
			c.logger.Warn("prune executions", "task_id", exec.PatrolTaskID, "err", err)
		}
	}()
	if c.reporter == nil {
		return exec
	}
	delivery, err := c.reporter.SendPatrolReport(ctx, exec.ID)
	switch {
	case errors.Is(err, ErrReportSkipped):
		c.logger.Debug("patrol report skipped", "execution_id", exec.ID)
	case err != nil:
		c.logger.Error("send patrol report", "execution_id", exec.ID,
			"emailed", delivery.Emailed, "pushed", delivery.Pushed, "err", err)
	}
	// EmailSent tracks the email channel only.
	if !delivery.Emailed {
		return exec
	}
	sentAt := c.now()
	updated, err := c.store.UpdateExecution(ctx, exec.ID, ExecutionPatch{
		EmailSent:   ptr(true),
		EmailSentAt: &sentAt,
	})
	if err != nil {
		c.logger.Error("record report sent", "execution_id", exec.ID, "err", err)
		return exec
	}
	return updated
}

func (c *Coordinator) runTargets(ctx context.Context, exec *PatrolExecution) ([]PatrolTestResult, error) {
	task, err := c.store.GetTask(ctx, exec.PatrolTaskID)
	if err != nil {
		return nil, err
	}
	strategy, err := c.strategies.Strategy(task)
	if err != nil {
		return nil, err
	}

	results := make([]PatrolTestResult, 0, len(task.Targets))
	for _, target := range task.Targets {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := c.checkTarget(ctx, exec, task, strategy, target)
		if err != nil {
			return results, err
		}
		results = append(results, *result)
	}
	return results, nil
}

// errPoolUnavailable marks acquisition failures so they abort the execution
// instead of being recorded against the URL. Acquire reports timeouts as a
// non-retriable PoolExhaustedError and launch failures as resource errors, so
// Retry hands them back on the first attempt.
type errPoolUnavailable struct{ err error }

func (e errPoolUnavailable) Error() string { return e.err.Error() }
func (e errPoolUnavailable) Unwrap() error { return e.err }

// checkTarget runs the strategy for one URL with retry. Each attempt holds
// its own browser so a retry after a crash gets a healthy replacement.
func (c *Coordinator) checkTarget(ctx context.Context, exec *PatrolExecution, task *PatrolTask, strategy CheckStrategy, target PatrolTarget) (*PatrolTestResult, error) {
	attempts := 0
	opts := c.cfg.Retry
	opts.OnRetry = func(err *apperr.Error, attempt int) {
		c.logger.Warn("retrying url check", "execution_id", exec.ID, "url", target.URL,
			"attempt", attempt, "code", err.Code(), "err", err)
	}

	result, err := apperr.Retry(ctx, func(ctx context.Context) (*PatrolTestResult, error) {
		attempts++
		acquireCtx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
		b, err := c.pool.Acquire(acquireCtx)
		cancel()
		if err != nil {
			return nil, errPoolUnavailable{err: err}
		}
		defer c.pool.Release(b)
		return c.runStrategy(ctx, strategy, b, target, CheckContext{ExecutionID: exec.ID, Task: task, Attempt: attempts})
	}, opts)

	var unavailable errPoolUnavailable
	if errors.As(err, &unavailable) {
		return nil, unavailable.err
	}
	if err != nil {
		return failedResult(target, err, attempts), nil
	}
	if result.URL == "" {
		result.URL = target.URL
	}
	if result.Name == "" {
		result.Name = target.Name
	}
	if result.Status == "" {
		result.Status = TestPass
	}
	result.Attempts = attempts
	return result, nil
}

func (c *Coordinator) runStrategy(ctx context.Context, strategy CheckStrategy, b pool.Browser, target PatrolTarget, cc CheckContext) (result *PatrolTestResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Internal(fmt.Sprintf("check strategy panicked: %v", r))
		}
	}()
	result, err = strategy.Run(ctx, b, target, cc)
	if err == nil && result == nil {
		err = apperr.Internal("check strategy returned no result")
	}
	return result, err
}

// failedResult records a check that never produced a verdict. Harness-side
// failures are tagged so they do not raise site alerts.
func failedResult(target PatrolTarget, err error, attempts int) *PatrolTestResult {
	normalized := apperr.Normalize(err, nil)
	return &PatrolTestResult{
		URL:                   target.URL,
		Name:                  target.Name,
		Status:                TestFail,
		ErrorMessage:          normalized.Error(),
		IsInfrastructureError: IsInfrastructureFailure(normalized),
		Attempts:              attempts,
		CheckDetails:          map[string]any{"error_code": normalized.Code()},
	}
}

// IsInfrastructureFailure reports whether err comes from the checking harness
// (network, timeouts, browser resources) rather than from the checked site.
func IsInfrastructureFailure(err error) bool {
	e, ok := apperr.As(err)
	if !ok {
		return false
	}
	switch e.Category {
	case apperr.CategoryNetwork, apperr.CategoryTimeout, apperr.CategoryResource, apperr.CategoryExternalService:
		return true
	default:
		return false
	}
}

func tally(results []PatrolTestResult) (passed, failed int) {
	for _, r := range results {
		if r.Status == TestPass {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}
