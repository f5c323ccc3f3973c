package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"sitepatrol/internal/core"
)

// ReportStore is what the reporter reads.
type ReportStore interface {
	GetTask(ctx context.Context, id string) (*core.PatrolTask, error)
	GetExecution(ctx context.Context, id string) (*core.PatrolExecution, error)
}

// ReporterConfig selects channels and policy. Email goes to the task's
// notification emails; Push goes to operators.
type ReporterConfig struct {
	Email           Notifier
	Push            Notifier
	NotifyOnSuccess bool
}

// Reporter builds and sends execution reports.
//
// Site failures (failed URLs not flagged as infrastructure errors) are
// mailed to the task's recipients and pushed to operators. An execution that
// failed as a whole is pushed to operators only. Infrastructure-only
// failures produce no report unless NotifyOnSuccess is set.
type Reporter struct {
	store  ReportStore
	cfg    ReporterConfig
	logger *slog.Logger
}

func NewReporter(store ReportStore, cfg ReporterConfig, logger *slog.Logger) *Reporter {
	return &Reporter{store: store, cfg: cfg, logger: logger}
}

// SendPatrolReport implements the coordinator's notification hook. It
// returns core.ErrReportSkipped when nothing was due, and otherwise reports
// each channel that accepted the message alongside any send errors.
func (r *Reporter) SendPatrolReport(ctx context.Context, executionID string) (core.ReportDelivery, error) {
	var delivery core.ReportDelivery
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return delivery, fmt.Errorf("load execution: %w", err)
	}
	task, err := r.store.GetTask(ctx, exec.PatrolTaskID)
	if err != nil {
		return delivery, fmt.Errorf("load task: %w", err)
	}

	siteFailures := SiteFailures(exec)
	email := r.cfg.Email != nil && len(task.NotificationEmails) > 0 &&
		(len(siteFailures) > 0 || r.cfg.NotifyOnSuccess)
	push := r.cfg.Push != nil &&
		(len(siteFailures) > 0 || exec.Status == core.ExecutionFailed || r.cfg.NotifyOnSuccess)
	if !email && !push {
		return delivery, core.ErrReportSkipped
	}

	msg := Message{
		Title: ReportTitle(task, exec, len(siteFailures)),
		Body:  ReportBody(task, exec),
	}
	var errs []error
	if email {
		m := msg
		m.Recipients = task.NotificationEmails
		if err := r.cfg.Email.Send(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		} else {
			delivery.Emailed = true
		}
	}
	if push {
		if err := r.cfg.Push.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("push: %w", err))
		} else {
			delivery.Pushed = true
		}
	}
	if delivery.Emailed || delivery.Pushed {
		r.logger.Info("patrol report sent", "execution_id", exec.ID, "task_id", task.ID,
			"email", delivery.Emailed, "push", delivery.Pushed, "site_failures", len(siteFailures))
	}
	return delivery, errors.Join(errs...)
}

// SiteFailures returns the failed results that are not harness errors.
func SiteFailures(exec *core.PatrolExecution) []core.PatrolTestResult {
	var out []core.PatrolTestResult
	for _, r := range exec.TestResults {
		if r.Status == core.TestFail && !r.IsInfrastructureError {
			out = append(out, r)
		}
	}
	return out
}

func ReportTitle(task *core.PatrolTask, exec *core.PatrolExecution, siteFailures int) string {
	switch {
	case exec.Status == core.ExecutionFailed:
		return fmt.Sprintf("[sitepatrol] %s: execution failed", task.Name)
	case siteFailures > 0:
		return fmt.Sprintf("[sitepatrol] %s: %d of %d pages failing", task.Name, siteFailures, exec.TotalURLs)
	case exec.FailedURLs > 0:
		return fmt.Sprintf("[sitepatrol] %s: %d of %d pages not checked (infrastructure)", task.Name, exec.FailedURLs, exec.TotalURLs)
	default:
		return fmt.Sprintf("[sitepatrol] %s: all %d pages passed", task.Name, exec.TotalURLs)
	}
}

func ReportBody(task *core.PatrolTask, exec *core.PatrolExecution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Patrol: %s\n", task.Name)
	fmt.Fprintf(&b, "Execution: %s (%s, %s)\n", exec.ID, exec.Status, exec.Trigger)
	if exec.StartedAt != nil {
		fmt.Fprintf(&b, "Started: %s\n", exec.StartedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	if exec.DurationMs != nil {
		fmt.Fprintf(&b, "Duration: %dms\n", *exec.DurationMs)
	}
	fmt.Fprintf(&b, "Passed: %d  Failed: %d  Total: %d\n", exec.PassedURLs, exec.FailedURLs, exec.TotalURLs)
	if exec.ErrorMessage != nil {
		fmt.Fprintf(&b, "Error: %s\n", *exec.ErrorMessage)
	}
	if len(exec.TestResults) > 0 {
		b.WriteString("\n")
	}
	for _, r := range exec.TestResults {
		mark := "PASS"
		if r.Status == core.TestFail {
			mark = "FAIL"
			if r.IsInfrastructureError {
				mark = "SKIP"
			}
		}
		fmt.Fprintf(&b, "%s  %s  %s", mark, r.Name, r.URL)
		if r.StatusCode != nil {
			fmt.Fprintf(&b, "  status=%d", *r.StatusCode)
		}
		if r.ResponseTimeMs != nil {
			fmt.Fprintf(&b, "  %dms", *r.ResponseTimeMs)
		}
		if r.ErrorMessage != "" {
			fmt.Fprintf(&b, "  (%s)", r.ErrorMessage)
		}
		b.WriteString("\n")
	}
	return b.String()
}
