package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"sitepatrol/internal/core"
	"sitepatrol/internal/pool"
	"sitepatrol/internal/queue"
	"sitepatrol/internal/store"
)

// Store is the read side the tools need.
type Store interface {
	GetTask(ctx context.Context, id string) (*core.PatrolTask, error)
	ListTasks(ctx context.Context, enabledOnly bool) ([]*core.PatrolTask, error)
	GetExecution(ctx context.Context, id string) (*core.PatrolExecution, error)
	ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]*core.PatrolExecution, error)
}

// Queue accepts run requests and reports its depth.
type Queue interface {
	Enqueue(item queue.Item) *queue.Pending
	Stats() queue.Stats
}

// PoolStats reports browser pool usage.
type PoolStats interface {
	Stats() pool.Stats
}

// MCPServer represents the MCP server that handles protocol communication.
type MCPServer struct {
	store      Store
	dispatcher core.Dispatcher
	queue      Queue
	pool       PoolStats
	logger     *slog.Logger
	timeZone   string
	now        func() time.Time

	mcpServer *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with all tools registered.
func NewMCPServer(store Store, dispatcher core.Dispatcher, q Queue, browsers PoolStats, logger *slog.Logger, timeZone string) *MCPServer {
	s := &MCPServer{
		store:      store,
		dispatcher: dispatcher,
		queue:      q,
		pool:       browsers,
		logger:     logger,
		timeZone:   timeZone,
		now:        time.Now,
	}
	s.mcpServer = server.NewMCPServer(
		"sitepatrol",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.mcpServer)
	return s
}

// Run serves the MCP protocol on stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.mcpServer)
}

// HTTPHandler serves the streamable HTTP transport for mounting at /mcp.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath("/mcp"))
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("patrol_list_tasks",
		mcp.WithDescription("List patrol tasks with their target URLs"),
		mcp.WithBoolean("enabled_only",
			mcp.Description("Only list enabled tasks"),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("patrol_run_task",
		mcp.WithDescription("Queue an immediate patrol of a task. Returns the execution ID to poll with patrol_get_execution"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Patrol task ID"),
		),
	), s.handleRunTask)

	mcpServer.AddTool(mcp.NewTool("patrol_get_execution",
		mcp.WithDescription("Show an execution with per-URL results"),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution ID"),
		),
	), s.handleGetExecution)

	mcpServer.AddTool(mcp.NewTool("patrol_list_executions",
		mcp.WithDescription("List recent executions of a task, newest first"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Patrol task ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of executions to return, default 10"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListExecutions)

	mcpServer.AddTool(mcp.NewTool("patrol_cron_preview",
		mcp.WithDescription("Preview upcoming fire times of a 5-field cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression, e.g. '0 9 * * 1-5' for weekdays at 09:00"),
		),
		mcp.WithString("time_zone",
			mcp.Description("IANA time zone, e.g. Asia/Shanghai"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	mcpServer.AddTool(mcp.NewTool("patrol_stats",
		mcp.WithDescription("Show browser pool and task queue usage"),
	), s.handleStats)
}

// handleListTasks handles the patrol_list_tasks tool call.
func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabledOnly := mcp.ParseBoolean(request, "enabled_only", false)
	tasks, err := s.store.ListTasks(ctx, enabledOnly)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("no patrol tasks found"), nil
	}

	result := fmt.Sprintf("%d patrol tasks:\n\n", len(tasks))
	for _, t := range tasks {
		state := "enabled"
		if !t.Enabled {
			state = "disabled"
		}
		result += fmt.Sprintf("%s [%s] %s\n", t.ID, state, t.Name)
		for _, target := range t.Targets {
			result += fmt.Sprintf("  - %s (%s, %s)\n", target.URL, target.Name, target.MonitoringLevel)
		}
		result += "\n"
	}
	return mcp.NewToolResultText(result), nil
}

// handleRunTask handles the patrol_run_task tool call.
func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	exec, err := s.dispatcher.Prepare(ctx, taskID, core.TriggerManual)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to start patrol: %v", err)), nil
	}
	s.queue.Enqueue(s.dispatcher.Job(exec, queue.PriorityHigh))
	s.logger.Info("patrol queued", "task_id", taskID, "execution_id", exec.ID, "source", "mcp")

	return mcp.NewToolResultText(fmt.Sprintf("patrol queued\nexecution: %s\nurls: %d", exec.ID, exec.TotalURLs)), nil
}

// handleGetExecution handles the patrol_get_execution tool call.
func (s *MCPServer) handleGetExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "execution_id", "")
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("execution not found: %s", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load execution: %v", err)), nil
	}

	result := fmt.Sprintf("execution: %s\n", exec.ID)
	result += fmt.Sprintf("task: %s\n", exec.PatrolTaskID)
	result += fmt.Sprintf("trigger: %s\n", exec.Trigger)
	result += fmt.Sprintf("status: %s\n", exec.Status)
	result += fmt.Sprintf("started: %s\n", formatTime(exec.StartedAt))
	result += fmt.Sprintf("completed: %s\n", formatTime(exec.CompletedAt))
	result += fmt.Sprintf("urls: %d total, %d passed, %d failed\n", exec.TotalURLs, exec.PassedURLs, exec.FailedURLs)
	if exec.ErrorMessage != nil {
		result += fmt.Sprintf("error: %s\n", *exec.ErrorMessage)
	}
	if len(exec.TestResults) > 0 {
		result += "\nresults:\n"
		for _, r := range exec.TestResults {
			result += fmt.Sprintf("  %s %s", resultIcon(r), r.URL)
			if r.ResponseTimeMs != nil {
				result += fmt.Sprintf(" (%dms)", *r.ResponseTimeMs)
			}
			if r.ErrorMessage != "" {
				result += ": " + truncateString(r.ErrorMessage, 120)
			}
			result += "\n"
		}
	}
	return mcp.NewToolResultText(result), nil
}

// handleListExecutions handles the patrol_list_executions tool call.
func (s *MCPServer) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 10))

	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err)), nil
	}
	execs, err := s.store.ListExecutions(ctx, taskID, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list executions: %v", err)), nil
	}
	if len(execs) == 0 {
		return mcp.NewToolResultText("no executions yet"), nil
	}

	result := fmt.Sprintf("%d executions:\n\n", len(execs))
	for _, e := range execs {
		result += fmt.Sprintf("%s %s [%s] %d/%d passed, created %s\n",
			statusToIcon(e.Status), e.ID, e.Trigger, e.PassedURLs, e.TotalURLs, formatTime(&e.CreatedAt))
	}
	return mcp.NewToolResultText(result), nil
}

// handleCronPreview handles the patrol_cron_preview tool call.
func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")
	tz := mcp.ParseString(request, "time_zone", s.timeZone)

	schedule, err := core.ParseSchedule(cronExpr, tz)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid schedule: %v", err)), nil
	}
	loc, _ := core.LoadLocation(tz)

	count := int(mcp.ParseFloat64(request, "count", 5))
	nextTimes := core.NextOccurrences(schedule, s.now(), count)

	result := fmt.Sprintf("cron: %s\n", cronExpr)
	result += fmt.Sprintf("time zone: %s\n\n", loc)
	result += "next fire times:\n"
	for i, t := range nextTimes {
		result += fmt.Sprintf("  %d. %s\n", i+1, t.In(loc).Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(result), nil
}

// handleStats handles the patrol_stats tool call.
func (s *MCPServer) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	qs := s.queue.Stats()
	result := fmt.Sprintf("queue: %d high, %d low waiting, %d running, %d completed, %d failed\n",
		qs.HighQueued, qs.LowQueued, qs.Running, qs.Completed, qs.Failed)
	if s.pool != nil {
		ps := s.pool.Stats()
		result += fmt.Sprintf("browsers: %d total, %d in use, %d available, %d waiting, %d open contexts\n",
			ps.Total, ps.InUse, ps.Available, ps.Queued, ps.Contexts)
	}
	return mcp.NewToolResultText(result), nil
}

// Helper functions

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func statusToIcon(status core.ExecutionStatus) string {
	switch status {
	case core.ExecutionCompleted:
		return "✅"
	case core.ExecutionFailed:
		return "❌"
	case core.ExecutionRunning:
		return "▶️"
	case core.ExecutionPending:
		return "⏳"
	default:
		return "❓"
	}
}

func resultIcon(r core.PatrolTestResult) string {
	switch {
	case r.Status == core.TestPass:
		return "✅"
	case r.IsInfrastructureError:
		return "⚠️"
	default:
		return "❌"
	}
}
