package mcp

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepatrol/internal/core"
	"sitepatrol/internal/pool"
	"sitepatrol/internal/queue"
	"sitepatrol/internal/store"
)

type memStore struct {
	tasks map[string]*core.PatrolTask
	execs map[string]*core.PatrolExecution
}

func (m *memStore) GetTask(_ context.Context, id string) (*core.PatrolTask, error) {
	if t, ok := m.tasks[id]; ok {
		return t, nil
	}
	return nil, store.ErrTaskNotFound
}

func (m *memStore) ListTasks(_ context.Context, enabledOnly bool) ([]*core.PatrolTask, error) {
	var out []*core.PatrolTask
	for _, t := range m.tasks {
		if !enabledOnly || t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*core.PatrolExecution, error) {
	if e, ok := m.execs[id]; ok {
		return e, nil
	}
	return nil, store.ErrExecutionNotFound
}

func (m *memStore) ListExecutions(_ context.Context, taskID string, limit, _ int) ([]*core.PatrolExecution, error) {
	var out []*core.PatrolExecution
	for _, e := range m.execs {
		if e.PatrolTaskID == taskID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type stubDispatcher struct{ prepared []string }

func (d *stubDispatcher) Prepare(_ context.Context, taskID string, trigger core.Trigger) (*core.PatrolExecution, error) {
	if taskID != "t1" {
		return nil, store.ErrTaskNotFound
	}
	d.prepared = append(d.prepared, taskID)
	return &core.PatrolExecution{ID: "e-new", PatrolTaskID: taskID, Trigger: trigger, Status: core.ExecutionPending, TotalURLs: 2}, nil
}

func (d *stubDispatcher) Job(exec *core.PatrolExecution, priority queue.Priority) queue.Item {
	return queue.Item{ID: exec.ID, Priority: priority}
}

type stubQueue struct{ items []queue.Item }

func (q *stubQueue) Enqueue(item queue.Item) *queue.Pending {
	q.items = append(q.items, item)
	return nil
}

func (q *stubQueue) Stats() queue.Stats { return queue.Stats{HighQueued: len(q.items), Completed: 7} }

type stubPool struct{}

func (stubPool) Stats() pool.Stats { return pool.Stats{Total: 2, InUse: 1, Available: 1} }

func newTestServer() (*MCPServer, *stubDispatcher, *stubQueue) {
	ms := &memStore{
		tasks: map[string]*core.PatrolTask{
			"t1": {ID: "t1", Name: "shop", Enabled: true, Targets: []core.PatrolTarget{
				{URL: "https://shop.example", Name: "home", MonitoringLevel: core.MonitoringStandard},
			}},
		},
		execs: map[string]*core.PatrolExecution{
			"e1": {
				ID: "e1", PatrolTaskID: "t1", Trigger: core.TriggerScheduled, Status: core.ExecutionCompleted,
				TotalURLs: 2, PassedURLs: 1, FailedURLs: 1,
				TestResults: []core.PatrolTestResult{
					{URL: "https://shop.example", Status: core.TestPass},
					{URL: "https://shop.example/cart", Status: core.TestFail, ErrorMessage: "status 500"},
				},
			},
		},
	}
	d := &stubDispatcher{}
	q := &stubQueue{}
	s := NewMCPServer(ms, d, q, stubPool{}, slog.New(slog.NewTextHandler(io.Discard, nil)), "UTC")
	s.now = func() time.Time { return time.Date(2026, 3, 10, 0, 30, 0, 0, time.UTC) }
	return s, d, q
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestListTasksTool(t *testing.T) {
	s, _, _ := newTestServer()
	res, err := s.handleListTasks(context.Background(), call(nil))
	require.NoError(t, err)
	out := text(t, res)
	assert.Contains(t, out, "t1 [enabled] shop")
	assert.Contains(t, out, "https://shop.example (home, standard)")
}

func TestRunTaskToolQueuesHighPriority(t *testing.T) {
	s, d, q := newTestServer()
	res, err := s.handleRunTask(context.Background(), call(map[string]any{"task_id": "t1"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), "e-new")
	assert.Equal(t, []string{"t1"}, d.prepared)
	require.Len(t, q.items, 1)
	assert.Equal(t, queue.PriorityHigh, q.items[0].Priority)

	res, err = s.handleRunTask(context.Background(), call(map[string]any{"task_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Len(t, q.items, 1)
}

func TestGetExecutionTool(t *testing.T) {
	s, _, _ := newTestServer()
	res, err := s.handleGetExecution(context.Background(), call(map[string]any{"execution_id": "e1"}))
	require.NoError(t, err)
	out := text(t, res)
	assert.Contains(t, out, "2 total, 1 passed, 1 failed")
	assert.Contains(t, out, "❌ https://shop.example/cart: status 500")

	res, err = s.handleGetExecution(context.Background(), call(map[string]any{"execution_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestListExecutionsTool(t *testing.T) {
	s, _, _ := newTestServer()
	res, err := s.handleListExecutions(context.Background(), call(map[string]any{"task_id": "t1"}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "e1 [scheduled] 1/2 passed")

	res, err = s.handleListExecutions(context.Background(), call(map[string]any{"task_id": "zz"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestCronPreviewTool(t *testing.T) {
	s, _, _ := newTestServer()
	res, err := s.handleCronPreview(context.Background(), call(map[string]any{
		"cron": "0 9 * * *", "time_zone": "Asia/Shanghai", "count": float64(2),
	}))
	require.NoError(t, err)
	out := text(t, res)
	assert.Contains(t, out, "1. 2026-03-10 09:00:00")
	assert.Contains(t, out, "2. 2026-03-11 09:00:00")

	res, err = s.handleCronPreview(context.Background(), call(map[string]any{"cron": "bogus"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestStatsTool(t *testing.T) {
	s, _, _ := newTestServer()
	res, err := s.handleStats(context.Background(), call(nil))
	require.NoError(t, err)
	out := text(t, res)
	assert.Contains(t, out, "7 completed")
	assert.Contains(t, out, "2 total, 1 in use")
}
