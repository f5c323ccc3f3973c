package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepatrol/internal/core"
)

func openTestStore(t *testing.T, retention int) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir(), retention)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTask(t *testing.T, s *Store, name string, enabled bool) *core.PatrolTask {
	t.Helper()
	task := &core.PatrolTask{
		ID:   core.NewID(),
		Name: name,
		Targets: []core.PatrolTarget{
			{URL: "https://example.com", Name: "home", MonitoringLevel: core.MonitoringStandard},
		},
		Config:             map[string]any{"strategy": "page"},
		NotificationEmails: []string{"ops@example.com"},
		Enabled:            enabled,
	}
	require.NoError(t, s.InsertTask(context.Background(), task))
	return task
}

func TestOpenIsRepeatable(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), dir, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), dir, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestTaskRoundTrip(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	task := seedTask(t, s, "shop", true)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Targets, got.Targets)
	assert.Equal(t, "page", got.Config["strategy"])
	assert.Equal(t, []string{"ops@example.com"}, got.NotificationEmails)
	assert.True(t, got.Enabled)

	byName, err := s.FindTaskByName(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, task.ID, byName.ID)

	got.Enabled = false
	got.Description = "nightly"
	require.NoError(t, s.UpdateTask(ctx, got))
	enabled, err := s.ListTasks(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	dup := &core.PatrolTask{ID: core.NewID(), Name: "shop"}
	assert.ErrorIs(t, s.InsertTask(ctx, dup), ErrDuplicateName)

	require.NoError(t, s.DeleteTask(ctx, task.ID))
	_, err = s.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, s.DeleteTask(ctx, task.ID), ErrTaskNotFound)
}

func TestListActiveSchedulesRequiresEnabledTask(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	on := seedTask(t, s, "on", true)
	off := seedTask(t, s, "off", false)

	for _, sched := range []*core.PatrolSchedule{
		{ID: "a", PatrolTaskID: on.ID, CronExpression: "0 9 * * *", TimeZone: "Asia/Shanghai", Enabled: true},
		{ID: "b", PatrolTaskID: on.ID, CronExpression: "0 10 * * *", Enabled: false},
		{ID: "c", PatrolTaskID: off.ID, CronExpression: "0 11 * * *", Enabled: true},
	} {
		require.NoError(t, s.InsertSchedule(ctx, sched))
	}
	assert.ErrorIs(t, s.InsertSchedule(ctx, &core.PatrolSchedule{ID: "d", PatrolTaskID: "missing", CronExpression: "* * * * *"}), ErrTaskNotFound)

	active, err := s.ListActiveSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "Asia/Shanghai", active[0].TimeZone)

	last := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	next := last.Add(24 * time.Hour)
	require.NoError(t, s.UpdateScheduleRunInfo(ctx, "a", &last, &next))
	got, err := s.GetSchedule(ctx, "a")
	require.NoError(t, err)
	assert.True(t, last.Equal(*got.LastExecutionAt))
	assert.True(t, next.Equal(*got.NextExecutionAt))

	for _, id := range []string{"b", "c"} {
		require.NoError(t, s.UpdateScheduleNextRun(ctx, id, &next))
	}
	require.NoError(t, s.ClearInactiveNextRuns(ctx))
	for id, wantNext := range map[string]bool{"a": true, "b": false, "c": false} {
		got, err := s.GetSchedule(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, wantNext, got.NextExecutionAt != nil, id)
	}

	all, err := s.ListSchedules(ctx, on.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteTask(ctx, on.ID))
	_, err = s.GetSchedule(ctx, "a")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestUpdateExecutionStatusNeverRegresses(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	task := seedTask(t, s, "shop", true)
	exec := &core.PatrolExecution{ID: core.NewID(), PatrolTaskID: task.ID, Trigger: core.TriggerManual, Status: core.ExecutionPending, TotalURLs: 1}
	require.NoError(t, s.InsertExecution(ctx, exec))

	running := core.ExecutionRunning
	started := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	got, err := s.UpdateExecution(ctx, exec.ID, core.ExecutionPatch{Status: &running, StartedAt: &started})
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionRunning, got.Status)

	completed := core.ExecutionCompleted
	first := started.Add(time.Minute)
	passed := 1
	got, err = s.UpdateExecution(ctx, exec.ID, core.ExecutionPatch{
		Status:      &completed,
		CompletedAt: &first,
		PassedURLs:  &passed,
		TestResults: []core.PatrolTestResult{{URL: "https://example.com", Status: core.TestPass}},
	})
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, got.Status)
	require.Len(t, got.TestResults, 1)

	_, err = s.UpdateExecution(ctx, exec.ID, core.ExecutionPatch{Status: &running})
	assert.ErrorIs(t, err, ErrStatusConflict)
	failed := core.ExecutionFailed
	_, err = s.UpdateExecution(ctx, exec.ID, core.ExecutionPatch{Status: &failed})
	assert.ErrorIs(t, err, ErrStatusConflict)

	second := first.Add(time.Hour)
	sent := true
	got, err = s.UpdateExecution(ctx, exec.ID, core.ExecutionPatch{CompletedAt: &second, EmailSent: &sent})
	require.NoError(t, err)
	assert.True(t, first.Equal(*got.CompletedAt))
	assert.True(t, got.EmailSent)
	assert.Equal(t, core.ExecutionCompleted, got.Status)

	_, err = s.UpdateExecution(ctx, "missing", core.ExecutionPatch{Status: &running})
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestConcurrentTerminalUpdatesSetCompletedAtOnce(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	task := seedTask(t, s, "shop", true)
	exec := &core.PatrolExecution{ID: core.NewID(), PatrolTaskID: task.ID, Status: core.ExecutionRunning}
	require.NoError(t, s.InsertExecution(ctx, exec))

	base := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := core.ExecutionCompleted
			if i%2 == 1 {
				status = core.ExecutionFailed
			}
			at := base.Add(time.Duration(i) * time.Second)
			_, err := s.UpdateExecution(ctx, exec.ID, core.ExecutionPatch{Status: &status, CompletedAt: &at})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrStatusConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.Status.Terminal())
	assert.GreaterOrEqual(t, wins, 1)

	later := core.ExecutionRunning
	_, err = s.UpdateExecution(ctx, exec.ID, core.ExecutionPatch{Status: &later})
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestPruneExecutionsKeepsNewestFinished(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()
	task := seedTask(t, s, "shop", true)

	base := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 4; i++ {
		exec := &core.PatrolExecution{
			ID:           core.NewID(),
			PatrolTaskID: task.ID,
			Status:       core.ExecutionCompleted,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.InsertExecution(ctx, exec))
		ids = append(ids, exec.ID)
	}
	pending := &core.PatrolExecution{ID: core.NewID(), PatrolTaskID: task.ID, Status: core.ExecutionPending, CreatedAt: base}
	require.NoError(t, s.InsertExecution(ctx, pending))

	require.NoError(t, s.PruneExecutions(ctx, task.ID))

	list, err := s.ListExecutions(ctx, task.ID, 10, 0)
	require.NoError(t, err)
	var got []string
	for _, e := range list {
		got = append(got, e.ID)
	}
	assert.ElementsMatch(t, []string{ids[3], ids[2], pending.ID}, got)
}

func TestFailInterruptedExecutions(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	task := seedTask(t, s, "shop", true)
	for _, st := range []core.ExecutionStatus{core.ExecutionPending, core.ExecutionRunning, core.ExecutionCompleted} {
		require.NoError(t, s.InsertExecution(ctx, &core.PatrolExecution{ID: core.NewID(), PatrolTaskID: task.ID, Status: st}))
	}

	n, err := s.FailInterruptedExecutions(ctx, "process restarted")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := s.ListExecutions(ctx, task.ID, 10, 0)
	require.NoError(t, err)
	for _, e := range list {
		assert.True(t, e.Status.Terminal())
		if e.ErrorMessage != nil {
			assert.Equal(t, "process restarted", *e.ErrorMessage)
			assert.NotNil(t, e.CompletedAt)
		}
	}
}
