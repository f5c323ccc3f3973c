package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sitepatrol/internal/events"
	"sitepatrol/internal/pool"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errNotFound = errors.New("not found")

// memStore is an in-memory ScheduleStore and ExecutionStore.
type memStore struct {
	mu         sync.Mutex
	tasks      map[string]*PatrolTask
	schedules  map[string]*PatrolSchedule
	executions map[string]*PatrolExecution
	order      []string
	pruned     []string

	failUpdateStatus ExecutionStatus
}

func newMemStore() *memStore {
	return &memStore{
		tasks:      map[string]*PatrolTask{},
		schedules:  map[string]*PatrolSchedule{},
		executions: map[string]*PatrolExecution{},
	}
}

func (m *memStore) putTask(t *PatrolTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
}

func (m *memStore) putSchedule(s *PatrolSchedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s
}

func (m *memStore) GetTask(_ context.Context, id string) (*PatrolTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, errNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) ListActiveSchedules(_ context.Context) ([]*PatrolSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PatrolSchedule
	for _, s := range m.schedules {
		t, ok := m.tasks[s.PatrolTaskID]
		if !s.Enabled || !ok || !t.Enabled {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateScheduleRunInfo(_ context.Context, id string, last, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return errNotFound
	}
	s.LastExecutionAt = last
	s.NextExecutionAt = next
	return nil
}

func (m *memStore) UpdateScheduleNextRun(_ context.Context, id string, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return errNotFound
	}
	s.NextExecutionAt = next
	return nil
}

func (m *memStore) ClearInactiveNextRuns(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.schedules {
		t, ok := m.tasks[s.PatrolTaskID]
		if !s.Enabled || !ok || !t.Enabled {
			s.NextExecutionAt = nil
		}
	}
	return nil
}

func (m *memStore) schedule(id string) PatrolSchedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.schedules[id]
}

func (m *memStore) InsertExecution(_ context.Context, exec *PatrolExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.executions[exec.ID] = &cp
	m.order = append(m.order, exec.ID)
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*PatrolExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) UpdateExecution(_ context.Context, id string, patch ExecutionPatch) (*PatrolExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, errNotFound
	}
	if patch.Status != nil && *patch.Status == m.failUpdateStatus {
		return nil, errors.New("disk full")
	}
	if !patch.Apply(e) {
		return nil, fmt.Errorf("execution %s: status %s cannot move to %s", id, e.Status, *patch.Status)
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) PruneExecutions(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = append(m.pruned, taskID)
	return nil
}

// stubBrowser satisfies pool.Browser.
type stubBrowser struct {
	id string
}

func (b *stubBrowser) ID() string            { return b.id }
func (b *stubBrowser) Contexts() int         { return 0 }
func (b *stubBrowser) CloseContexts() error  { return nil }
func (b *stubBrowser) OnDisconnected(func()) {}
func (b *stubBrowser) Close() error          { return nil }

// stubPool hands out stubBrowsers, or fails with err.
type stubPool struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
}

func (p *stubPool) Acquire(context.Context) (pool.Browser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.acquired++
	return &stubBrowser{id: fmt.Sprintf("b%d", p.acquired)}, nil
}

func (p *stubPool) Release(pool.Browser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
}

func (p *stubPool) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

// scriptedStrategy answers per URL with a queue of outcomes.
type scriptedStrategy struct {
	mu      sync.Mutex
	script  map[string][]func() (*PatrolTestResult, error)
	calls   map[string]int
	browser []string
}

func newScriptedStrategy() *scriptedStrategy {
	return &scriptedStrategy{
		script: map[string][]func() (*PatrolTestResult, error){},
		calls:  map[string]int{},
	}
}

func (s *scriptedStrategy) on(url string, outcomes ...func() (*PatrolTestResult, error)) {
	s.script[url] = outcomes
}

func (s *scriptedStrategy) Run(_ context.Context, b pool.Browser, target PatrolTarget, _ CheckContext) (*PatrolTestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.browser = append(s.browser, b.ID())
	n := s.calls[target.URL]
	s.calls[target.URL]++
	outcomes := s.script[target.URL]
	if len(outcomes) == 0 {
		return &PatrolTestResult{Status: TestPass}, nil
	}
	if n >= len(outcomes) {
		n = len(outcomes) - 1
	}
	return outcomes[n]()
}

func (s *scriptedStrategy) Strategy(*PatrolTask) (CheckStrategy, error) { return s, nil }

func pass() (*PatrolTestResult, error) { return &PatrolTestResult{Status: TestPass}, nil }

// recordingReporter counts reports and answers with delivery and err.
type recordingReporter struct {
	mu       sync.Mutex
	delivery ReportDelivery
	err      error
	calls    []string
}

func (r *recordingReporter) SendPatrolReport(_ context.Context, id string) (ReportDelivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return r.delivery, r.err
}

// newTestBus returns a bus recording delivered event types.
func newTestBus() (*events.Bus, func() []events.Type) {
	bus := events.NewBus(discardLogger())
	var mu sync.Mutex
	var seen []events.Type
	rec := events.NewListener("recorder", func(_ context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
		return nil
	})
	bus.Subscribe(rec, events.PatrolStarted, events.PatrolCompleted, events.PatrolFailed)
	return bus, func() []events.Type {
		bus.Wait()
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Type(nil), seen...)
	}
}
