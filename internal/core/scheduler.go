package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sitepatrol/internal/queue"
)

// Dispatcher prepares executions and wraps them as queue items.
type Dispatcher interface {
	Prepare(ctx context.Context, taskID string, trigger Trigger) (*PatrolExecution, error)
	Job(exec *PatrolExecution, priority queue.Priority) queue.Item
}

// Scheduler turns enabled patrol schedules into low priority queue items.
// It never runs a patrol itself, so scheduled work always competes through
// the shared queue.
type Scheduler struct {
	store      ScheduleStore
	dispatcher Dispatcher
	queue      JobQueue
	logger     *slog.Logger

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]cron.EntryID

	initMu      sync.Mutex
	initialized bool

	// outstanding holds schedule ids whose last fire is queued or running.
	outstanding sync.Map
	inflight    sync.WaitGroup
	now         func() time.Time
	ctx         context.Context
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store ScheduleStore, dispatcher Dispatcher, q JobQueue, logger *slog.Logger) *Scheduler {
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cronLogger{logger: logger}),
	)
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		queue:      q,
		logger:     logger,
		cron:       c,
		entries:    make(map[string]cron.EntryID),
		now:        time.Now,
	}
}

// Initialize loads every active schedule and starts the cron loop. ctx is kept
// for background work triggered by fires. Calling it again is a no-op.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initialized {
		return nil
	}
	s.ctx = ctx
	if err := s.load(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.initialized = true
	return nil
}

// Stop stops the cron loop and waits for fires already handed to the queue
// to settle, or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReloadSchedules drops every registered trigger and registers the
// currently persisted active schedules.
func (s *Scheduler) ReloadSchedules(ctx context.Context) error {
	s.entryMu.Lock()
	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.entryMu.Unlock()
	return s.load(ctx)
}

// Entries reports how many schedules currently have a trigger.
func (s *Scheduler) Entries() int {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()
	return len(s.entries)
}

func (s *Scheduler) load(ctx context.Context) error {
	if err := s.store.ClearInactiveNextRuns(ctx); err != nil {
		s.logger.Warn("clear stale next_execution_at", "err", err)
	}
	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, sched := range schedules {
		if err := s.register(ctx, sched); err != nil {
			s.logger.Error("register schedule", "schedule_id", sched.ID, "task_id", sched.PatrolTaskID,
				"cron", sched.CronExpression, "time_zone", sched.TimeZone, "err", err)
		}
	}
	s.logger.Info("schedules loaded", "registered", s.Entries(), "active", len(schedules))
	return nil
}

func (s *Scheduler) register(ctx context.Context, sched *PatrolSchedule) error {
	schedule, err := ParseSchedule(sched.CronExpression, sched.TimeZone)
	if err != nil {
		return err
	}
	if next := s.nextRun(schedule); next != nil {
		if err := s.store.UpdateScheduleNextRun(ctx, sched.ID, next); err != nil {
			s.logger.Warn("update next_execution_at failed", "schedule_id", sched.ID, "err", err)
		}
	}

	scheduleID, taskID := sched.ID, sched.PatrolTaskID
	job := cron.FuncJob(func() {
		s.fire(scheduleID, taskID, schedule)
	})

	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if old, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(old)
	}
	s.entries[scheduleID] = s.cron.Schedule(schedule, job)
	return nil
}

// fire queues one low priority execution and, once it settles, records the
// fire time and the next fire time. A fire is skipped while the previous fire
// of the same schedule is still queued or running.
func (s *Scheduler) fire(scheduleID, taskID string, schedule cron.Schedule) {
	ctx := s.ctxOrBackground()
	firedAt := s.now().UTC()

	if _, busy := s.outstanding.LoadOrStore(scheduleID, struct{}{}); busy {
		s.logger.Info("skipping fire because the previous one is still outstanding",
			"schedule_id", scheduleID, "task_id", taskID)
		s.recordNextRun(ctx, scheduleID, schedule)
		return
	}

	exec, err := s.dispatcher.Prepare(ctx, taskID, TriggerScheduled)
	if err != nil {
		s.outstanding.Delete(scheduleID)
		s.logger.Error("prepare scheduled execution", "schedule_id", scheduleID, "task_id", taskID, "err", err)
		s.recordFire(ctx, scheduleID, schedule, firedAt)
		return
	}
	pending := s.queue.Enqueue(s.dispatcher.Job(exec, queue.PriorityLow))
	s.logger.Info("scheduled patrol queued", "schedule_id", scheduleID, "task_id", taskID, "execution_id", exec.ID)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.outstanding.Delete(scheduleID)
		<-pending.Done()
		if _, err := pending.Wait(ctx); err != nil {
			s.logger.Warn("scheduled patrol finished with error", "schedule_id", scheduleID,
				"execution_id", exec.ID, "err", err)
		}
		s.recordFire(ctx, scheduleID, schedule, firedAt)
	}()
}

func (s *Scheduler) recordFire(ctx context.Context, scheduleID string, schedule cron.Schedule, firedAt time.Time) {
	if err := s.store.UpdateScheduleRunInfo(ctx, scheduleID, &firedAt, s.nextRun(schedule)); err != nil {
		s.logger.Error("update schedule run info", "schedule_id", scheduleID, "err", err)
	}
}

func (s *Scheduler) recordNextRun(ctx context.Context, scheduleID string, schedule cron.Schedule) {
	if err := s.store.UpdateScheduleNextRun(ctx, scheduleID, s.nextRun(schedule)); err != nil {
		s.logger.Warn("update next_execution_at failed", "schedule_id", scheduleID, "err", err)
	}
}

func (s *Scheduler) nextRun(schedule cron.Schedule) *time.Time {
	next := schedule.Next(s.now())
	if next.IsZero() {
		return nil
	}
	nextUTC := next.UTC()
	return &nextUTC
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// cronLogger routes robfig/cron diagnostics to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
