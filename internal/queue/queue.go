// Package queue runs work items from two FIFO lanes. Every queued high
// priority item is started before any low priority item; a running item is
// never interrupted.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sitepatrol/internal/apperr"
)

var (
	ErrStopped  = errors.New("task queue stopped")
	ErrCanceled = errors.New("queue item canceled before start")
)

// Priority selects a lane.
type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityLow  Priority = "low"
)

// Item is one unit of work.
type Item struct {
	ID       string
	Name     string
	Priority Priority
	Execute  func(ctx context.Context) (any, error)
}

// State of a queued item.
type State int32

const (
	StateQueued State = iota
	StateRunning
	StateDone
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Pending tracks an enqueued item until it settles.
type Pending struct {
	item  Item
	state atomic.Int32
	done  chan struct{}

	result any
	err    error
}

// ID returns the item id.
func (p *Pending) ID() string { return p.item.ID }

// State reports where the item is in its lifecycle.
func (p *Pending) State() State { return State(p.state.Load()) }

// Done is closed once the item has settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the item settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel drops the item if it has not started. It reports whether the item
// was dropped.
func (p *Pending) Cancel() bool {
	if !p.state.CompareAndSwap(int32(StateQueued), int32(StateCanceled)) {
		return false
	}
	p.err = ErrCanceled
	close(p.done)
	return true
}

func (p *Pending) settle(result any, err error) {
	p.result = result
	p.err = err
	p.state.Store(int32(StateDone))
	close(p.done)
}

// Stats describes queue depth and throughput.
type Stats struct {
	HighQueued int   `json:"high_queued"`
	LowQueued  int   `json:"low_queued"`
	Running    int   `json:"running"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Canceled   int64 `json:"canceled"`
}

// Queue is safe for concurrent use.
type Queue struct {
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	high    []*Pending
	low     []*Pending
	running int
	stopped bool
	started bool

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64
	canceled  atomic.Int64
}

// New creates a queue served by workers goroutines once started.
func New(workers int, logger *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		workers: workers,
		logger:  logger,
		wake:    make(chan struct{}, workers),
	}
}

// Start launches the workers. Items run with a context derived from ctx.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
}

// Stop drops every unstarted item and waits for running items to finish, or
// for ctx to expire.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	dropped := append(q.high, q.low...)
	q.high, q.low = nil, nil
	q.mu.Unlock()

	for _, p := range dropped {
		if p.state.CompareAndSwap(int32(StateQueued), int32(StateCanceled)) {
			p.err = ErrStopped
			close(p.done)
			q.canceled.Add(1)
		}
	}
	for i := 0; i < q.workers; i++ {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()
	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if q.cancel != nil {
		q.cancel()
	}
	return err
}

// Enqueue adds item to its lane and returns a handle to it.
func (q *Queue) Enqueue(item Item) *Pending {
	p := &Pending{item: item, done: make(chan struct{})}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		p.state.Store(int32(StateCanceled))
		p.err = ErrStopped
		close(p.done)
		return p
	}
	if item.Priority == PriorityHigh {
		q.high = append(q.high, p)
	} else {
		q.low = append(q.low, p)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return p
}

// ExecuteHighPriority enqueues item in the high lane and waits for it.
func (q *Queue) ExecuteHighPriority(ctx context.Context, item Item) (any, error) {
	item.Priority = PriorityHigh
	return q.Enqueue(item).Wait(ctx)
}

// ExecuteLowPriority enqueues item in the low lane and waits for it.
func (q *Queue) ExecuteLowPriority(ctx context.Context, item Item) (any, error) {
	item.Priority = PriorityLow
	return q.Enqueue(item).Wait(ctx)
}

// Stats reports lane depths and counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	s := Stats{
		HighQueued: countQueued(q.high),
		LowQueued:  countQueued(q.low),
		Running:    q.running,
	}
	q.mu.Unlock()
	s.Completed = q.completed.Load()
	s.Failed = q.failed.Load()
	s.Canceled = q.canceled.Load()
	return s
}

func countQueued(lane []*Pending) int {
	n := 0
	for _, p := range lane {
		if p.State() == StateQueued {
			n++
		}
	}
	return n
}

// next pops the oldest runnable item, high lane first. Canceled items are
// discarded on the way.
func (q *Queue) next() (*Pending, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return nil, false
	}
	for _, lane := range []*[]*Pending{&q.high, &q.low} {
		for len(*lane) > 0 {
			p := (*lane)[0]
			(*lane)[0] = nil
			*lane = (*lane)[1:]
			if p.state.CompareAndSwap(int32(StateQueued), int32(StateRunning)) {
				q.running++
				return p, true
			}
			q.canceled.Add(1)
		}
	}
	return nil, true
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		p, open := q.next()
		if !open {
			return
		}
		if p == nil {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		q.run(ctx, p)
	}
}

func (q *Queue) run(ctx context.Context, p *Pending) {
	start := time.Now()
	result, err := q.execute(ctx, p.item)

	q.mu.Lock()
	q.running--
	q.mu.Unlock()

	if err != nil {
		q.failed.Add(1)
		q.logger.Warn("queue item failed", "item_id", p.item.ID, "name", p.item.Name,
			"priority", string(p.item.Priority), "duration", time.Since(start), "err", err)
	} else {
		q.completed.Add(1)
		q.logger.Debug("queue item completed", "item_id", p.item.ID, "name", p.item.Name,
			"priority", string(p.item.Priority), "duration", time.Since(start))
	}
	p.settle(result, err)
}

func (q *Queue) execute(ctx context.Context, item Item) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Internal(fmt.Sprintf("queue item %s panicked: %v", item.Name, r))
		}
	}()
	if item.Execute == nil {
		return nil, apperr.Internal("queue item has no Execute function")
	}
	return item.Execute(ctx)
}
