// Package pool keeps a fixed number of live browser processes and hands them
// out one holder at a time.
//
// A browser is either idle or held. Release hands a browser straight to the
// oldest waiter when one exists, so the pool never holds more than Size
// browsers and queued acquirers are served in FIFO order ahead of late
// arrivals. A browser that disconnects is evicted and replaced in the
// background.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sitepatrol/internal/apperr"
)

// ErrShutdown is returned by Acquire and Initialize after Shutdown.
var ErrShutdown = errors.New("browser pool is shut down")

// Browser is a live browser process owned by the pool.
type Browser interface {
	// ID identifies the process in logs.
	ID() string
	// Contexts reports how many browsing contexts are open.
	Contexts() int
	// CloseContexts closes every open browsing context.
	CloseContexts() error
	// OnDisconnected registers fn to run when the process goes away.
	OnDisconnected(fn func())
	Close() error
}

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total     int `json:"total"`
	InUse     int `json:"in_use"`
	Available int `json:"available"`
	Queued    int `json:"queued"`
	Contexts  int `json:"contexts"`
}

// Config tunes a Pool.
type Config struct {
	Size          int
	LaunchTimeout time.Duration
}

type entry struct {
	browser Browser
	inUse   bool
}

type waiter struct {
	ch chan Browser
}

// Pool is safe for concurrent use.
type Pool struct {
	launcher Launcher
	logger   *slog.Logger
	size     int
	timeout  time.Duration

	mu       sync.Mutex
	entries  []*entry
	waiters  []*waiter
	closed   bool
	initDone chan struct{}
	initErr  error

	replacing sync.WaitGroup
}

// New creates a pool. Nothing is launched until Initialize.
func New(launcher Launcher, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		launcher: launcher,
		logger:   logger,
		size:     cfg.Size,
		timeout:  cfg.LaunchTimeout,
	}
}

// Size is the configured number of browsers.
func (p *Pool) Size() int { return p.size }

// Initialize launches Size browsers. Concurrent callers share one launch; once
// it succeeds further calls return immediately. A failed launch closes what
// was started and lets the next caller try again.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}
	if done := p.initDone; done != nil {
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
		err := p.initErr
		p.mu.Unlock()
		if err != nil {
			return p.Initialize(ctx)
		}
		return nil
	}
	done := make(chan struct{})
	p.initDone = done
	p.mu.Unlock()

	launched := make([]Browser, 0, p.size)
	var err error
	for i := 0; i < p.size; i++ {
		var b Browser
		b, err = p.launch(ctx)
		if err != nil {
			break
		}
		launched = append(launched, b)
	}

	p.mu.Lock()
	if err == nil && p.closed {
		err = ErrShutdown
	}
	if err != nil {
		p.initErr = err
		p.initDone = nil
		p.mu.Unlock()
		for _, b := range launched {
			_ = b.Close()
		}
		close(done)
		return err
	}
	for _, b := range launched {
		p.entries = append(p.entries, &entry{browser: b})
		p.watch(b)
	}
	p.initErr = nil
	p.mu.Unlock()
	close(done)
	p.logger.Info("browser pool initialized", "size", p.size)
	return nil
}

func (p *Pool) launch(ctx context.Context) (Browser, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	b, err := p.launcher.Launch(ctx)
	if err != nil {
		return nil, apperr.New(apperr.CategoryResource, "launch browser",
			apperr.WithCause(err), apperr.WithName("BrowserLaunchError"))
	}
	return b, nil
}

func (p *Pool) watch(b Browser) {
	b.OnDisconnected(func() { p.evict(b) })
}

// Acquire returns an idle browser, or waits until Release or a crash
// replacement hands one over. The caller must Release it.
func (p *Pool) Acquire(ctx context.Context) (Browser, error) {
	if err := p.Initialize(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, exhausted(ctx)
		}
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrShutdown
	}
	if len(p.waiters) == 0 {
		for _, e := range p.entries {
			if !e.inUse {
				e.inUse = true
				p.mu.Unlock()
				return e.browser, nil
			}
		}
	}
	w := &waiter{ch: make(chan Browser, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case b, ok := <-w.ch:
		if !ok {
			return nil, ErrShutdown
		}
		return b, nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	if p.removeWaiter(w) {
		p.mu.Unlock()
		return nil, exhausted(ctx)
	}
	p.mu.Unlock()
	// A browser was handed over while we were giving up.
	if b, ok := <-w.ch; ok {
		p.Release(b)
	}
	return nil, exhausted(ctx)
}

// exhausted is the non-retriable timeout returned when ctx ends before a
// browser is available.
func exhausted(ctx context.Context) *apperr.Error {
	return apperr.New(apperr.CategoryTimeout, "timed out waiting for a browser",
		apperr.WithCause(ctx.Err()), apperr.WithName("PoolExhaustedError"),
		apperr.WithRecovery(apperr.RecoveryStrategy{}))
}

func (p *Pool) removeWaiter(w *waiter) bool {
	for i, cur := range p.waiters {
		if cur == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Release closes the browser's contexts and hands it to the oldest waiter, or
// marks it idle. Browsers the pool no longer owns are ignored.
func (p *Pool) Release(b Browser) {
	if b == nil {
		return
	}
	if err := b.CloseContexts(); err != nil {
		p.logger.Warn("close browser contexts", "browser", b.ID(), "err", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.find(b)
	if e == nil {
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		e.inUse = true
		w.ch <- b
		return
	}
	e.inUse = false
}

func (p *Pool) find(b Browser) *entry {
	for _, e := range p.entries {
		if e.browser == b {
			return e
		}
	}
	return nil
}

func (p *Pool) evict(b Browser) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	idx := -1
	for i, e := range p.entries {
		if e.browser == b {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return
	}
	p.entries = append(p.entries[:idx], p.entries[idx+1:]...)
	remaining := len(p.entries)
	p.replacing.Add(1)
	p.mu.Unlock()

	p.logger.Warn("browser disconnected, evicting", "browser", b.ID(), "remaining", remaining)
	go p.replace()
}

func (p *Pool) replace() {
	defer p.replacing.Done()
	b, err := p.launch(context.Background())
	if err != nil {
		p.logger.Error("launch replacement browser", "err", err)
		return
	}

	p.mu.Lock()
	if p.closed || len(p.entries) >= p.size {
		p.mu.Unlock()
		_ = b.Close()
		return
	}
	e := &entry{browser: b}
	p.entries = append(p.entries, e)
	p.watch(b)
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		e.inUse = true
		w.ch <- b
	}
	total := len(p.entries)
	p.mu.Unlock()
	p.logger.Info("replacement browser ready", "browser", b.ID(), "total", total)
}

// WaitReplacements blocks until pending crash replacements have finished.
func (p *Pool) WaitReplacements() {
	p.replacing.Wait()
}

// Stats reports pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Total: len(p.entries), Queued: len(p.waiters)}
	for _, e := range p.entries {
		if e.inUse {
			s.InUse++
		}
		s.Contexts += e.browser.Contexts()
	}
	s.Available = s.Total - s.InUse
	return s
}

// Shutdown closes every browser concurrently. Waiters receive ErrShutdown.
// The pool cannot be reused afterwards.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = nil
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(entries))
	for i, e := range entries {
		wg.Add(1)
		go func(i int, b Browser) {
			defer wg.Done()
			if err := b.Close(); err != nil {
				errs[i] = fmt.Errorf("close browser %s: %w", b.ID(), err)
			}
		}(i, e.browser)
	}
	wg.Wait()
	p.replacing.Wait()
	p.logger.Info("browser pool shut down", "closed", len(entries))
	return errors.Join(errs...)
}
