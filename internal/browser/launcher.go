// Package browser adapts playwright-go to the pool's Browser interface.
package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/playwright-community/playwright-go"

	"sitepatrol/internal/pool"
)

// Options configures launched browsers.
type Options struct {
	Headless bool
	// Install downloads the driver and Chromium on Start when missing.
	Install bool
	Args    []string
}

// Launcher owns the playwright driver process and launches Chromium instances.
type Launcher struct {
	opts   Options
	logger *slog.Logger

	mu  sync.Mutex
	pw  *playwright.Playwright
	seq atomic.Int64
}

// NewLauncher creates a launcher. Start must be called before Launch.
func NewLauncher(opts Options, logger *slog.Logger) *Launcher {
	return &Launcher{opts: opts, logger: logger}
}

// Start runs the playwright driver.
func (l *Launcher) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw != nil {
		return nil
	}
	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if l.opts.Install {
		if err := playwright.Install(runOpts); err != nil {
			return fmt.Errorf("install playwright: %w", err)
		}
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("start playwright: %w", err)
	}
	l.pw = pw
	return nil
}

// Stop shuts the driver down. Browsers must already be closed.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	if err != nil {
		return fmt.Errorf("stop playwright: %w", err)
	}
	return nil
}

// Launch starts one headless Chromium process.
func (l *Launcher) Launch(ctx context.Context) (pool.Browser, error) {
	l.mu.Lock()
	pw := l.pw
	l.mu.Unlock()
	if pw == nil {
		return nil, fmt.Errorf("playwright not started")
	}

	type result struct {
		b   playwright.Browser
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(l.opts.Headless),
			Args:     l.opts.Args,
		})
		done <- result{b: b, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("launch chromium: %w", r.err)
		}
		id := fmt.Sprintf("chromium-%d", l.seq.Add(1))
		l.logger.Debug("browser launched", "browser", id, "version", r.b.Version())
		return &Browser{id: id, pw: r.b}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				_ = r.b.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Browser is a pooled Chromium process.
type Browser struct {
	id string
	pw playwright.Browser
}

func (b *Browser) ID() string { return b.id }

func (b *Browser) Contexts() int { return len(b.pw.Contexts()) }

// CloseContexts closes every browsing context left open on the process.
func (b *Browser) CloseContexts() error {
	var firstErr error
	for _, c := range b.pw.Contexts() {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Browser) OnDisconnected(fn func()) {
	b.pw.OnDisconnected(func(playwright.Browser) { fn() })
}

func (b *Browser) Close() error {
	if !b.pw.IsConnected() {
		return nil
	}
	return b.pw.Close()
}

// NewContext opens an isolated browsing context. The pool closes it on release
// if the caller does not.
func (b *Browser) NewContext(opts playwright.BrowserNewContextOptions) (playwright.BrowserContext, error) {
	return b.pw.NewContext(opts)
}
