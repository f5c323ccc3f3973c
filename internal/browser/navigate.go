package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"sitepatrol/internal/apperr"
)

const brokenImagesScript = `() => Array.from(document.images)
	.filter(img => img.complete && img.naturalWidth === 0)
	.map(img => img.currentSrc || img.src)`

// NavigateOptions controls one page load.
type NavigateOptions struct {
	Timeout   time.Duration
	UserAgent string
	// CollectBrokenImages evaluates the loaded DOM for images that failed to decode.
	CollectBrokenImages bool
}

// Snapshot is what a page load produced.
type Snapshot struct {
	URL          string
	FinalURL     string
	StatusCode   int
	Elapsed      time.Duration
	Title        string
	HTML         string
	BrokenImages []string
}

// Navigate loads url in a fresh browsing context and closes the context
// before returning. Failures are classified: timeouts as TIMEOUT, net::
// errors as NETWORK and a closed browser as a retriable RESOURCE error.
func (b *Browser) Navigate(ctx context.Context, url string, opts NavigateOptions) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Normalize(err, nil)
	}
	ctxOpts := playwright.BrowserNewContextOptions{}
	if opts.UserAgent != "" {
		ctxOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	bctx, err := b.pw.NewContext(ctxOpts)
	if err != nil {
		return nil, classify(err, url)
	}
	defer bctx.Close()

	// playwright calls are synchronous; closing the context aborts them.
	stop := context.AfterFunc(ctx, func() { _ = bctx.Close() })
	defer stop()

	page, err := bctx.NewPage()
	if err != nil {
		return nil, classify(err, url)
	}
	gotoOpts := playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateLoad}
	if opts.Timeout > 0 {
		gotoOpts.Timeout = playwright.Float(float64(opts.Timeout.Milliseconds()))
	}

	start := time.Now()
	resp, err := page.Goto(url, gotoOpts)
	elapsed := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, apperr.Normalize(ctxErr, map[string]any{"url": url})
		}
		return nil, classify(err, url)
	}

	snap := &Snapshot{URL: url, FinalURL: page.URL(), Elapsed: elapsed}
	if resp != nil {
		snap.StatusCode = resp.Status()
	}
	if snap.Title, err = page.Title(); err != nil {
		return nil, classify(err, url)
	}
	if snap.HTML, err = page.Content(); err != nil {
		return nil, classify(err, url)
	}
	if opts.CollectBrokenImages {
		raw, err := page.Evaluate(brokenImagesScript)
		if err != nil {
			return nil, classify(err, url)
		}
		if list, ok := raw.([]interface{}); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					snap.BrokenImages = append(snap.BrokenImages, s)
				}
			}
		}
	}
	return snap, nil
}

func classify(err error, url string) error {
	extra := apperr.WithContext(map[string]any{"url": url})
	msg := err.Error()
	switch {
	case errors.Is(err, playwright.ErrTimeout):
		return apperr.Timeout(fmt.Sprintf("page load timed out: %s", url), apperr.WithCause(err), extra)
	case strings.Contains(msg, "net::ERR_"):
		return apperr.Network(fmt.Sprintf("page load failed: %s", url), apperr.WithCause(err), extra)
	case errors.Is(err, playwright.ErrTargetClosed) || strings.Contains(msg, "has been closed"):
		return apperr.New(apperr.CategoryResource, "browser closed during check",
			apperr.WithName("BrowserClosedError"), apperr.WithCause(err), extra,
			apperr.WithRecovery(apperr.RecoveryStrategy{Retriable: true, MaxRetries: 1, RetryDelay: 500 * time.Millisecond}))
	default:
		return apperr.Internal(fmt.Sprintf("browser error on %s", url), apperr.WithCause(err), extra)
	}
}
