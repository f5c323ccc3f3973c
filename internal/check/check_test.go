package check

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"sitepatrol/internal/apperr"
	"sitepatrol/internal/browser"
	"sitepatrol/internal/core"
)

const shopHTML = `<!doctype html>
<html><head><title>Shop</title><meta name="description" content=" Best shop "></head>
<body>
  <a href="/cart">Cart</a><a href="#">Top</a><a>Dead</a>
  <form id="search"><input type="submit" value="Go"></form>
  <button>Buy</button>
  <img src="/logo.png">
</body></html>`

type fakeBrowser struct {
	snap  *browser.Snapshot
	err   error
	calls []browser.NavigateOptions
}

func (f *fakeBrowser) ID() string { return "fake" }
func (f *fakeBrowser) Contexts() int { return 0 }
func (f *fakeBrowser) CloseContexts() error { return nil }
func (f *fakeBrowser) OnDisconnected(fn func()) {}
func (f *fakeBrowser) Close() error { return nil }

func (f *fakeBrowser) Navigate(_ context.Context, url string, opts browser.NavigateOptions) (*browser.Snapshot, error) {
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return nil, f.err
	}
	snap := *f.snap
	snap.URL = url
	return &snap, nil
}

func snapshot(status int, title, html string) *browser.Snapshot {
	return &browser.Snapshot{FinalURL: "https://shop.example/", StatusCode: status, Elapsed: 120 * time.Millisecond, Title: title, HTML: html}
}

func TestGradeBasic(t *testing.T) {
	target := core.PatrolTarget{URL: "https://shop.example", Name: "home"}

	res, err := Grade(snapshot(200, "", ""), target, core.MonitoringBasic, nil)
	require.NoError(t, err)
	assert.Equal(t, core.TestPass, res.Status)
	assert.Equal(t, 200, *res.StatusCode)
	assert.Equal(t, int64(120), *res.ResponseTimeMs)

	res, err = Grade(snapshot(503, "", ""), target, core.MonitoringBasic, nil)
	require.NoError(t, err)
	assert.Equal(t, core.TestFail, res.Status)
	assert.Equal(t, "status 503", res.ErrorMessage)

	res, err = Grade(snapshot(404, "", ""), target, core.MonitoringBasic, map[string]any{"expected_status": float64(404)})
	require.NoError(t, err)
	assert.Equal(t, core.TestPass, res.Status)
}

func TestGradeStandard(t *testing.T) {
	target := core.PatrolTarget{URL: "https://shop.example", Name: "home"}

	res, err := Grade(snapshot(200, "", shopHTML), target, core.MonitoringStandard, nil)
	require.NoError(t, err)
	assert.Equal(t, core.TestPass, res.Status)
	assert.Equal(t, "Shop", res.CheckDetails["title"])
	assert.NotContains(t, res.CheckDetails, "links")

	snap := snapshot(200, "", "<html><body></body></html>")
	snap.BrokenImages = []string{"/hero.png"}
	res, err = Grade(snap, target, core.MonitoringStandard, map[string]any{"required_selectors": []any{"#search"}})
	require.NoError(t, err)
	assert.Equal(t, core.TestFail, res.Status)
	assert.Contains(t, res.ErrorMessage, "page has no title")
	assert.Contains(t, res.ErrorMessage, "1 broken images")
	assert.Contains(t, res.ErrorMessage, `missing "#search"`)
}

func TestGradeFullCollectsDetails(t *testing.T) {
	target := core.PatrolTarget{URL: "https://shop.example", Name: "home"}
	res, err := Grade(snapshot(200, "Shop", shopHTML), target, core.MonitoringFull, nil)
	require.NoError(t, err)

	assert.Equal(t, core.TestPass, res.Status)
	assert.Equal(t, 3, res.CheckDetails["links"])
	assert.Equal(t, 2, res.CheckDetails["empty_links"])
	assert.Equal(t, 1, res.CheckDetails["forms"])
	assert.Equal(t, 2, res.CheckDetails["buttons"])
	assert.Equal(t, 1, res.CheckDetails["images"])
	assert.Equal(t, "Best shop", res.CheckDetails["description"])
}

func TestPageCheckRun(t *testing.T) {
	b := &fakeBrowser{snap: snapshot(200, "Shop", shopHTML)}
	pc := NewPageCheck(PageOptions{NavigationTimeout: 5 * time.Second, Limiter: rate.NewLimiter(rate.Inf, 1)})

	target := core.PatrolTarget{URL: "https://shop.example", Name: "home", MonitoringLevel: core.MonitoringStandard}
	res, err := pc.Run(context.Background(), b, target, core.CheckContext{Task: &core.PatrolTask{}})
	require.NoError(t, err)
	assert.Equal(t, core.TestPass, res.Status)
	require.Len(t, b.calls, 1)
	assert.Equal(t, 5*time.Second, b.calls[0].Timeout)
	assert.True(t, b.calls[0].CollectBrokenImages)

	target.MonitoringLevel = ""
	_, err = pc.Run(context.Background(), b, target, core.CheckContext{})
	require.NoError(t, err)
	assert.False(t, b.calls[1].CollectBrokenImages)
}

func TestPageCheckPassesNavigationErrorsThrough(t *testing.T) {
	navErr := apperr.Timeout("page load timed out")
	b := &fakeBrowser{err: navErr}
	_, err := NewPageCheck(PageOptions{}).Run(context.Background(), b, core.PatrolTarget{URL: "https://x.example"}, core.CheckContext{})
	assert.ErrorIs(t, err, navErr)
}

func TestPageCheckRateLimitHonorsContext(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, limiter.Allow())
	pc := NewPageCheck(PageOptions{Limiter: limiter})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	b := &fakeBrowser{snap: snapshot(200, "", "")}
	_, err := pc.Run(ctx, b, core.PatrolTarget{URL: "https://x.example"}, core.CheckContext{})
	require.Error(t, err)
	assert.Empty(t, b.calls)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	pc := NewPageCheck(PageOptions{})
	r.Register(DefaultStrategy, pc)

	s, err := r.Strategy(&core.PatrolTask{})
	require.NoError(t, err)
	assert.Same(t, pc, s)

	_, err = r.Strategy(&core.PatrolTask{Config: map[string]any{"strategy": "visual-diff"}})
	require.Error(t, err)
	assert.True(t, apperr.IsCategory(err, apperr.CategoryValidation))
	assert.Equal(t, []string{"page"}, r.Names())
}
