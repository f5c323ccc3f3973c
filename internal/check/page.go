// Package check holds the per-URL check strategies run by the coordinator.
package check

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"sitepatrol/internal/apperr"
	"sitepatrol/internal/browser"
	"sitepatrol/internal/core"
	"sitepatrol/internal/pool"
)

// Navigator is a pooled browser able to load pages.
type Navigator interface {
	Navigate(ctx context.Context, url string, opts browser.NavigateOptions) (*browser.Snapshot, error)
}

// PageOptions tunes PageCheck.
type PageOptions struct {
	NavigationTimeout time.Duration
	UserAgent         string
	// Limiter throttles page loads across all executions; nil means unlimited.
	Limiter *rate.Limiter
}

// PageCheck loads the page and grades it by the target's monitoring level:
//
//	basic     the main document answers with a 2xx or 3xx status
//	standard  basic, plus a non-empty title and no broken images
//	full      standard, plus element counts in CheckDetails
//
// Task config keys: expected_status (number) replaces the 2xx/3xx rule,
// required_selectors (list of CSS selectors) must each match at standard
// and full levels.
type PageCheck struct {
	opts PageOptions
}

func NewPageCheck(opts PageOptions) *PageCheck {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	return &PageCheck{opts: opts}
}

func (p *PageCheck) Run(ctx context.Context, b pool.Browser, target core.PatrolTarget, cc core.CheckContext) (*core.PatrolTestResult, error) {
	nav, ok := b.(Navigator)
	if !ok {
		return nil, apperr.Configuration(fmt.Sprintf("browser %s cannot navigate", b.ID()))
	}
	if p.opts.Limiter != nil {
		if err := p.opts.Limiter.Wait(ctx); err != nil {
			return nil, apperr.Normalize(err, map[string]any{"url": target.URL})
		}
	}
	level := levelOf(target)
	snap, err := nav.Navigate(ctx, target.URL, browser.NavigateOptions{
		Timeout:             p.opts.NavigationTimeout,
		UserAgent:           p.opts.UserAgent,
		CollectBrokenImages: level != core.MonitoringBasic,
	})
	if err != nil {
		return nil, err
	}
	var taskConfig map[string]any
	if cc.Task != nil {
		taskConfig = cc.Task.Config
	}
	return Grade(snap, target, level, taskConfig)
}

// Grade turns a page snapshot into a result. It is separate from Run so it
// can be exercised without a browser.
func Grade(snap *browser.Snapshot, target core.PatrolTarget, level core.MonitoringLevel, taskConfig map[string]any) (*core.PatrolTestResult, error) {
	elapsed := snap.Elapsed.Milliseconds()
	result := &core.PatrolTestResult{
		URL:            target.URL,
		Name:           target.Name,
		Status:         core.TestPass,
		ResponseTimeMs: &elapsed,
		CheckDetails: map[string]any{
			"monitoring_level": string(level),
			"final_url":        snap.FinalURL,
		},
	}
	if snap.StatusCode > 0 {
		code := snap.StatusCode
		result.StatusCode = &code
	}

	var problems []string
	if expected, ok := intValue(taskConfig["expected_status"]); ok {
		if snap.StatusCode != expected {
			problems = append(problems, fmt.Sprintf("status %d, expected %d", snap.StatusCode, expected))
		}
	} else if snap.StatusCode < 200 || snap.StatusCode >= 400 {
		problems = append(problems, fmt.Sprintf("status %d", snap.StatusCode))
	}

	if level != core.MonitoringBasic {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
		if err != nil {
			return nil, apperr.Internal("parse page html", apperr.WithCause(err))
		}
		title := strings.TrimSpace(snap.Title)
		if title == "" {
			title = strings.TrimSpace(doc.Find("title").First().Text())
		}
		result.CheckDetails["title"] = title
		if title == "" {
			problems = append(problems, "page has no title")
		}
		if len(snap.BrokenImages) > 0 {
			result.CheckDetails["broken_images"] = snap.BrokenImages
			problems = append(problems, fmt.Sprintf("%d broken images", len(snap.BrokenImages)))
		}
		for _, sel := range stringList(taskConfig["required_selectors"]) {
			if doc.Find(sel).Length() == 0 {
				problems = append(problems, fmt.Sprintf("missing %q", sel))
			}
		}
		if level == core.MonitoringFull {
			collectDetails(doc, result.CheckDetails)
		}
	}

	if len(problems) > 0 {
		result.Status = core.TestFail
		result.ErrorMessage = strings.Join(problems, "; ")
	}
	return result, nil
}

func collectDetails(doc *goquery.Document, details map[string]any) {
	var emptyLinks int
	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" || href == "#" {
			emptyLinks++
		}
	})
	details["links"] = doc.Find("a").Length()
	details["empty_links"] = emptyLinks
	details["forms"] = doc.Find("form").Length()
	details["buttons"] = doc.Find("button, input[type=submit], input[type=button]").Length()
	details["images"] = doc.Find("img").Length()
	if desc, ok := doc.Find("meta[name='description']").Attr("content"); ok {
		details["description"] = strings.TrimSpace(desc)
	}
}

func levelOf(target core.PatrolTarget) core.MonitoringLevel {
	switch target.MonitoringLevel {
	case core.MonitoringStandard, core.MonitoringFull:
		return target.MonitoringLevel
	default:
		return core.MonitoringBasic
	}
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
