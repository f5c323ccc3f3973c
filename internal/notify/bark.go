package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sitepatrol/internal/apperr"
)

// BarkNotifier sends notifications via Bark app.
type BarkNotifier struct {
	baseURL string
	group   string
	client  *http.Client
}

// NewBarkNotifier creates a new Bark notifier.
func NewBarkNotifier(baseURL string) (*BarkNotifier, error) {
	if baseURL == "" {
		return nil, apperr.Configuration("bark url is empty")
	}
	return &BarkNotifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		group:   "sitepatrol",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (b *BarkNotifier) Send(ctx context.Context, msg Message) error {
	form := url.Values{}
	form.Set("title", msg.Title)
	form.Set("body", msg.Body)
	form.Set("group", b.group)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, nil)
	if err != nil {
		return apperr.Configuration("create bark request", apperr.WithCause(err))
	}
	// Bark reads POST parameters from the query string as well.
	req.URL.RawQuery = form.Encode()

	resp, err := b.client.Do(req)
	if err != nil {
		return apperr.Normalize(fmt.Errorf("send bark notification: %w", err), map[string]any{"channel": "bark"})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apperr.ExternalService(fmt.Sprintf("bark api returned status: %d", resp.StatusCode),
			apperr.WithContext(map[string]any{"channel": "bark", "status": resp.StatusCode}))
	}
	return nil
}
