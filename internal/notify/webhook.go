package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/tis24dev/cmsfleet/internal/logging"
)

// WebhookConfig configures the webhook channel.
type WebhookConfig struct {
	Enabled bool
	URL     string
	// Format is "generic" (structured JSON) or "slack" (a text message).
	Format     string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	// RateLimitDelay is waited after an HTTP 429 before the next attempt.
	RateLimitDelay time.Duration
	Clock          clock.Clock
}

// WebhookNotifier posts the report as JSON to one endpoint.
type WebhookNotifier struct {
	config WebhookConfig
	logger *logging.Logger
	client *http.Client
}

// NewWebhookNotifier validates cfg. A disabled config yields a notifier
// that reports itself disabled.
func NewWebhookNotifier(cfg WebhookConfig, logger *logging.Logger) (*WebhookNotifier, error) {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Format == "" {
		cfg.Format = "generic"
	}
	w := &WebhookNotifier{config: cfg, logger: logger}
	if !cfg.Enabled {
		return w, nil
	}

	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid webhook URL scheme %q", parsed.Scheme)
	}
	w.client = &http.Client{Timeout: cfg.Timeout}
	logger.Debug("Webhook notifier ready: url=%s format=%s retries=%d", maskURL(cfg.URL), cfg.Format, cfg.MaxRetries)
	return w, nil
}

func (w *WebhookNotifier) Name() string { return "Webhook" }

func (w *WebhookNotifier) IsEnabled() bool {
	return w.config.Enabled && w.config.URL != ""
}

// Send posts report, retrying on transport errors, rate limiting and
// server errors. Client errors are not retried.
func (w *WebhookNotifier) Send(ctx context.Context, report *Report) (*Result, error) {
	start := w.config.Clock.Now()
	res := &Result{Method: "webhook"}
	if !w.IsEnabled() {
		res.Error = fmt.Errorf("webhook notifications not enabled")
		return res, nil
	}

	payload, err := json.Marshal(w.buildPayload(report))
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}

	res.Error = w.post(ctx, payload)
	res.Success = res.Error == nil
	res.Duration = w.config.Clock.Now().Sub(start)
	return res, nil
}

func (w *WebhookNotifier) post(ctx context.Context, payload []byte) error {
	maxRetries := w.config.MaxRetries
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			w.logger.Debug("Retry attempt %d/%d", attempt, maxRetries)
			if err := w.wait(ctx, w.config.RetryDelay); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "cmsfleet")
		if w.config.Token != "" {
			req.Header.Set("Authorization", "Bearer "+w.config.Token)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			w.logger.Warning("Webhook request failed (attempt %d/%d): %v", attempt+1, maxRetries+1, err)
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			w.logger.Debug("Webhook sent to %s: HTTP %d", maskURL(w.config.URL), resp.StatusCode)
			return nil
		case resp.StatusCode == http.StatusBadRequest:
			return fmt.Errorf("bad request (HTTP 400): %s", strings.TrimSpace(string(body)))
		case resp.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("authentication failed (HTTP 401)")
		case resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("forbidden (HTTP 403): %s", strings.TrimSpace(string(body)))
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("endpoint not found (HTTP 404)")
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("rate limit exceeded (HTTP 429)")
			w.logger.Warning("Webhook rate limited")
			if attempt < maxRetries {
				if err := w.wait(ctx, w.config.RateLimitDelay); err != nil {
					return err
				}
			}
		default:
			lastErr = fmt.Errorf("unexpected status (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			w.logger.Warning("Webhook returned HTTP %d (attempt %d/%d)", resp.StatusCode, attempt+1, maxRetries+1)
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (w *WebhookNotifier) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.config.Clock.After(d):
		return nil
	}
}

type genericPayload struct {
	Operation string    `json:"operation"`
	Status    string    `json:"status"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures"`
	Warnings  []Failure `json:"warnings"`
}

type slackPayload struct {
	Text string `json:"text"`
}

func (w *WebhookNotifier) buildPayload(r *Report) interface{} {
	if strings.EqualFold(w.config.Format, "slack") {
		return slackPayload{Text: r.Text()}
	}
	p := genericPayload{
		Operation: r.Operation,
		Status:    r.Status().String(),
		Hostname:  r.Hostname,
		StartedAt: r.StartedAt.UTC(),
		Duration:  FormatDuration(r.Duration),
		Total:     r.Total,
		Succeeded: r.Succeeded,
		Failed:    len(r.Failures),
		Failures:  r.Failures,
		Warnings:  r.Warnings,
	}
	if p.Failures == nil {
		p.Failures = []Failure{}
	}
	if p.Warnings == nil {
		p.Warnings = []Failure{}
	}
	return p
}

// maskURL hides path, query and fragment, which often carry tokens.
func maskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "***INVALID_URL***"
	}
	var b strings.Builder
	b.WriteString(parsed.Scheme)
	b.WriteString("://")
	b.WriteString(parsed.Host)
	if parsed.Path != "" {
		b.WriteString("/***MASKED***")
	}
	if parsed.RawQuery != "" {
		b.WriteString("?***MASKED***")
	}
	if parsed.Fragment != "" {
		b.WriteString("#***MASKED***")
	}
	return b.String()
}
