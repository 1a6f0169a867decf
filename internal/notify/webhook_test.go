package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/types"
)

func testReport() *Report {
	return &Report{
		Operation: "backup",
		Hostname:  "fleet01",
		StartedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Duration:  2*time.Minute + 5*time.Second,
		Total:     3,
		Succeeded: 2,
		Failures:  []Failure{{InstanceID: 7, Instance: "shop", Message: "connection refused"}},
	}
}

func quietLogger() *logging.Logger {
	logger := logging.New(types.LogLevelNone, false)
	logger.SetOutput(io.Discard)
	return logger
}

func newTestNotifier(t *testing.T, url string, mutate func(*WebhookConfig)) *WebhookNotifier {
	t.Helper()
	cfg := WebhookConfig{
		Enabled:        true,
		URL:            url,
		Timeout:        5 * time.Second,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
		RateLimitDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	n, err := NewWebhookNotifier(cfg, quietLogger())
	if err != nil {
		t.Fatalf("NewWebhookNotifier: %v", err)
	}
	return n
}

func TestNewWebhookNotifierValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     WebhookConfig
		wantErr bool
		enabled bool
	}{
		{"disabled", WebhookConfig{}, false, false},
		{"https", WebhookConfig{Enabled: true, URL: "https://hooks.example.com/x"}, false, true},
		{"bad scheme", WebhookConfig{Enabled: true, URL: "ftp://hooks.example.com/x"}, true, false},
		{"unparsable", WebhookConfig{Enabled: true, URL: "http://[::1"}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := NewWebhookNotifier(tt.cfg, quietLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v; wantErr %v", err, tt.wantErr)
			}
			if err == nil && n.IsEnabled() != tt.enabled {
				t.Fatalf("IsEnabled = %v; want %v", n.IsEnabled(), tt.enabled)
			}
		})
	}
}

func TestWebhookGenericPayload(t *testing.T) {
	var got genericPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL+"/hook", func(c *WebhookConfig) { c.Token = "abc123" })
	res, err := n.Send(context.Background(), testReport())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success {
		t.Fatalf("delivery failed: %v", res.Error)
	}
	if auth != "Bearer abc123" {
		t.Fatalf("Authorization = %q", auth)
	}
	if got.Operation != "backup" || got.Status != "failure" || got.Failed != 1 || got.Succeeded != 2 {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if len(got.Failures) != 1 || got.Failures[0].Instance != "shop" {
		t.Fatalf("failures = %+v", got.Failures)
	}
	if got.Duration != "2m 5s" {
		t.Fatalf("duration = %q", got.Duration)
	}
}

func TestWebhookSlackPayload(t *testing.T) {
	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL, func(c *WebhookConfig) { c.Format = "slack" })
	if res, err := n.Send(context.Background(), testReport()); err != nil || !res.Success {
		t.Fatalf("Send: %v %+v", err, res)
	}
	if !strings.Contains(got.Text, "FAILED 7-shop: connection refused") {
		t.Fatalf("text = %q", got.Text)
	}
	if !strings.HasPrefix(got.Text, "cmsfleet backup on fleet01: failure (2/3 ok)") {
		t.Fatalf("title = %q", got.Text)
	}
}

func TestWebhookRetries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantOK    bool
		wantCalls int32
	}{
		{"server error then success", []int{500, 200}, true, 2},
		{"rate limited then success", []int{429, 200}, true, 2},
		{"client error is final", []int{404, 200}, false, 1},
		{"unauthorized is final", []int{401}, false, 1},
		{"retries exhausted", []int{502, 503, 500, 200}, false, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				i := atomic.AddInt32(&calls, 1) - 1
				w.WriteHeader(tt.statuses[i])
			}))
			defer srv.Close()

			res, err := newTestNotifier(t, srv.URL, nil).Send(context.Background(), testReport())
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			if res.Success != tt.wantOK {
				t.Fatalf("Success = %v (%v); want %v", res.Success, res.Error, tt.wantOK)
			}
			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Fatalf("calls = %d; want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestMaskURL(t *testing.T) {
	tests := map[string]string{
		"https://hooks.slack.com/services/T000/B000/XXXX": "https://hooks.slack.com/***MASKED***",
		"http://example.com?token=1":                      "http://example.com?***MASKED***",
		"not a url":                                       "***INVALID_URL***",
	}
	for in, want := range tests {
		if got := maskURL(in); got != want {
			t.Errorf("maskURL(%q) = %q; want %q", in, got, want)
		}
	}
}

type countingNotifier struct {
	enabled bool
	sent    int
}

func (c *countingNotifier) Name() string    { return "counting" }
func (c *countingNotifier) IsEnabled() bool { return c.enabled }
func (c *countingNotifier) Send(context.Context, *Report) (*Result, error) {
	c.sent++
	return &Result{Success: true}, nil
}

func TestDispatchSkipsDisabled(t *testing.T) {
	on := &countingNotifier{enabled: true}
	off := &countingNotifier{}
	Dispatch(context.Background(), quietLogger(), testReport(), on, off, nil)
	if on.sent != 1 || off.sent != 0 {
		t.Fatalf("sent on=%d off=%d", on.sent, off.sent)
	}
}

func TestReportStatusAndDuration(t *testing.T) {
	r := &Report{}
	if r.Status() != StatusSuccess {
		t.Fatalf("empty report status = %s", r.Status())
	}
	r.Warnings = []Failure{{InstanceID: 1, Instance: "a", Message: "drift"}}
	if r.Status() != StatusWarning {
		t.Fatalf("status = %s; want warning", r.Status())
	}

	durations := map[time.Duration]string{
		500 * time.Millisecond:                    "< 1s",
		42 * time.Second:                          "42s",
		2*time.Hour + 15*time.Minute + 30*time.Second: "2h 15m 30s",
		time.Hour:                                 "1h",
	}
	for d, want := range durations {
		if got := FormatDuration(d); got != want {
			t.Errorf("FormatDuration(%v) = %q; want %q", d, got, want)
		}
	}
}
