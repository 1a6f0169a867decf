// Package notify delivers the outcome of a fleet run to external channels.
// The core only builds a Report; how it reaches people is up to the
// notifiers configured here.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tis24dev/cmsfleet/internal/logging"
)

// Status is the overall result of a run.
type Status int

const (
	StatusSuccess Status = iota
	StatusWarning
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWarning:
		return "warning"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Failure is one per-instance message of a run.
type Failure struct {
	InstanceID int64  `json:"instance_id"`
	Instance   string `json:"instance"`
	Message    string `json:"message"`
}

// Report is what a run hands to the notifiers.
type Report struct {
	Operation string
	Hostname  string
	StartedAt time.Time
	Duration  time.Duration
	Total     int
	Succeeded int
	Failures  []Failure
	// Warnings are non-fatal findings such as checksum drift.
	Warnings []Failure
}

// Status derives the overall status from the counts.
func (r *Report) Status() Status {
	switch {
	case len(r.Failures) > 0:
		return StatusFailure
	case len(r.Warnings) > 0:
		return StatusWarning
	default:
		return StatusSuccess
	}
}

// Title is a one-line summary.
func (r *Report) Title() string {
	return fmt.Sprintf("cmsfleet %s on %s: %s (%d/%d ok)",
		r.Operation, r.Hostname, r.Status(), r.Succeeded, r.Total)
}

// Lines renders the failures and warnings, one per line.
func (r *Report) Lines() []string {
	lines := make([]string, 0, len(r.Failures)+len(r.Warnings))
	for _, f := range r.Failures {
		lines = append(lines, fmt.Sprintf("FAILED %d-%s: %s", f.InstanceID, f.Instance, f.Message))
	}
	for _, w := range r.Warnings {
		lines = append(lines, fmt.Sprintf("WARNING %d-%s: %s", w.InstanceID, w.Instance, w.Message))
	}
	return lines
}

// Text is the plain-text body used by chat-style payloads.
func (r *Report) Text() string {
	var b strings.Builder
	b.WriteString(r.Title())
	b.WriteString(" in ")
	b.WriteString(FormatDuration(r.Duration))
	for _, line := range r.Lines() {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

// Result describes one delivery attempt.
type Result struct {
	Success  bool
	Method   string
	Error    error
	Duration time.Duration
}

// Notifier is implemented by every delivery channel.
type Notifier interface {
	Name() string
	IsEnabled() bool
	// Send returns an error only for failures the caller must act on;
	// delivery problems are reported in the Result.
	Send(ctx context.Context, report *Report) (*Result, error)
}

// Dispatch sends report through every enabled notifier. Delivery failures
// are logged and never fail the run.
func Dispatch(ctx context.Context, logger *logging.Logger, report *Report, notifiers ...Notifier) {
	for _, n := range notifiers {
		if n == nil || !n.IsEnabled() {
			continue
		}
		res, err := n.Send(ctx, report)
		switch {
		case err != nil:
			logger.Warning("%s notification failed: %v", n.Name(), err)
		case res != nil && !res.Success:
			logger.Warning("%s notification not delivered: %v", n.Name(), res.Error)
		default:
			logger.Debug("%s notification sent", n.Name())
		}
	}
}

// FormatDuration formats a duration as e.g. "2h 15m 30s".
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	var parts []string
	if hours > 0 {
		parts = append(parts, strconv.Itoa(hours)+"h")
	}
	if minutes > 0 {
		parts = append(parts, strconv.Itoa(minutes)+"m")
	}
	if seconds > 0 {
		parts = append(parts, strconv.Itoa(seconds)+"s")
	}
	return strings.Join(parts, " ")
}
