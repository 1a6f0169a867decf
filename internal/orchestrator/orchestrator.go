// Package orchestrator composes transports, locking, archives, version
// control, checksums and bisect sessions into the fleet operations. Every
// mutating operation runs under the instance lock and is refused while a
// bisect session is open on the instance.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tis24dev/cmsfleet/internal/archive"
	"github.com/tis24dev/cmsfleet/internal/bisect"
	"github.com/tis24dev/cmsfleet/internal/checksum"
	"github.com/tis24dev/cmsfleet/internal/config"
	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/metrics"
	"github.com/tis24dev/cmsfleet/internal/notify"
	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
	"github.com/tis24dev/cmsfleet/internal/vcs"
)

// VCSFactory builds the adapter for a code tree. It matches vcs.New.
type VCSFactory func(kind types.VCSType, sh transport.ShellExecutor, opts vcs.Options) (vcs.VCS, error)

// TasksFactory returns the post-update tasks of an instance, or nil when
// it has none.
type TasksFactory func(inst *instance.Instance, sh transport.ShellExecutor) vcs.PostTasks

// Deps groups the orchestrator dependencies.
type Deps struct {
	Logger    *logging.Logger
	Config    *config.Config
	Registry  *instance.Manager
	Archives  *archive.Engine
	Checksums *checksum.Verifier
	Bisect    *bisect.Manager
	VCS       VCSFactory
	Tasks     TasksFactory
	Notifiers []notify.Notifier
	Metrics   *metrics.PrometheusExporter
	Clock     clock.Clock
	Hostname  string
}

// Orchestrator runs fleet operations.
type Orchestrator struct {
	deps   Deps
	logger *logging.Logger
	clock  clock.Clock
	owner  string
}

// New checks deps and fills the optional ones.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case deps.Archives == nil:
		return nil, errors.New("orchestrator: archive engine is required")
	case deps.Checksums == nil:
		return nil, errors.New("orchestrator: checksum verifier is required")
	case deps.Bisect == nil:
		return nil, errors.New("orchestrator: bisect manager is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetDefaultLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.VCS == nil {
		deps.VCS = vcs.New
	}
	if deps.Tasks == nil {
		deps.Tasks = consoleTasks
	}
	label := ""
	if deps.Config != nil {
		label = deps.Config.LockOwner
	}
	return &Orchestrator{deps: deps, logger: deps.Logger, clock: deps.Clock, owner: instance.RunOwner(label)}, nil
}

// Registry exposes the instance registry for commands that only manage
// records.
func (o *Orchestrator) Registry() *instance.Manager { return o.deps.Registry }

// Archives exposes the archive engine for listing.
func (o *Orchestrator) Archives() *archive.Engine { return o.deps.Archives }

func consoleTasks(inst *instance.Instance, sh transport.ShellExecutor) vcs.PostTasks {
	if sh == nil {
		return nil
	}
	return vcs.ConsoleTasks{Shell: sh, PHP: inst.PHPPath, Folder: inst.Webroot}
}

func (o *Orchestrator) maxBackups() int {
	if o.deps.Config == nil {
		return 0
	}
	return o.deps.Config.MaxBackups
}

func (o *Orchestrator) repositoryURL(kind types.VCSType) string {
	if o.deps.Config == nil {
		return ""
	}
	switch kind {
	case types.VCSGit:
		return o.deps.Config.GitRepositoryURL
	case types.VCSSvn:
		return o.deps.Config.SVNRepositoryURL
	}
	return ""
}

// InstanceResult is the outcome of one operation on one instance.
type InstanceResult struct {
	InstanceID int64
	Name       string
	Operation  string
	Err        error
	// Warning carries non-fatal findings such as checksum drift.
	Warning  error
	Archive  *archive.Archive
	Restore  *archive.RestoreResult
	Outcome  *vcs.Outcome
	Drift    *checksum.Diff
	Bytes    int64
	Duration time.Duration
}

// OK reports whether the operation succeeded.
func (r InstanceResult) OK() bool { return r.Err == nil }

// Summary is the per-instance report of a run.
type Summary struct {
	Operation  string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []InstanceResult
}

// Failed returns the failed results in selection order.
func (s *Summary) Failed() []InstanceResult {
	var out []InstanceResult
	for _, r := range s.Results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// Succeeded counts the successful results.
func (s *Summary) Succeeded() int {
	return len(s.Results) - len(s.Failed())
}

// ExitCode maps the run to a process exit code. A single failure keeps
// its own code; several failures in a batch yield ExitPartialFailure.
func (s *Summary) ExitCode() types.ExitCode {
	failed := s.Failed()
	switch {
	case len(failed) == 0:
		return types.ExitSuccess
	case len(s.Results) == 1:
		return ExitCodeFor(failed[0].Err)
	default:
		return types.ExitPartialFailure
	}
}

// Lines renders the summary for logs and terminals.
func (s *Summary) Lines() []string {
	title := cases.Title(language.English).String(strings.ReplaceAll(s.Operation, "-", " "))
	lines := []string{fmt.Sprintf("%s summary: %d/%d succeeded in %s",
		title, s.Succeeded(), len(s.Results), notify.FormatDuration(s.FinishedAt.Sub(s.StartedAt)))}
	for _, r := range s.Results {
		status := "ok"
		detail := ""
		switch {
		case r.Err != nil:
			status = "FAILED"
			detail = ": " + r.Err.Error()
		case r.Warning != nil:
			status = "warning"
			detail = ": " + r.Warning.Error()
		}
		lines = append(lines, fmt.Sprintf("  %-8s %d-%s (%s)%s", status, r.InstanceID, r.Name, r.Operation, detail))
	}
	return lines
}

// run executes fn for every id in selection order. A failure never stops
// the batch; a cancelled context fails the remaining instances without
// touching them.
func (o *Orchestrator) run(ctx context.Context, operation string, ids []int64, fn func(ctx context.Context, inst *instance.Instance) InstanceResult) *Summary {
	sum := &Summary{Operation: operation, StartedAt: o.clock.Now()}
	o.logger.Phase("%s of %d instance(s)", operation, len(ids))
	for _, id := range ids {
		sum.Results = append(sum.Results, o.runOne(ctx, operation, id, fn))
	}
	sum.FinishedAt = o.clock.Now()
	o.report(ctx, sum)
	return sum
}

func (o *Orchestrator) runOne(ctx context.Context, operation string, id int64, fn func(ctx context.Context, inst *instance.Instance) InstanceResult) (res InstanceResult) {
	start := o.clock.Now()
	defer func() {
		res.InstanceID = id
		if res.Operation == "" {
			res.Operation = operation
		}
		res.Duration = o.clock.Now().Sub(start)
	}()
	if err := ctx.Err(); err != nil {
		return InstanceResult{Err: err}
	}
	inst, err := o.deps.Registry.Get(ctx, id)
	if err != nil {
		o.logger.Error("Instance %d: %v", id, err)
		return InstanceResult{Err: err}
	}
	res = fn(ctx, inst)
	res.Name = inst.Name
	logger := o.logger.WithInstance(inst.ID, inst.Name)
	switch {
	case res.Err != nil:
		logger.Error("%s failed: %v", operation, res.Err)
	case res.Warning != nil:
		logger.Warning("%s: %v", operation, res.Warning)
	default:
		logger.Step("%s done", operation)
	}
	return res
}

// report logs the summary and hands it to notifiers and metrics. Delivery
// problems are logged only.
func (o *Orchestrator) report(ctx context.Context, sum *Summary) {
	for _, line := range sum.Lines() {
		o.logger.Info("%s", line)
	}

	rep := &notify.Report{
		Operation: sum.Operation,
		Hostname:  o.deps.Hostname,
		StartedAt: sum.StartedAt,
		Duration:  sum.FinishedAt.Sub(sum.StartedAt),
		Total:     len(sum.Results),
		Succeeded: sum.Succeeded(),
	}
	for _, r := range sum.Results {
		entry := notify.Failure{InstanceID: r.InstanceID, Instance: r.Name}
		switch {
		case r.Err != nil:
			entry.Message = r.Err.Error()
			rep.Failures = append(rep.Failures, entry)
		case r.Warning != nil:
			entry.Message = r.Warning.Error()
			rep.Warnings = append(rep.Warnings, entry)
		}
	}
	notify.Dispatch(ctx, o.logger, rep, o.deps.Notifiers...)

	if o.deps.Metrics == nil {
		return
	}
	m := &metrics.RunMetrics{
		Operation: sum.Operation,
		Hostname:  o.deps.Hostname,
		StartTime: sum.StartedAt,
		EndTime:   sum.FinishedAt,
		ExitCode:  sum.ExitCode().Int(),
	}
	for _, r := range sum.Results {
		im := metrics.InstanceMetrics{ID: r.InstanceID, Name: r.Name, Success: r.OK(), Bytes: r.Bytes, Duration: r.Duration}
		if r.Drift != nil {
			im.Drift = len(r.Drift.New) + len(r.Drift.Modified) + len(r.Drift.Deleted)
		}
		m.Instances = append(m.Instances, im)
	}
	if err := o.deps.Metrics.Export(m); err != nil {
		o.logger.Warning("Failed to export metrics: %v", err)
	}
}

// first returns the only result of a single-instance run.
func first(sum *Summary) (InstanceResult, error) {
	if len(sum.Results) == 0 {
		return InstanceResult{}, errors.New("no instance processed")
	}
	r := sum.Results[0]
	return r, r.Err
}
