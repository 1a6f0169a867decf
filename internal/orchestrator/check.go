package orchestrator

import (
	"context"
	"errors"

	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/vcs"
)

// Check compares every instance in ids against its checksum baseline.
// Drift is reported as a warning, not a failure.
func (o *Orchestrator) Check(ctx context.Context, ids []int64) *Summary {
	return o.run(ctx, "check", ids, o.check)
}

// CheckOne checks a single instance.
func (o *Orchestrator) CheckOne(ctx context.Context, id int64) (InstanceResult, error) {
	return first(o.Check(ctx, []int64{id}))
}

// check needs no lock since it only reads, but a bisect session leaves the
// tree at a test commit, so it is refused like the mutating operations.
func (o *Orchestrator) check(ctx context.Context, inst *instance.Instance) (res InstanceResult) {
	if res.Err = o.guard(ctx, inst); res.Err != nil {
		return res
	}
	c, err := o.connect(ctx, inst)
	if err != nil {
		res.Err = err
		return res
	}
	defer c.Close()

	revision, err := o.baselineRevision(ctx, c)
	if err != nil {
		res.Err = err
		return res
	}

	diff, err := o.deps.Checksums.PerformCheck(ctx, inst, c.access, revision, c.skipDirs())
	if errors.Is(err, instance.ErrNotFound) {
		// First check of an instance without history: the live tree
		// becomes the baseline.
		c.logger.Info("No checksum baseline for %q; capturing one from the instance", revision)
		if _, err := o.deps.Checksums.Capture(ctx, inst, c.access, c.repoOrNil(), revision); err != nil {
			res.Err = stepErr("baseline", err)
		}
		return res
	}
	if err != nil {
		res.Err = err
		return res
	}
	res.Drift = &diff
	if w := diff.Warning(inst.ID); w != nil {
		res.Warning = w
		for _, line := range w.Lines() {
			c.logger.Warning("%s", line)
		}
	}
	return res
}

// baselineRevision is the revision of the latest recorded version, or the
// live revision when nothing was recorded yet.
func (o *Orchestrator) baselineRevision(ctx context.Context, c *conn) (string, error) {
	v, err := o.deps.Registry.LatestVersion(ctx, c.inst.ID)
	if err == nil {
		return v.Revision, nil
	}
	if !errors.Is(err, instance.ErrNotFound) {
		return "", err
	}
	if c.repoErr != nil {
		return "", nil
	}
	return c.repo.Revision(ctx, c.inst.Webroot)
}

func (c *conn) repoOrNil() vcs.VCS {
	if c.repoErr != nil {
		return nil
	}
	return c.repo
}
