package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/types"
	"github.com/tis24dev/cmsfleet/internal/vcs"
)

// UpdateOptions configure update and upgrade runs.
type UpdateOptions struct {
	vcs.UpdateOptions
	// Revision pins an update to a revision instead of the branch tip.
	Revision string
	// SkipBackup leaves out the snapshot taken before the code moves.
	SkipBackup bool
}

// Update brings every instance in ids to the tip of its branch.
func (o *Orchestrator) Update(ctx context.Context, ids []int64, opts UpdateOptions) *Summary {
	return o.run(ctx, "update", ids, func(ctx context.Context, inst *instance.Instance) InstanceResult {
		return o.update(ctx, inst, opts)
	})
}

// UpdateOne updates a single instance.
func (o *Orchestrator) UpdateOne(ctx context.Context, id int64, opts UpdateOptions) (InstanceResult, error) {
	return first(o.Update(ctx, []int64{id}, opts))
}

// UpgradeOne switches an instance to target after checking it against the
// instance runtime.
func (o *Orchestrator) UpgradeOne(ctx context.Context, id int64, target string, opts UpdateOptions) (InstanceResult, error) {
	return first(o.run(ctx, "upgrade", []int64{id}, func(ctx context.Context, inst *instance.Instance) InstanceResult {
		return o.upgrade(ctx, inst, target, opts)
	}))
}

func (o *Orchestrator) update(ctx context.Context, inst *instance.Instance, opts UpdateOptions) (res InstanceResult) {
	res.Err = o.mutate(ctx, inst, func(ctx context.Context, c *conn) error {
		repo, err := c.needRepo()
		if err != nil {
			return err
		}
		if err := o.preChangeSnapshot(ctx, c, opts, &res); err != nil {
			return err
		}
		u := vcs.Updater{VCS: repo, Tasks: o.deps.Tasks(inst, c.sh), Logger: c.logger}
		out, err := u.Update(ctx, inst.Webroot, opts.Revision, opts.UpdateOptions)
		res.Outcome = &out
		return o.afterChange(ctx, c, repo, out, err, &res)
	})
	return res
}

func (o *Orchestrator) upgrade(ctx context.Context, inst *instance.Instance, target string, opts UpdateOptions) (res InstanceResult) {
	res.Operation = "upgrade"
	res.Err = o.mutate(ctx, inst, func(ctx context.Context, c *conn) error {
		repo, err := c.needRepo()
		if err != nil {
			return err
		}
		runtime, err := o.runtime(ctx, inst)
		if err != nil {
			return err
		}
		current, err := repo.Branch(ctx, inst.Webroot)
		if err != nil {
			return fmt.Errorf("current branch: %w", err)
		}
		// Rejected before the snapshot so nothing is attempted.
		if err := vcs.CheckCompatibility(target, current, runtime); err != nil {
			return err
		}
		if err := o.preChangeSnapshot(ctx, c, opts, &res); err != nil {
			return err
		}
		u := vcs.Updater{VCS: repo, Tasks: o.deps.Tasks(inst, c.sh), Logger: c.logger}
		out, err := u.Upgrade(ctx, inst.Webroot, target, runtime, opts.UpdateOptions)
		res.Outcome = &out
		return o.afterChange(ctx, c, repo, out, err, &res)
	})
	return res
}

func (o *Orchestrator) preChangeSnapshot(ctx context.Context, c *conn, opts UpdateOptions, res *InstanceResult) error {
	if opts.SkipBackup {
		return nil
	}
	out, err := o.snapshot(ctx, c, BackupOptions{Mode: types.BackupFull})
	if err != nil {
		return err
	}
	res.Archive = out.Archive
	res.Bytes = out.Bytes
	return nil
}

// afterChange records the new version when the tree moved. Conflicts
// still fail the result so the operator resolves them.
func (o *Orchestrator) afterChange(ctx context.Context, c *conn, repo vcs.VCS, out vcs.Outcome, changeErr error, res *InstanceResult) error {
	var conflict *vcs.ConflictError
	if changeErr != nil && !errors.As(changeErr, &conflict) {
		return stepErr(res.opName(), changeErr)
	}
	if out.ToRevision == "" {
		return changeErr
	}
	if out.FromRevision == out.ToRevision && out.Branch != "" {
		c.logger.Info("Already at %s on %s", out.ToRevision, out.Branch)
	} else {
		c.logger.Info("Moved from %s to %s on %s", out.FromRevision, out.ToRevision, out.Branch)
	}
	warning, err := o.recordVersion(ctx, c, repo, out.Branch, out.ToRevision)
	res.Warning = warning
	if err != nil {
		return err
	}
	return changeErr
}

func (r *InstanceResult) opName() string {
	if r.Operation == "" {
		return "update"
	}
	return r.Operation
}

// runtime returns the PHP version of inst, detecting it when unknown.
func (o *Orchestrator) runtime(ctx context.Context, inst *instance.Instance) (string, error) {
	if inst.PHPVersion != "" {
		return inst.PHPVersion, nil
	}
	det, err := o.deps.Registry.Detect(ctx, inst)
	if err != nil {
		return "", fmt.Errorf("detect runtime: %w", err)
	}
	if err := o.deps.Registry.ApplyDetected(ctx, inst, det); err != nil {
		return "", err
	}
	return inst.PHPVersion, nil
}

// Targets lists the branches inst may upgrade to, with notes explaining
// the ones left out.
func (o *Orchestrator) Targets(ctx context.Context, id int64) ([]string, []vcs.Note, error) {
	inst, err := o.deps.Registry.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	c, err := o.connect(ctx, inst)
	if err != nil {
		return nil, nil, err
	}
	defer c.Close()
	repo, err := c.needRepo()
	if err != nil {
		return nil, nil, err
	}
	runtime, err := o.runtime(ctx, inst)
	if err != nil {
		return nil, nil, err
	}
	current, err := repo.Branch(ctx, inst.Webroot)
	if err != nil {
		return nil, nil, err
	}
	branches, err := repo.ListBranches(ctx, inst.Webroot)
	if err != nil {
		return nil, nil, err
	}
	offered, notes := vcs.FilterCompatible(branches, current, runtime)
	return offered, notes, nil
}
