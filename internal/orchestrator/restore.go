package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/tis24dev/cmsfleet/internal/archive"
	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/types"
)

// ErrRevertNeedsForce is returned by Revert without Force: reverting
// always overwrites a live application.
var ErrRevertNeedsForce = errors.New("revert overwrites the live instance and needs force")

// RestoreOptions configure a restore.
type RestoreOptions struct {
	// ArchiveID selects an archive of the source; empty takes the latest.
	ArchiveID             string
	Force                 bool
	Direct                bool
	SkipSystemConfigCheck bool
	// CommonParentLevels: -1 disables the check, 0 requires the archive
	// root to match the destination webroot, N tolerates N levels.
	CommonParentLevels int
	// Verify compares the restored tree with the source baseline.
	Verify bool
}

// RestoreOne restores an archive of source into dest. Restoring another
// instance's archive is a clone.
func (o *Orchestrator) RestoreOne(ctx context.Context, destID, sourceID int64, opts RestoreOptions) (InstanceResult, error) {
	return first(o.run(ctx, "restore", []int64{destID}, func(ctx context.Context, dest *instance.Instance) InstanceResult {
		source := dest
		if sourceID != dest.ID {
			var err error
			if source, err = o.deps.Registry.Get(ctx, sourceID); err != nil {
				return InstanceResult{Err: fmt.Errorf("source: %w", err)}
			}
		}
		a, err := o.pickArchive(ctx, source, opts)
		if err != nil {
			return InstanceResult{Err: err}
		}
		return o.restore(ctx, dest, source, a, opts)
	}))
}

// Revert restores an instance from one of its own archives.
func (o *Orchestrator) Revert(ctx context.Context, id int64, opts RestoreOptions) (InstanceResult, error) {
	return first(o.run(ctx, "revert", []int64{id}, func(ctx context.Context, inst *instance.Instance) InstanceResult {
		if !opts.Force {
			return InstanceResult{Err: ErrRevertNeedsForce}
		}
		opts.Direct = false
		a, err := o.pickArchive(ctx, inst, opts)
		if err != nil {
			return InstanceResult{Err: err}
		}
		return o.restore(ctx, inst, inst, a, opts)
	}))
}

func (o *Orchestrator) pickArchive(ctx context.Context, source *instance.Instance, opts RestoreOptions) (*archive.Archive, error) {
	if opts.ArchiveID == "" {
		a, err := o.deps.Archives.Latest(ctx, source)
		if err != nil && opts.Direct && errors.Is(err, instance.ErrNotFound) {
			// A direct copy between local instances needs no archive.
			return nil, nil
		}
		return a, err
	}
	list, err := o.deps.Archives.List(ctx, source)
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		if a.ID == opts.ArchiveID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("archive %s of %s: %w", opts.ArchiveID, source.Label(), instance.ErrNotFound)
}

func (o *Orchestrator) restore(ctx context.Context, dest, source *instance.Instance, a *archive.Archive, opts RestoreOptions) (res InstanceResult) {
	res.Err = o.mutate(ctx, dest, func(ctx context.Context, c *conn) error {
		req := archive.RestoreRequest{
			Dest:                    dest,
			DestAccess:              c.access,
			Source:                  source,
			Archive:                 a,
			IsClone:                 source.ID != dest.ID,
			Direct:                  opts.Direct,
			Force:                   opts.Force,
			SkipSystemConfigCheck:   opts.SkipSystemConfigCheck,
			AllowCommonParentLevels: opts.CommonParentLevels,
			Checkout: func(ctx context.Context, meta *archive.Metadata) error {
				repo, err := o.vcsFor(meta.VCS, c.sh)
				if err != nil {
					return err
				}
				return repo.Checkout(ctx, dest.Webroot, meta.Branch, meta.Revision)
			},
		}
		if opts.Direct {
			srcAccess, err := o.deps.Registry.Open(source)
			if err != nil {
				return fmt.Errorf("open source: %w", err)
			}
			defer srcAccess.Close()
			req.SourceAccess = srcAccess
		}
		if opts.Verify {
			req.Verify = o.verifyRestore(c, source, &res)
		}

		out, err := o.deps.Archives.Restore(ctx, req)
		res.Restore = out
		if out != nil {
			res.Bytes = out.Bytes
		}
		if err != nil {
			return stepErr("restore", err)
		}
		if meta := out.Metadata; meta != nil && meta.VCS.IsVersioned() && meta.Revision != "" {
			v := &instance.Version{InstanceID: dest.ID, Type: meta.VCS, Branch: meta.Branch, Revision: meta.Revision}
			if err := o.deps.Registry.RecordVersion(ctx, v); err != nil {
				return stepErr("record version", err)
			}
		}
		return nil
	})
	return res
}

// verifyRestore compares the restored tree with the baseline of the
// revision the archive was taken at. Drift is a warning on res.
func (o *Orchestrator) verifyRestore(c *conn, source *instance.Instance, res *InstanceResult) func(context.Context, *archive.Metadata) error {
	return func(ctx context.Context, meta *archive.Metadata) error {
		var revision string
		if meta != nil {
			revision = meta.Revision
		} else if v, err := o.deps.Registry.LatestVersion(ctx, source.ID); err == nil {
			revision = v.Revision
		}
		m, err := o.deps.Checksums.Store.LoadManifest(ctx, source.ID, revision)
		if errors.Is(err, instance.ErrNotFound) {
			c.logger.Skip("Verification: no checksum baseline of %s at %q", source.Label(), revision)
			return nil
		}
		if err != nil {
			return err
		}
		skip := append([]string{".git", ".svn"}, c.inst.Ignore...)
		diff, err := o.deps.Checksums.CheckAgainst(ctx, m, c.inst, c.access, skip)
		if err != nil {
			return stepErr("verify", err)
		}
		if w := diff.Warning(c.inst.ID); w != nil {
			res.Drift = &diff
			res.Warning = w
			return nil
		}
		c.logger.Info("Restored tree matches the baseline of %q", revision)
		return nil
	}
}

// CloneOptions configure a clone run.
type CloneOptions struct {
	Snapshot BackupOptions
	Restore  RestoreOptions
	// UpgradeTarget, when set, upgrades every destination after its
	// restore.
	UpgradeTarget string
	Upgrade       UpdateOptions
}

// Clone snapshots source and restores the snapshot into every destination
// in order. Nothing is restored unless the snapshot succeeded.
func (o *Orchestrator) Clone(ctx context.Context, sourceID int64, destIDs []int64, opts CloneOptions) *Summary {
	operation := "clone"
	if opts.UpgradeTarget != "" {
		operation = "clone-upgrade"
	}
	sum := &Summary{Operation: operation, StartedAt: o.clock.Now()}
	o.logger.Phase("%s of instance %d into %d instance(s)", operation, sourceID, len(destIDs))

	var source *instance.Instance
	snapOpts := opts.Snapshot
	snapOpts.Direct = false
	if snapOpts.Mode == "" {
		snapOpts.Mode = types.BackupFull
	}
	snap := o.runOne(ctx, "snapshot", sourceID, func(ctx context.Context, inst *instance.Instance) InstanceResult {
		source = inst
		return o.backup(ctx, inst, snapOpts)
	})
	sum.Results = append(sum.Results, snap)

	for _, id := range destIDs {
		if !snap.OK() {
			res := InstanceResult{InstanceID: id, Operation: "restore", Err: stepErr("snapshot", errors.New("source snapshot failed; nothing restored"))}
			if dest, err := o.deps.Registry.Get(ctx, id); err == nil {
				res.Name = dest.Name
			}
			sum.Results = append(sum.Results, res)
			continue
		}
		sum.Results = append(sum.Results, o.runOne(ctx, "restore", id, func(ctx context.Context, dest *instance.Instance) InstanceResult {
			if dest.ID == source.ID {
				return InstanceResult{Err: errors.New("cannot clone an instance onto itself")}
			}
			res := o.restore(ctx, dest, source, snap.Archive, opts.Restore)
			if res.Err != nil || opts.UpgradeTarget == "" {
				return res
			}
			upOpts := opts.Upgrade
			upOpts.SkipBackup = true
			up := o.upgrade(ctx, dest, opts.UpgradeTarget, upOpts)
			res.Operation = "restore+upgrade"
			res.Outcome = up.Outcome
			res.Err = up.Err
			if up.Warning != nil {
				res.Warning = up.Warning
			}
			return res
		}))
	}
	sum.FinishedAt = o.clock.Now()
	o.report(ctx, sum)
	return sum
}

// CloneAndUpgrade clones source into the destinations and upgrades each
// of them to target.
func (o *Orchestrator) CloneAndUpgrade(ctx context.Context, sourceID int64, destIDs []int64, target string, opts CloneOptions) *Summary {
	opts.UpgradeTarget = target
	return o.Clone(ctx, sourceID, destIDs, opts)
}
