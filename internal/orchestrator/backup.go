package orchestrator

import (
	"context"

	"github.com/tis24dev/cmsfleet/internal/archive"
	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/types"
)

// BackupOptions select what a backup run writes.
type BackupOptions struct {
	Mode   types.BackupMode
	Direct bool
	Ignore []string
	// MaxBackups overrides the configured retention; 0 uses the config,
	// a negative value keeps everything.
	MaxBackups int
}

// Backup snapshots every instance in ids, in order.
func (o *Orchestrator) Backup(ctx context.Context, ids []int64, opts BackupOptions) *Summary {
	return o.run(ctx, "backup", ids, func(ctx context.Context, inst *instance.Instance) InstanceResult {
		return o.backup(ctx, inst, opts)
	})
}

// BackupOne snapshots a single instance. It is safe to call repeatedly
// from a scheduler.
func (o *Orchestrator) BackupOne(ctx context.Context, id int64, opts BackupOptions) (InstanceResult, error) {
	return first(o.Backup(ctx, []int64{id}, opts))
}

func (o *Orchestrator) backup(ctx context.Context, inst *instance.Instance, opts BackupOptions) (res InstanceResult) {
	res.Err = o.mutate(ctx, inst, func(ctx context.Context, c *conn) error {
		out, err := o.snapshot(ctx, c, opts)
		if err != nil {
			return err
		}
		res.Archive = out.Archive
		res.Bytes = out.Bytes
		return nil
	})
	return res
}

// snapshot writes the archive and applies retention. It expects the lock
// to be held.
func (o *Orchestrator) snapshot(ctx context.Context, c *conn, opts BackupOptions) (*archive.BackupResult, error) {
	bopts := archive.BackupOptions{Mode: opts.Mode, Direct: opts.Direct, Ignore: opts.Ignore}
	if bopts.Mode == "" {
		bopts.Mode = types.BackupFull
	}
	if c.repoErr == nil {
		bopts.VCS = c.repo
	} else if bopts.Mode == types.BackupPartial {
		c.logger.Warning("Partial backup needs the code tree adapter: %v", c.repoErr)
	}

	out, err := o.deps.Archives.Backup(ctx, c.inst, c.access, bopts)
	if err != nil {
		return nil, stepErr("snapshot", err)
	}

	max := opts.MaxBackups
	if max == 0 {
		max = o.maxBackups()
	}
	if out.Archive != nil && max > 0 {
		if _, err := o.deps.Archives.ReduceBackups(ctx, c.inst, max); err != nil {
			return out, stepErr("retention", err)
		}
	}
	return out, nil
}
