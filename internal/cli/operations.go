package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tis24dev/cmsfleet/internal/orchestrator"
	"github.com/tis24dev/cmsfleet/internal/types"
)

func (a *app) newBackupCmd() *cobra.Command {
	var (
		sel  selection
		opts orchestrator.BackupOptions
		mode string
	)
	cmd := &cobra.Command{
		Use:   "backup [INSTANCE...]",
		Short: "Snapshot instances into archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			if opts.Mode, err = parseMode(mode); err != nil {
				return err
			}
			ids, err := sel.resolve(ctx, o.Registry(), args)
			if err != nil {
				return err
			}
			return a.finish(o.Backup(ctx, ids, opts))
		},
	}
	sel.bind(cmd)
	f := cmd.Flags()
	f.StringVar(&mode, "mode", "full", "Backup mode (full|partial)")
	f.BoolVar(&opts.Direct, "direct", false, "Synchronize the webroot instead of writing an archive (local instances)")
	f.StringArrayVar(&opts.Ignore, "ignore", nil, "Extra path pattern to leave out (repeatable)")
	f.IntVar(&opts.MaxBackups, "max-backups", 0, "Archives to keep per instance (0 uses MAX_BACKUPS, -1 keeps all)")
	return cmd
}

func parseMode(s string) (types.BackupMode, error) {
	switch m := types.BackupMode(strings.ToLower(strings.TrimSpace(s))); m {
	case types.BackupFull, types.BackupPartial:
		return m, nil
	case "":
		return types.BackupFull, nil
	default:
		return "", fmt.Errorf("unknown backup mode %q", s)
	}
}

func bindRestoreFlags(cmd *cobra.Command, opts *orchestrator.RestoreOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.ArchiveID, "archive", "", "Archive id to restore (default latest)")
	f.BoolVar(&opts.Force, "force", false, "Restore over an instance that is not blank")
	f.BoolVar(&opts.Direct, "direct", false, "Copy the source tree directly when both instances are local")
	f.BoolVar(&opts.SkipSystemConfigCheck, "skip-system-check", false, "Do not compare the archived PHP version with the destination")
	f.IntVar(&opts.CommonParentLevels, "parent-levels", 0, "Allowed divergence between archive root and destination webroot (-1 disables the check)")
	f.BoolVar(&opts.Verify, "verify", false, "Compare the restored tree with the source checksum baseline")
}

func (a *app) newRestoreCmd() *cobra.Command {
	var (
		opts orchestrator.RestoreOptions
		from string
	)
	cmd := &cobra.Command{
		Use:   "restore DEST",
		Short: "Restore an archive into an instance",
		Long: "Restore the latest archive (or --archive) of --from into DEST. Without --from\n" +
			"DEST is restored from its own archives.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			dest, err := lookupID(ctx, o.Registry(), args[0])
			if err != nil {
				return err
			}
			source := dest
			if from != "" {
				if source, err = lookupID(ctx, o.Registry(), from); err != nil {
					return err
				}
			}
			return a.single(o.RestoreOne(ctx, dest, source, opts))
		},
	}
	bindRestoreFlags(cmd, &opts)
	cmd.Flags().StringVar(&from, "from", "", "Source instance of the archive")
	return cmd
}

func (a *app) newRevertCmd() *cobra.Command {
	var opts orchestrator.RestoreOptions
	cmd := &cobra.Command{
		Use:   "revert INSTANCE",
		Short: "Put an instance back to one of its own archives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			id, err := lookupID(ctx, o.Registry(), args[0])
			if err != nil {
				return err
			}
			return a.single(o.Revert(ctx, id, opts))
		},
	}
	bindRestoreFlags(cmd, &opts)
	return cmd
}

func (a *app) newCloneCmd() *cobra.Command {
	var (
		opts    orchestrator.CloneOptions
		upgrade string
		mode    string
	)
	cmd := &cobra.Command{
		Use:   "clone SOURCE DEST...",
		Short: "Snapshot SOURCE and restore it into each destination",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			if opts.Snapshot.Mode, err = parseMode(mode); err != nil {
				return err
			}
			source, err := lookupID(ctx, o.Registry(), args[0])
			if err != nil {
				return err
			}
			var dests []int64
			for _, ref := range args[1:] {
				id, err := lookupID(ctx, o.Registry(), ref)
				if err != nil {
					return err
				}
				dests = append(dests, id)
			}
			if upgrade != "" {
				return a.finish(o.CloneAndUpgrade(ctx, source, dests, upgrade, opts))
			}
			return a.finish(o.Clone(ctx, source, dests, opts))
		},
	}
	bindRestoreFlags(cmd, &opts.Restore)
	bindUpdateFlags(cmd, &opts.Upgrade)
	cmd.Flags().StringVar(&mode, "mode", "full", "Snapshot mode (full|partial)")
	cmd.Flags().StringVar(&upgrade, "upgrade", "", "Upgrade every destination to this branch after the restore")
	return cmd
}

func bindUpdateFlags(cmd *cobra.Command, opts *orchestrator.UpdateOptions) {
	f := cmd.Flags()
	f.BoolVar(&opts.AllowStash, "allow-stash", false, "Stash local modifications and reapply them afterwards")
	f.BoolVar(&opts.SkipReindex, "skip-reindex", false, "Do not rebuild the search index")
	f.BoolVar(&opts.SkipCacheWarmup, "skip-cache-warmup", false, "Do not warm the caches")
	f.BoolVar(&opts.LiveReindex, "live-reindex", false, "Reindex in place instead of into a fresh index")
	f.BoolVar(&opts.SkipBackup, "skip-backup", false, "Do not snapshot before changing the code")
}

func (a *app) newUpdateCmd() *cobra.Command {
	var (
		sel  selection
		opts orchestrator.UpdateOptions
	)
	cmd := &cobra.Command{
		Use:   "update [INSTANCE...]",
		Short: "Bring instances to the tip of their branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			ids, err := sel.resolve(ctx, o.Registry(), args)
			if err != nil {
				return err
			}
			return a.finish(o.Update(ctx, ids, opts))
		},
	}
	sel.bind(cmd)
	bindUpdateFlags(cmd, &opts)
	cmd.Flags().StringVar(&opts.Revision, "revision", "", "Update to this revision instead of the branch tip")
	return cmd
}

func (a *app) newUpgradeCmd() *cobra.Command {
	var opts orchestrator.UpdateOptions
	cmd := &cobra.Command{
		Use:   "upgrade INSTANCE BRANCH",
		Short: "Switch an instance to another release branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			id, err := lookupID(ctx, o.Registry(), args[0])
			if err != nil {
				return err
			}
			return a.single(o.UpgradeOne(ctx, id, args[1], opts))
		},
	}
	bindUpdateFlags(cmd, &opts)
	return cmd
}

func (a *app) newTargetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets INSTANCE",
		Short: "List the branches an instance can be upgraded to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			id, err := lookupID(ctx, o.Registry(), args[0])
			if err != nil {
				return err
			}
			offered, notes, err := o.Targets(ctx, id)
			if err != nil {
				return err
			}
			for _, b := range offered {
				fmt.Fprintln(a.stdout, b)
			}
			for _, n := range notes {
				fmt.Fprintf(a.stdout, "# %s: %s\n", n.Branch, n.Reason)
			}
			return nil
		},
	}
}

func (a *app) newCheckCmd() *cobra.Command {
	var sel selection
	cmd := &cobra.Command{
		Use:   "check [INSTANCE...]",
		Short: "Compare instances with their checksum baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			ids, err := sel.resolve(ctx, o.Registry(), args)
			if err != nil {
				return err
			}
			sum := o.Check(ctx, ids)
			for _, r := range sum.Results {
				if r.Drift == nil || r.Drift.Clean() {
					continue
				}
				fmt.Fprintf(a.stdout, "%d-%s:\n", r.InstanceID, r.Name)
				printPaths(a, "new", r.Drift.New)
				printPaths(a, "modified", r.Drift.Modified)
				printPaths(a, "deleted", r.Drift.Deleted)
			}
			return a.finish(sum)
		},
	}
	sel.bind(cmd)
	return cmd
}

func printPaths(a *app, label string, files map[string]string) {
	for _, p := range sortedKeys(files) {
		fmt.Fprintf(a.stdout, "  %-8s %s\n", label, p)
	}
}
