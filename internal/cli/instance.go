package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/types"
)

func (a *app) newInstanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"instances"},
		Short:   "Manage the instance registry",
	}
	cmd.AddCommand(
		a.newInstanceAddCmd(),
		a.newInstanceListCmd(),
		a.newInstanceImportCmd(),
		a.newInstanceDeleteCmd(),
		a.newInstanceLockCmd(),
		a.newInstanceUnlockCmd(),
		a.newInstanceTagCmd(),
		a.newInstanceDetectCmd(),
	)
	return cmd
}

func (a *app) newInstanceAddCmd() *cobra.Command {
	var (
		inst       instance.Instance
		accessType string
		vcsType    string
		tags       []string
		detect     bool
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Register an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			kind, ok := types.ParseAccessType(accessType)
			if !ok {
				return fmt.Errorf("unknown access type %q", accessType)
			}
			parsedTags, err := parseTags(tags)
			if err != nil {
				return err
			}
			inst.Name = args[0]
			inst.Access.Type = kind
			inst.VCSType = types.VCSType(strings.ToLower(vcsType))

			reg := o.Registry()
			if err := reg.Register(ctx, &inst); err != nil {
				return err
			}
			for k, v := range parsedTags {
				if err := reg.SetTag(ctx, inst.ID, k, v); err != nil {
					return err
				}
			}
			if detect {
				det, err := reg.Detect(ctx, &inst)
				if err != nil {
					a.logger.Warning("Detection failed for %s: %v", inst.Label(), err)
				} else if err := reg.ApplyDetected(ctx, &inst, det); err != nil {
					return err
				}
			}
			fmt.Fprintf(a.stdout, "registered %s\n", inst.Label())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&accessType, "type", "local", "Access type (local|ssh|ftp)")
	f.StringVar(&inst.Access.Host, "host", "", "Remote host")
	f.IntVar(&inst.Access.Port, "port", 0, "Remote port (default per access type)")
	f.StringVar(&inst.Access.User, "user", "", "Remote user")
	f.StringVar(&inst.Access.CredentialRef, "credential", "", "Credential reference resolved through CREDENTIALS_FILE")
	f.StringVar(&inst.Webroot, "webroot", "", "Absolute path of the application root")
	f.StringVar(&inst.WebURL, "url", "", "Public URL")
	f.StringVar(&inst.TempDir, "tempdir", "", "Scratch directory on the instance host")
	f.StringVar(&inst.BackupUser, "owner", "", "Owner applied to restored files")
	f.StringVar(&inst.BackupGroup, "group", "", "Group applied to restored files")
	f.StringVar(&inst.BackupPerm, "perm", "", "Permissions applied to restored files (chmod syntax)")
	f.StringVar(&vcsType, "vcs", "", "Code management (git|svn|src); detected when empty")
	f.StringVar(&inst.PHPPath, "php", "", "PHP binary on the instance host")
	f.StringVar(&inst.DB.Host, "db-host", "", "Database host as seen from the instance")
	f.IntVar(&inst.DB.Port, "db-port", 0, "Database port")
	f.StringVar(&inst.DB.Name, "db-name", "", "Database name; empty skips dumps")
	f.StringVar(&inst.DB.User, "db-user", "", "Database user")
	f.StringVar(&inst.DB.CredentialRef, "db-credential", "", "Database password reference")
	f.StringArrayVar(&tags, "tag", nil, "Tag key=value (repeatable)")
	f.StringArrayVar(&inst.Ignore, "ignore", nil, "Path pattern left out of backups and checks (repeatable)")
	f.BoolVar(&detect, "detect", false, "Detect PHP and code management after registering")
	cmd.MarkFlagRequired("webroot")
	return cmd
}

func (a *app) newInstanceListCmd() *cobra.Command {
	var sel selection
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := a.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			list, err := o.Registry().List(cmd.Context())
			if err != nil {
				return err
			}
			filters, err := parseTags(sel.tags)
			if err != nil {
				return err
			}
			sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tACCESS\tWEBROOT\tVCS\tPHP\tLOCK\tTAGS")
			for _, inst := range list {
				if !matchTags(inst, filters) {
					continue
				}
				lock := "-"
				if inst.Lock.Held {
					lock = fmt.Sprintf("%s (%s)", inst.Lock.Owner, humanize.Time(inst.Lock.Since))
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					inst.ID, inst.Name, inst.Access.Key(), inst.Webroot,
					orDash(string(inst.VCSType)), orDash(inst.PHPVersion), lock, formatTags(inst.Tags))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringArrayVar(&sel.tags, "tag", nil, "Only list instances carrying key=value")
	return cmd
}

func (a *app) newInstanceImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Register the instances of a YAML inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			res, err := o.Registry().ImportInventory(cmd.Context(), f)
			for _, inst := range res.Registered {
				fmt.Fprintf(a.stdout, "registered %s\n", inst.Label())
			}
			for _, name := range res.Skipped {
				fmt.Fprintf(a.stdout, "skipped %s (already registered)\n", name)
			}
			return err
		},
	}
}

func (a *app) newInstanceDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete INSTANCE",
		Short: "Remove an instance from the registry (files are left in place)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			inst, err := lookup(ctx, o.Registry(), args[0])
			if err != nil {
				return err
			}
			ok, err := confirm(yes, a.stdin, a.stdout, fmt.Sprintf("Delete %s from the registry?", inst.Label()))
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("aborted")
			}
			if err := o.Registry().Delete(ctx, inst.ID); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "deleted %s\n", inst.Label())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func (a *app) newInstanceLockCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "lock INSTANCE",
		Short: "Put an instance in maintenance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			inst, err := lookup(ctx, o.Registry(), args[0])
			if err != nil {
				return err
			}
			if owner == "" {
				owner = a.cfg.LockOwner
			}
			lock, err := o.Registry().Lock(ctx, inst, owner)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s locked by %s since %s\n", inst.Label(), lock.Owner, lock.Since.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Lock owner (default LOCK_OWNER)")
	return cmd
}

func (a *app) newInstanceUnlockCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "unlock INSTANCE",
		Short: "Take an instance out of maintenance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			inst, err := lookup(ctx, o.Registry(), args[0])
			if err != nil {
				return err
			}
			if force {
				err = o.Registry().ForceUnlock(ctx, inst.ID)
			} else {
				err = o.Registry().Unlock(ctx, inst)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s unlocked\n", inst.Label())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Clear the local lock without reaching the instance")
	return cmd
}

func (a *app) newInstanceTagCmd() *cobra.Command {
	var remove []string
	cmd := &cobra.Command{
		Use:   "tag INSTANCE [key=value...]",
		Short: "Set or remove instance tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			reg := o.Registry()
			inst, err := lookup(ctx, reg, args[0])
			if err != nil {
				return err
			}
			set, err := parseTags(args[1:])
			if err != nil {
				return err
			}
			for k, v := range set {
				if err := reg.SetTag(ctx, inst.ID, k, v); err != nil {
					return err
				}
			}
			for _, k := range remove {
				if err := reg.RemoveTag(ctx, inst.ID, k); err != nil {
					return err
				}
			}
			if inst, err = reg.Get(ctx, inst.ID); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s: %s\n", inst.Label(), formatTags(inst.Tags))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&remove, "remove", nil, "Tag key to remove (repeatable)")
	return cmd
}

func (a *app) newInstanceDetectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect INSTANCE",
		Short: "Detect PHP and code management of an instance and store them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			reg := o.Registry()
			inst, err := lookup(ctx, reg, args[0])
			if err != nil {
				return err
			}
			det, err := reg.Detect(ctx, inst)
			if err != nil {
				return err
			}
			if err := reg.ApplyDetected(ctx, inst, det); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s: vcs %s, php %s (%s)\n", inst.Label(),
				orDash(string(inst.VCSType)), orDash(inst.PHPVersion), orDash(inst.PHPPath))
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "-"
	}
	keys := sortedKeys(tags)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + tags[k]
	}
	return strings.Join(parts, ",")
}
