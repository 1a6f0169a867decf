package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tis24dev/cmsfleet/internal/bisect"
	"github.com/tis24dev/cmsfleet/internal/orchestrator"
)

func (a *app) newBisectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bisect",
		Short: "Find the commit that introduced a regression on a git instance",
	}

	var bad, good string
	start := &cobra.Command{
		Use:   "start INSTANCE",
		Short: "Start a search; --good defaults to the last recorded version",
		Args:  cobra.ExactArgs(1),
		RunE: a.bisectRun(func(ctx context.Context, o *orchestrator.Orchestrator, id int64, _ []string) (*bisect.Session, error) {
			return o.BisectStart(ctx, id, bad, good)
		}),
	}
	start.Flags().StringVar(&bad, "bad", "", "Commit showing the regression (default the current checkout)")
	start.Flags().StringVar(&good, "good", "", "Commit without the regression")

	mark := func(use, short string, good bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " INSTANCE [COMMIT]",
			Short: short,
			Args:  cobra.RangeArgs(1, 2),
			RunE: a.bisectRun(func(ctx context.Context, o *orchestrator.Orchestrator, id int64, rest []string) (*bisect.Session, error) {
				commit := ""
				if len(rest) > 0 {
					commit = rest[0]
				}
				if good {
					return o.BisectGood(ctx, id, commit)
				}
				return o.BisectBad(ctx, id, commit)
			}),
		}
	}

	cmd.AddCommand(
		start,
		mark("good", "Mark the commit under test, or COMMIT, as good", true),
		mark("bad", "Mark the commit under test, or COMMIT, as bad", false),
		&cobra.Command{
			Use:   "finish INSTANCE",
			Short: "Close the search and restore the original checkout",
			Args:  cobra.ExactArgs(1),
			RunE: a.bisectRun(func(ctx context.Context, o *orchestrator.Orchestrator, id int64, _ []string) (*bisect.Session, error) {
				return o.BisectFinish(ctx, id)
			}),
		},
		&cobra.Command{
			Use:   "status INSTANCE",
			Short: "Show the open search of an instance",
			Args:  cobra.ExactArgs(1),
			RunE: a.bisectRun(func(ctx context.Context, o *orchestrator.Orchestrator, id int64, _ []string) (*bisect.Session, error) {
				return o.BisectStatus(ctx, id)
			}),
		},
	)
	return cmd
}

func (a *app) bisectRun(fn func(ctx context.Context, o *orchestrator.Orchestrator, id int64, rest []string) (*bisect.Session, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		o, err := a.orchestrator(ctx)
		if err != nil {
			return err
		}
		id, err := lookupID(ctx, o.Registry(), args[0])
		if err != nil {
			return err
		}
		s, err := fn(ctx, o, id, args[1:])
		if err != nil {
			return err
		}
		if s == nil {
			fmt.Fprintln(a.stdout, "no bisect session")
			return nil
		}
		fmt.Fprintf(a.stdout, "%s: %s\n", s.Status, s.String())
		if s.Culprit != "" {
			fmt.Fprintf(a.stdout, "first bad commit: %s\n", s.Culprit)
		}
		return nil
	}
}

func (a *app) newVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions INSTANCE",
		Short: "Show the recorded version history of an instance",
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
			versions, err := o.Registry().Versions(ctx, id)
			if err != nil {
				return err
			}
			patches, err := o.Registry().ListPatches(ctx, id)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "DATE\tTYPE\tBRANCH\tREVISION")
			for _, v := range versions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Date.Local().Format("2006-01-02 15:04"), v.Type, orDash(v.Branch), orDash(v.Revision))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, p := range patches {
				fmt.Fprintf(a.stdout, "patch %s %s (%s)\n", p.Package, p.URL, p.AppliedAt.Local().Format("2006-01-02"))
			}
			return nil
		},
	}
}

func (a *app) newArchivesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archives INSTANCE",
		Short: "List the archives of an instance",
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
			list, err := o.Archives().List(ctx, inst)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tMODE\tSIZE\tREVISION\tFILE")
			for _, ar := range list {
				size := humanize.Bytes(uint64(ar.Size))
				if ar.Encrypted {
					size += " (age)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", ar.ID, ar.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					ar.Mode, size, orDash(ar.Revision), filepath.Base(ar.Path))
			}
			return tw.Flush()
		},
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
