package vcs

import (
	"context"
	"errors"
	"fmt"

	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/transport"
)

// UpdateOptions gate the behaviour of Update and Upgrade.
type UpdateOptions struct {
	AllowStash      bool
	SkipReindex     bool
	SkipCacheWarmup bool
	LiveReindex     bool
}

// PostTasks are the application maintenance steps run after the code moved.
type PostTasks interface {
	UpdateDatabase(ctx context.Context) error
	ClearCache(ctx context.Context) error
	Reindex(ctx context.Context, live bool) error
	WarmCache(ctx context.Context) error
}

// Outcome describes what an update or upgrade did.
type Outcome struct {
	Branch       string
	FromRevision string
	ToRevision   string
	Stashed      bool
	Conflicts    []string
	Tasks        []string
}

// Updater moves a working copy and runs the post tasks.
type Updater struct {
	VCS    VCS
	Tasks  PostTasks
	Logger *logging.Logger
}

// Update brings folder to the latest upstream revision of its branch, or
// to revision when one is given.
func (u *Updater) Update(ctx context.Context, folder, revision string, opts UpdateOptions) (Outcome, error) {
	return u.apply(ctx, folder, opts, false, func(branch string) error {
		if revision == "" {
			return u.VCS.Pull(ctx, folder)
		}
		return u.VCS.Checkout(ctx, folder, branch, revision)
	})
}

// Upgrade switches folder to target. The branch is checked against the
// runtime first and an incompatible target is never attempted.
func (u *Updater) Upgrade(ctx context.Context, folder, target, runtime string, opts UpdateOptions) (Outcome, error) {
	current, err := u.VCS.Branch(ctx, folder)
	if err != nil {
		return Outcome{}, fmt.Errorf("current branch: %w", err)
	}
	if err := CheckCompatibility(target, current, runtime); err != nil {
		return Outcome{Branch: current}, err
	}
	if shallow, err := u.VCS.IsShallow(ctx, folder); err == nil && shallow {
		u.logger().Info("Unshallowing %s before switching branch", folder)
		if err := u.VCS.Unshallow(ctx, folder); err != nil {
			return Outcome{Branch: current}, fmt.Errorf("unshallow: %w", err)
		}
	}
	out, err := u.apply(ctx, folder, opts, true, func(string) error {
		return u.VCS.Switch(ctx, folder, target)
	})
	out.Branch = target
	return out, err
}

func (u *Updater) logger() *logging.Logger {
	if u.Logger == nil {
		return logging.GetDefaultLogger()
	}
	return u.Logger
}

func (u *Updater) apply(ctx context.Context, folder string, opts UpdateOptions, upgrade bool, change func(branch string) error) (Outcome, error) {
	var out Outcome
	var err error
	if out.Branch, err = u.VCS.Branch(ctx, folder); err != nil {
		return out, fmt.Errorf("current branch: %w", err)
	}
	if out.FromRevision, err = u.VCS.Revision(ctx, folder); err != nil {
		return out, fmt.Errorf("current revision: %w", err)
	}

	clean, err := u.VCS.IsClean(ctx, folder)
	if err != nil {
		return out, fmt.Errorf("status: %w", err)
	}
	if !clean {
		if !opts.AllowStash {
			return out, ErrDirtyTree
		}
		if out.Stashed, err = u.VCS.Stash(ctx, folder); err != nil {
			return out, err
		}
		u.logger().Info("Stashed local modifications in %s", folder)
	}

	changeErr := change(out.Branch)

	// Reapply local modifications even when the change failed.
	if out.Stashed {
		conflicts, err := u.VCS.StashPop(ctx, folder)
		if err != nil {
			return out, errors.Join(changeErr, err)
		}
		out.Conflicts = conflicts
	}
	if changeErr != nil {
		return out, changeErr
	}

	if out.ToRevision, err = u.VCS.Revision(ctx, folder); err != nil {
		return out, fmt.Errorf("new revision: %w", err)
	}
	if err := u.runTasks(ctx, opts, upgrade, &out); err != nil {
		return out, err
	}
	if len(out.Conflicts) > 0 {
		return out, &ConflictError{Files: out.Conflicts}
	}
	return out, nil
}

func (u *Updater) runTasks(ctx context.Context, opts UpdateOptions, upgrade bool, out *Outcome) error {
	if u.Tasks == nil {
		return nil
	}
	steps := []struct {
		name string
		skip bool
		fn   func(context.Context) error
	}{
		{"database-update", false, u.Tasks.UpdateDatabase},
		{"cache-clear", false, u.Tasks.ClearCache},
		{"reindex", !upgrade || opts.SkipReindex, func(ctx context.Context) error { return u.Tasks.Reindex(ctx, opts.LiveReindex) }},
		{"cache-warmup", !upgrade || opts.SkipCacheWarmup, u.Tasks.WarmCache},
	}
	for _, step := range steps {
		if step.skip {
			continue
		}
		u.logger().Step("Running %s", step.name)
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		out.Tasks = append(out.Tasks, step.name)
	}
	return nil
}

// ConsoleTasks runs the application's console script with the instance's
// PHP binary.
type ConsoleTasks struct {
	Shell  transport.ShellExecutor
	PHP    string
	Folder string
	Script string
}

func (c ConsoleTasks) console(ctx context.Context, args ...string) error {
	php := c.PHP
	if php == "" {
		php = "php"
	}
	script := c.Script
	if script == "" {
		script = "console.php"
	}
	cmd := "cd " + transport.Quote(c.Folder) + " && " + transport.Quote(php) + " " + transport.Quote(script)
	for _, a := range args {
		cmd += " " + transport.Quote(a)
	}
	_, err := c.Shell.ShellExec(ctx, cmd)
	return err
}

func (c ConsoleTasks) UpdateDatabase(ctx context.Context) error {
	return c.console(ctx, "database:update")
}

func (c ConsoleTasks) ClearCache(ctx context.Context) error {
	return c.console(ctx, "cache:clear", "--all")
}

func (c ConsoleTasks) Reindex(ctx context.Context, live bool) error {
	if live {
		return c.console(ctx, "index:rebuild", "--live")
	}
	return c.console(ctx, "index:rebuild")
}

func (c ConsoleTasks) WarmCache(ctx context.Context) error {
	return c.console(ctx, "cache:generate")
}
