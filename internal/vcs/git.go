package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
)

const stashMessage = "cmsfleet-autostash"

// Git drives git through a remote shell.
type Git struct {
	sh   transport.ShellExecutor
	opts Options
}

// NewGit returns a Git bound to sh.
func NewGit(sh transport.ShellExecutor, opts Options) *Git {
	return &Git{sh: sh, opts: opts}
}

func (g *Git) Kind() types.VCSType { return types.VCSGit }

func (g *Git) git(ctx context.Context, folder string, args ...string) (string, error) {
	return run(ctx, g.sh, append([]string{"git", "-C", folder}, args...)...)
}

func (g *Git) Branch(ctx context.Context, folder string) (string, error) {
	return g.git(ctx, folder, "rev-parse", "--abbrev-ref", "HEAD")
}

func (g *Git) Revision(ctx context.Context, folder string) (string, error) {
	return g.git(ctx, folder, "rev-parse", "HEAD")
}

func (g *Git) ListBranches(ctx context.Context, folder string) ([]string, error) {
	out, err := g.git(ctx, folder, "ls-remote", "--heads", "origin")
	if err != nil {
		return nil, fmt.Errorf("list remote branches: %w", err)
	}
	var branches []string
	for _, line := range splitLines(out) {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		branches = append(branches, strings.TrimPrefix(fields[1], "refs/heads/"))
	}
	return branches, nil
}

func (g *Git) Clone(ctx context.Context, folder, branch string) error {
	if g.opts.RepositoryURL == "" {
		return errors.New("git clone: no repository url configured")
	}
	args := []string{"git", "clone", "--quiet"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, g.opts.RepositoryURL, folder)
	_, err := run(ctx, g.sh, args...)
	return err
}

// Checkout clones folder when it is not a repository yet, then points
// branch at revision (or at the upstream tip) and checks it out.
func (g *Git) Checkout(ctx context.Context, folder, branch, revision string) error {
	if _, err := g.git(ctx, folder, "rev-parse", "--git-dir"); err != nil {
		if !transport.IsCommandError(err) {
			return err
		}
		if err := g.Clone(ctx, folder, branch); err != nil {
			return err
		}
	} else if err := g.Fetch(ctx, folder); err != nil {
		return err
	}

	start := "origin/" + branch
	if revision != "" {
		start = revision
	}
	if _, err := g.git(ctx, folder, "checkout", "--quiet", "-B", branch, start); err != nil {
		return fmt.Errorf("checkout %s at %s: %w", branch, start, err)
	}
	return nil
}

func (g *Git) Fetch(ctx context.Context, folder string) error {
	_, err := g.git(ctx, folder, "fetch", "--quiet", "--prune", "origin")
	return err
}

func (g *Git) RepositoryURL(ctx context.Context, folder string) (string, error) {
	return g.git(ctx, folder, "remote", "get-url", "origin")
}

func (g *Git) SetRepositoryURL(ctx context.Context, folder, url string) error {
	_, err := g.git(ctx, folder, "remote", "set-url", "origin", url)
	return err
}

// SetRemoteBranch widens the fetch refspec so branch can be fetched from a
// single-branch clone.
func (g *Git) SetRemoteBranch(ctx context.Context, folder, branch string) error {
	_, err := g.git(ctx, folder, "remote", "set-branches", "--add", "origin", branch)
	return err
}

func (g *Git) IsShallow(ctx context.Context, folder string) (bool, error) {
	out, err := g.git(ctx, folder, "rev-parse", "--is-shallow-repository")
	if err != nil {
		return false, err
	}
	return out == "true", nil
}

func (g *Git) Unshallow(ctx context.Context, folder string) error {
	shallow, err := g.IsShallow(ctx, folder)
	if err != nil || !shallow {
		return err
	}
	_, err = g.git(ctx, folder, "fetch", "--quiet", "--unshallow")
	return err
}

// IsClean ignores untracked files; uploads and caches live beside the code.
func (g *Git) IsClean(ctx context.Context, folder string) (bool, error) {
	out, err := g.git(ctx, folder, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

func (g *Git) Stash(ctx context.Context, folder string) (bool, error) {
	clean, err := g.IsClean(ctx, folder)
	if err != nil || clean {
		return false, err
	}
	if _, err := g.git(ctx, folder, "stash", "push", "--quiet", "-m", stashMessage); err != nil {
		return false, fmt.Errorf("stash: %w", err)
	}
	return true, nil
}

func (g *Git) StashPop(ctx context.Context, folder string) ([]string, error) {
	_, popErr := g.git(ctx, folder, "stash", "pop", "--quiet")
	conflicts, err := g.conflicts(ctx, folder)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return conflicts, nil
	}
	if popErr != nil {
		return nil, fmt.Errorf("stash pop: %w", popErr)
	}
	return nil, nil
}

func (g *Git) conflicts(ctx context.Context, folder string) ([]string, error) {
	out, err := g.git(ctx, folder, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (g *Git) Pull(ctx context.Context, folder string) error {
	if err := g.Fetch(ctx, folder); err != nil {
		return err
	}
	_, err := g.git(ctx, folder, "merge", "--quiet", "--ff-only", "@{upstream}")
	return err
}

func (g *Git) Switch(ctx context.Context, folder, branch string) error {
	if err := g.SetRemoteBranch(ctx, folder, branch); err != nil {
		return err
	}
	if err := g.Fetch(ctx, folder); err != nil {
		return err
	}
	_, err := g.git(ctx, folder, "checkout", "--quiet", "-B", branch, "--track", "origin/"+branch)
	return err
}

// Export extracts revision into dest through git archive.
func (g *Git) Export(ctx context.Context, folder, revision, dest string) error {
	cmd := fmt.Sprintf("mkdir -p %s && git -C %s archive --format=tar %s | tar -x -C %s",
		transport.Quote(dest), transport.Quote(folder), transport.Quote(revision), transport.Quote(dest))
	_, err := g.sh.ShellExec(ctx, cmd)
	return err
}

func (g *Git) PristineFiles(ctx context.Context, folder string) ([]string, error) {
	tracked, err := g.git(ctx, folder, "ls-files")
	if err != nil {
		return nil, err
	}
	changed, err := g.git(ctx, folder, "diff", "--name-only", "HEAD")
	if err != nil {
		return nil, err
	}
	return subtract(splitLines(tracked), splitLines(changed)), nil
}

func (g *Git) MetadataDirs() []string { return []string{".git"} }

// ListCommits returns the first-parent history after good up to and
// including bad, oldest first.
func (g *Git) ListCommits(ctx context.Context, folder, good, bad string) ([]string, error) {
	out, err := g.git(ctx, folder, "rev-list", "--first-parent", "--reverse", good+".."+bad)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ResolveCommit expands a ref to a full commit id.
func (g *Git) ResolveCommit(ctx context.Context, folder, ref string) (string, error) {
	return g.git(ctx, folder, "rev-parse", "--verify", ref+"^{commit}")
}

// CheckoutCommit detaches HEAD at commit, or checks out a branch name.
func (g *Git) CheckoutCommit(ctx context.Context, folder, ref string) error {
	_, err := g.git(ctx, folder, "checkout", "--quiet", ref)
	return err
}

// Log returns the last n commits as "<hash> <subject>" lines.
func (g *Git) Log(ctx context.Context, folder string, n int) ([]string, error) {
	out, err := g.git(ctx, folder, "log", "--first-parent", fmt.Sprintf("-%d", n), "--format=%H %s")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}
