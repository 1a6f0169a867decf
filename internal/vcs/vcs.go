// Package vcs drives the version control system behind an instance's code
// tree over the instance's shell.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
)

var (
	// ErrUnsupported is returned by operations a VCS kind cannot perform.
	ErrUnsupported = errors.New("operation not supported by this vcs")
	// ErrDirtyTree is returned when local modifications block an operation
	// and stashing was not allowed.
	ErrDirtyTree = errors.New("working tree has local modifications")
)

// ConflictError lists files left conflicted after reapplying local changes.
// The update itself has been applied.
type ConflictError struct {
	Files []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%d file(s) need manual conflict resolution: %s", len(e.Files), strings.Join(e.Files, ", "))
}

// VCS is the capability set shared by every kind.
type VCS interface {
	Kind() types.VCSType
	Branch(ctx context.Context, folder string) (string, error)
	Revision(ctx context.Context, folder string) (string, error)
	// ListBranches lists the branches available upstream.
	ListBranches(ctx context.Context, folder string) ([]string, error)
	Clone(ctx context.Context, folder, branch string) error
	// Checkout makes folder a working copy of branch, at revision when set.
	Checkout(ctx context.Context, folder, branch, revision string) error
	Fetch(ctx context.Context, folder string) error
	RepositoryURL(ctx context.Context, folder string) (string, error)
	SetRepositoryURL(ctx context.Context, folder, url string) error
	SetRemoteBranch(ctx context.Context, folder, branch string) error
	IsShallow(ctx context.Context, folder string) (bool, error)
	Unshallow(ctx context.Context, folder string) error
	IsClean(ctx context.Context, folder string) (bool, error)
	// Stash saves local modifications and reverts them. It reports
	// whether anything was saved.
	Stash(ctx context.Context, folder string) (bool, error)
	// StashPop reapplies saved modifications, returning the conflicted files.
	StashPop(ctx context.Context, folder string) ([]string, error)
	// Pull brings the current branch to its latest upstream revision.
	Pull(ctx context.Context, folder string) error
	// Switch moves the working copy to another branch.
	Switch(ctx context.Context, folder, branch string) error
	// Export writes a pristine copy of revision into dest.
	Export(ctx context.Context, folder, revision, dest string) error
	// PristineFiles lists tracked files without local modifications,
	// relative to folder. A checkout rebuilds them.
	PristineFiles(ctx context.Context, folder string) ([]string, error)
	// MetadataDirs lists directories that hold vcs bookkeeping.
	MetadataDirs() []string
}

// Options configures a VCS.
type Options struct {
	// RepositoryURL is the upstream used for clones and branch listing.
	RepositoryURL string
	Logger        *logging.Logger
}

// New returns the VCS for kind, running commands through sh. Src needs no
// shell and accepts nil.
func New(kind types.VCSType, sh transport.ShellExecutor, opts Options) (VCS, error) {
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	switch kind {
	case types.VCSGit:
		if sh == nil {
			return nil, fmt.Errorf("git: %w", transport.ErrNoShell)
		}
		return &Git{sh: sh, opts: opts}, nil
	case types.VCSSvn:
		if sh == nil {
			return nil, fmt.Errorf("svn: %w", transport.ErrNoShell)
		}
		return &Svn{sh: sh, opts: opts}, nil
	case types.VCSSrc, "":
		return Src{}, nil
	default:
		return nil, fmt.Errorf("unsupported vcs type %q", kind)
	}
}

// DetectType inspects folder for vcs metadata. Only file access is needed.
func DetectType(ctx context.Context, access transport.Access, folder string) (types.VCSType, error) {
	for _, probe := range []struct {
		dir  string
		kind types.VCSType
	}{
		{".git", types.VCSGit},
		{".svn", types.VCSSvn},
	} {
		ok, err := access.FileExists(ctx, path.Join(folder, probe.dir))
		if err != nil {
			return "", err
		}
		if ok {
			return probe.kind, nil
		}
	}
	return types.VCSSrc, nil
}

// run executes args and returns trimmed stdout.
func run(ctx context.Context, sh transport.ShellExecutor, args ...string) (string, error) {
	res, err := transport.RunArgs(ctx, sh, args...)
	if err != nil {
		return strings.TrimSpace(res.Stdout), err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// subtract returns the items of all not present in drop, in order.
func subtract(all, drop []string) []string {
	skip := make(map[string]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	out := make([]string, 0, len(all))
	for _, a := range all {
		if !skip[a] {
			out = append(out, a)
		}
	}
	return out
}

// Src is a plain source snapshot with no version control.
type Src struct{}

func (Src) Kind() types.VCSType { return types.VCSSrc }

func (Src) Branch(context.Context, string) (string, error)   { return "", nil }
func (Src) Revision(context.Context, string) (string, error) { return "", nil }

func (Src) ListBranches(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("list branches: %w", ErrUnsupported)
}
func (Src) Clone(context.Context, string, string) error {
	return fmt.Errorf("clone: %w", ErrUnsupported)
}
func (Src) Checkout(context.Context, string, string, string) error {
	return fmt.Errorf("checkout: %w", ErrUnsupported)
}
func (Src) Fetch(context.Context, string) error { return fmt.Errorf("fetch: %w", ErrUnsupported) }
func (Src) RepositoryURL(context.Context, string) (string, error) {
	return "", nil
}
func (Src) SetRepositoryURL(context.Context, string, string) error {
	return fmt.Errorf("set repository url: %w", ErrUnsupported)
}
func (Src) SetRemoteBranch(context.Context, string, string) error {
	return fmt.Errorf("set remote branch: %w", ErrUnsupported)
}
func (Src) IsShallow(context.Context, string) (bool, error) { return false, nil }
func (Src) Unshallow(context.Context, string) error         { return nil }
func (Src) IsClean(context.Context, string) (bool, error)   { return true, nil }
func (Src) Stash(context.Context, string) (bool, error)     { return false, nil }
func (Src) StashPop(context.Context, string) ([]string, error) {
	return nil, nil
}
func (Src) Pull(context.Context, string) error { return fmt.Errorf("update: %w", ErrUnsupported) }
func (Src) Switch(context.Context, string, string) error {
	return fmt.Errorf("upgrade: %w", ErrUnsupported)
}
func (Src) Export(context.Context, string, string, string) error {
	return fmt.Errorf("export: %w", ErrUnsupported)
}
func (Src) PristineFiles(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("pristine files: %w", ErrUnsupported)
}
func (Src) MetadataDirs() []string { return nil }
