package vcs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
)

// svnStashFile holds local modifications between Stash and StashPop.
const svnStashFile = ".cmsfleet-stash.diff"

// Svn drives subversion through a remote shell. Branches follow the
// standard trunk/branches layout under the repository root.
type Svn struct {
	sh   transport.ShellExecutor
	opts Options
}

// NewSvn returns an Svn bound to sh.
func NewSvn(sh transport.ShellExecutor, opts Options) *Svn {
	return &Svn{sh: sh, opts: opts}
}

func (s *Svn) Kind() types.VCSType { return types.VCSSvn }

func (s *Svn) svn(ctx context.Context, args ...string) (string, error) {
	return run(ctx, s.sh, append([]string{"svn", "--non-interactive"}, args...)...)
}

func (s *Svn) info(ctx context.Context, folder, item string) (string, error) {
	return s.svn(ctx, "info", "--show-item", item, folder)
}

// branchPath maps a branch name to its path under the repository root.
func branchPath(branch string) string {
	b := strings.Trim(strings.TrimPrefix(branch, "^/"), "/")
	if IsTrunk(b) {
		return "trunk"
	}
	if strings.HasPrefix(b, "branches/") || strings.HasPrefix(b, "tags/") {
		return b
	}
	return "branches/" + b
}

func (s *Svn) Branch(ctx context.Context, folder string) (string, error) {
	rel, err := s.info(ctx, folder, "relative-url")
	if err != nil {
		return "", err
	}
	rel = strings.TrimPrefix(rel, "^/")
	switch {
	case rel == "trunk" || strings.HasPrefix(rel, "trunk/"):
		return "trunk", nil
	case strings.HasPrefix(rel, "branches/"):
		return strings.SplitN(strings.TrimPrefix(rel, "branches/"), "/", 2)[0], nil
	default:
		return rel, nil
	}
}

func (s *Svn) Revision(ctx context.Context, folder string) (string, error) {
	return s.info(ctx, folder, "revision")
}

func (s *Svn) root(ctx context.Context, folder string) (string, error) {
	if folder != "" {
		if root, err := s.info(ctx, folder, "repos-root-url"); err == nil && root != "" {
			return root, nil
		}
	}
	if s.opts.RepositoryURL == "" {
		return "", errors.New("svn: no repository url configured")
	}
	return strings.TrimRight(s.opts.RepositoryURL, "/"), nil
}

func (s *Svn) ListBranches(ctx context.Context, folder string) ([]string, error) {
	root, err := s.root(ctx, folder)
	if err != nil {
		return nil, err
	}
	out, err := s.svn(ctx, "list", root+"/branches")
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	branches := []string{"trunk"}
	for _, line := range splitLines(out) {
		branches = append(branches, strings.TrimSuffix(line, "/"))
	}
	return branches, nil
}

func (s *Svn) Clone(ctx context.Context, folder, branch string) error {
	return s.Checkout(ctx, folder, branch, "")
}

func (s *Svn) Checkout(ctx context.Context, folder, branch, revision string) error {
	_, infoErr := s.info(ctx, folder, "url")
	existing := infoErr == nil

	lookup := ""
	if existing {
		lookup = folder
	}
	root, err := s.root(ctx, lookup)
	if err != nil {
		return err
	}
	url := root + "/" + branchPath(branch)
	if revision != "" {
		url += "@" + revision
	}
	if existing {
		_, err = s.svn(ctx, "switch", "--quiet", url, folder)
	} else {
		_, err = s.svn(ctx, "checkout", "--quiet", url, folder)
	}
	return err
}

// Fetch has nothing to do; svn talks to the server on every operation.
func (s *Svn) Fetch(context.Context, string) error { return nil }

func (s *Svn) RepositoryURL(ctx context.Context, folder string) (string, error) {
	return s.info(ctx, folder, "repos-root-url")
}

func (s *Svn) SetRepositoryURL(ctx context.Context, folder, url string) error {
	_, err := s.svn(ctx, "relocate", url, folder)
	return err
}

func (s *Svn) SetRemoteBranch(context.Context, string, string) error {
	return fmt.Errorf("set remote branch: %w", ErrUnsupported)
}

func (s *Svn) IsShallow(context.Context, string) (bool, error) { return false, nil }
func (s *Svn) Unshallow(context.Context, string) error         { return nil }

func (s *Svn) IsClean(ctx context.Context, folder string) (bool, error) {
	out, err := s.svn(ctx, "status", "--quiet", folder)
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// Stash saves local modifications as a patch file and reverts them.
func (s *Svn) Stash(ctx context.Context, folder string) (bool, error) {
	clean, err := s.IsClean(ctx, folder)
	if err != nil || clean {
		return false, err
	}
	patch := path.Join(folder, svnStashFile)
	cmd := fmt.Sprintf("svn --non-interactive diff %s > %s && svn --non-interactive revert --quiet -R %s",
		transport.Quote(folder), transport.Quote(patch), transport.Quote(folder))
	if _, err := s.sh.ShellExec(ctx, cmd); err != nil {
		return false, fmt.Errorf("stash: %w", err)
	}
	return true, nil
}

func (s *Svn) StashPop(ctx context.Context, folder string) ([]string, error) {
	patch := path.Join(folder, svnStashFile)
	if _, err := s.svn(ctx, "patch", patch, folder); err != nil {
		return nil, fmt.Errorf("stash pop: %w", err)
	}
	if _, err := run(ctx, s.sh, "rm", "-f", patch); err != nil {
		return nil, err
	}
	return s.conflicts(ctx, folder)
}

func (s *Svn) conflicts(ctx context.Context, folder string) ([]string, error) {
	out, err := s.svn(ctx, "status", "--quiet", folder)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range splitLines(out) {
		if strings.HasPrefix(line, "C") {
			files = append(files, strings.TrimSpace(line[1:]))
		}
	}
	return files, nil
}

func (s *Svn) Pull(ctx context.Context, folder string) error {
	_, err := s.svn(ctx, "update", "--quiet", folder)
	return err
}

func (s *Svn) Switch(ctx context.Context, folder, branch string) error {
	return s.Checkout(ctx, folder, branch, "")
}

func (s *Svn) Export(ctx context.Context, folder, revision, dest string) error {
	url, err := s.info(ctx, folder, "url")
	if err != nil {
		return err
	}
	if revision != "" {
		url += "@" + revision
	}
	_, err = s.svn(ctx, "export", "--quiet", "--force", url, dest)
	return err
}

func (s *Svn) PristineFiles(ctx context.Context, folder string) ([]string, error) {
	listed, err := s.svn(ctx, "list", "-R", folder)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, p := range splitLines(listed) {
		if !strings.HasSuffix(p, "/") {
			files = append(files, p)
		}
	}
	status, err := s.svn(ctx, "status", "--quiet", folder)
	if err != nil {
		return nil, err
	}
	var changed []string
	prefix := strings.TrimSuffix(folder, "/") + "/"
	for _, line := range splitLines(status) {
		if len(line) > 8 {
			changed = append(changed, strings.TrimPrefix(strings.TrimSpace(line[8:]), prefix))
		}
	}
	return subtract(files, changed), nil
}

func (s *Svn) MetadataDirs() []string { return []string{".svn"} }
