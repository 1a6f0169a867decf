package vcs

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
)

func TestNewSelectsKind(t *testing.T) {
	sh := newFakeShell()
	for _, kind := range []types.VCSType{types.VCSGit, types.VCSSvn, types.VCSSrc} {
		v, err := New(kind, sh, Options{})
		if err != nil || v.Kind() != kind {
			t.Fatalf("New(%s) = %v, %v", kind, v, err)
		}
	}
	if _, err := New(types.VCSGit, nil, Options{}); !errors.Is(err, transport.ErrNoShell) {
		t.Fatalf("git without shell err = %v", err)
	}
	if _, err := New("hg", sh, Options{}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestGitListBranches(t *testing.T) {
	sh := newFakeShell().on("git -C /w ls-remote", "abc\trefs/heads/master\ndef\trefs/heads/21.x\n", 0)
	g := NewGit(sh, Options{})
	got, err := g.ListBranches(context.Background(), "/w")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"master", "21.x"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("branches = %v; want %v", got, want)
	}
}

func TestGitCheckoutClonesMissingRepository(t *testing.T) {
	sh := newFakeShell().on("git -C /w rev-parse --git-dir", "", 128)
	g := NewGit(sh, Options{RepositoryURL: "https://git.example.org/cms.git"})

	if err := g.Checkout(context.Background(), "/w", "21.x", "abc123"); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if !sh.ran("git clone --quiet --branch 21.x https://git.example.org/cms.git /w") {
		t.Fatalf("clone not run, calls = %v", sh.calls)
	}
	if !sh.ran("git -C /w checkout --quiet -B 21.x abc123") {
		t.Fatalf("checkout not run, calls = %v", sh.calls)
	}
}

func TestGitStashPopReportsConflicts(t *testing.T) {
	sh := newFakeShell().
		on("git -C /w stash pop", "", 1).
		on("git -C /w diff --name-only --diff-filter=U", "lib/a.php\ntemplates/b.tpl\n", 0)
	g := NewGit(sh, Options{})

	files, err := g.StashPop(context.Background(), "/w")
	if err != nil {
		t.Fatalf("StashPop: %v", err)
	}
	if want := []string{"lib/a.php", "templates/b.tpl"}; !reflect.DeepEqual(files, want) {
		t.Fatalf("conflicts = %v; want %v", files, want)
	}
}

func TestGitListCommitsAndShallow(t *testing.T) {
	sh := newFakeShell().
		on("git -C /w rev-list --first-parent --reverse c1..c4", "c2\nc3\nc4\n", 0).
		on("git -C /w rev-parse --is-shallow-repository", "true\n", 0)
	g := NewGit(sh, Options{})
	ctx := context.Background()

	commits, err := g.ListCommits(ctx, "/w", "c1", "c4")
	if err != nil || !reflect.DeepEqual(commits, []string{"c2", "c3", "c4"}) {
		t.Fatalf("ListCommits = %v, %v", commits, err)
	}
	if err := g.Unshallow(ctx, "/w"); err != nil {
		t.Fatal(err)
	}
	if !sh.ran("git -C /w fetch --quiet --unshallow") {
		t.Fatalf("unshallow fetch not run: %v", sh.calls)
	}
}

func TestSvnBranchAndConflicts(t *testing.T) {
	sh := newFakeShell().
		on("svn --non-interactive info --show-item relative-url", "^/branches/21.x\n", 0).
		on("svn --non-interactive status --quiet", "M       lib/x.php\nC       lib/y.php\n", 0)
	s := NewSvn(sh, Options{})
	ctx := context.Background()

	branch, err := s.Branch(ctx, "/w")
	if err != nil || branch != "21.x" {
		t.Fatalf("Branch = %q, %v", branch, err)
	}
	conflicts, err := s.conflicts(ctx, "/w")
	if err != nil || !reflect.DeepEqual(conflicts, []string{"lib/y.php"}) {
		t.Fatalf("conflicts = %v, %v", conflicts, err)
	}
	if branchPath("trunk") != "trunk" || branchPath("21.x") != "branches/21.x" {
		t.Fatal("unexpected branch path mapping")
	}
}

func TestSrcRefusesUpdates(t *testing.T) {
	var s Src
	if err := s.Pull(context.Background(), "/w"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Pull err = %v", err)
	}
	if clean, _ := s.IsClean(context.Background(), "/w"); !clean {
		t.Fatal("src trees are always clean")
	}
}

func TestGitPristineFilesDropsModified(t *testing.T) {
	sh := newFakeShell().
		on("git -C /w ls-files", "index.php\nlib/a.php\nlib/b.php\n", 0).
		on("git -C /w diff --name-only HEAD", "lib/a.php\n", 0)
	got, err := NewGit(sh, Options{}).PristineFiles(context.Background(), "/w")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"index.php", "lib/b.php"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("pristine = %v; want %v", got, want)
	}
}
