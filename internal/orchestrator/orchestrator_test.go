package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/tis24dev/cmsfleet/internal/archive"
	"github.com/tis24dev/cmsfleet/internal/bisect"
	"github.com/tis24dev/cmsfleet/internal/checksum"
	"github.com/tis24dev/cmsfleet/internal/config"
	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/store"
	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
	"github.com/tis24dev/cmsfleet/internal/vcs"
)

type fixture struct {
	o     *Orchestrator
	store *store.Store
	cfg   *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := logging.New(types.LogLevelNone, false)
	logger.SetOutput(&strings.Builder{})
	cfg := &config.Config{
		DBPath:           filepath.Join(t.TempDir(), "cmsfleet.db"),
		ArchiveRoot:      t.TempDir(),
		TempDir:          t.TempDir(),
		CompressionType:  types.CompressionGzip,
		CompressionLevel: 6,
		MaxBackups:       2,
		LockTimeout:      time.Second,
		LockOwner:        "test",
		MetricsEnabled:   true,
		MetricsPath:      t.TempDir(),
	}
	o, closeFn, err := Open(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { closeFn() })
	st, err := store.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return &fixture{o: o, store: st, cfg: cfg}
}

func (f *fixture) register(t *testing.T, name string, files map[string]string) *instance.Instance {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, files)
	inst := &instance.Instance{Name: name, Access: transport.Descriptor{Type: types.AccessLocal}, Webroot: root}
	if err := f.o.Registry().Register(context.Background(), inst); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return inst
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func openSession(t *testing.T, st *store.Store, id int64) {
	t.Helper()
	s := &bisect.Session{
		ID:         fmt.Sprintf("sess-%d", id),
		InstanceID: id,
		Good:       "c1",
		Bad:        "c3",
		PreCommit:  "c3",
		Status:     bisect.StatusActive,
		Commits:    []string{"c2", "c3"},
		Hi:         1,
		Current:    "c2",
		StartedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := st.SaveSession(context.Background(), s); err != nil {
		t.Fatal(err)
	}
}

var site = map[string]string{
	"index.php":          "<?php echo 'hi';",
	"core/lib.php":       "<?php // lib",
	"sites/default/a.js": "alert(1)",
}

func TestBackupAppliesRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.register(t, "shop", site)

	for i := 0; i < 3; i++ {
		sum := f.o.Backup(ctx, []int64{inst.ID}, BackupOptions{})
		if code := sum.ExitCode(); code != types.ExitSuccess {
			t.Fatalf("run %d: exit %v, results %+v", i, code, sum.Results)
		}
		if sum.Results[0].Archive == nil || sum.Results[0].Bytes == 0 {
			t.Fatalf("run %d: no archive in %+v", i, sum.Results[0])
		}
	}
	list, err := f.o.Archives().List(ctx, inst)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("kept %d archives, want 2", len(list))
	}
	if _, err := os.Stat(filepath.Join(f.cfg.MetricsPath, "cmsfleet_backup.prom")); err != nil {
		t.Fatalf("metrics not exported: %v", err)
	}
	if _, err := os.Stat(filepath.Join(inst.Webroot, instance.MaintenanceFile)); !os.IsNotExist(err) {
		t.Fatalf("maintenance indicator left behind: %v", err)
	}
}

func TestBatchContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.register(t, "a", site)
	b := f.register(t, "b", site)

	sum := f.o.Backup(ctx, []int64{a.ID, 999, b.ID}, BackupOptions{})
	if len(sum.Results) != 3 {
		t.Fatalf("results = %d", len(sum.Results))
	}
	if !sum.Results[0].OK() || sum.Results[1].OK() || !sum.Results[2].OK() {
		t.Fatalf("unexpected outcomes %+v", sum.Results)
	}
	if !errors.Is(sum.Results[1].Err, instance.ErrNotFound) {
		t.Fatalf("missing instance err = %v", sum.Results[1].Err)
	}
	if sum.ExitCode() != types.ExitPartialFailure {
		t.Fatalf("exit = %v", sum.ExitCode())
	}
}

func TestOperationsRefusedDuringBisect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.register(t, "shop", site)
	openSession(t, f.store, inst.ID)

	checks := map[string]func() (InstanceResult, error){
		"backup": func() (InstanceResult, error) { return f.o.BackupOne(ctx, inst.ID, BackupOptions{}) },
		"update": func() (InstanceResult, error) { return f.o.UpdateOne(ctx, inst.ID, UpdateOptions{}) },
		"check":  func() (InstanceResult, error) { return f.o.CheckOne(ctx, inst.ID) },
		"upgrade": func() (InstanceResult, error) { return f.o.UpgradeOne(ctx, inst.ID, "11.x", UpdateOptions{}) },
	}
	for name, fn := range checks {
		t.Run(name, func(t *testing.T) {
			_, err := fn()
			var conflict *instance.LockConflictError
			if !errors.As(err, &conflict) || !errors.Is(err, instance.ErrBisectActive) {
				t.Fatalf("err = %v, want bisect conflict", err)
			}
			if ExitCodeFor(err) != types.ExitLockError {
				t.Fatalf("exit = %v", ExitCodeFor(err))
			}
		})
	}
	list, _ := f.o.Archives().List(ctx, inst)
	if len(list) != 0 {
		t.Fatalf("refused backup wrote %d archive(s)", len(list))
	}
}

// sessionOnLock opens a bisect session the first time a lock is
// acquired, the way a concurrent bisect start would land between a
// lock-free check and the lock.
type sessionOnLock struct {
	*store.Store
	open func(id int64)
	done bool
}

func (s *sessionOnLock) AcquireLock(ctx context.Context, id int64, owner string, since time.Time) (instance.Lock, bool, error) {
	if !s.done {
		s.done = true
		s.open(id)
	}
	return s.Store.AcquireLock(ctx, id, owner, since)
}

func TestBisectCheckedUnderLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.register(t, "shop", site)

	logger := logging.New(types.LogLevelNone, false)
	logger.SetOutput(&strings.Builder{})
	racing := &sessionOnLock{Store: f.store, open: func(id int64) { openSession(t, f.store, id) }}
	f.o.deps.Registry = instance.NewManager(racing, transport.NewFactory(transport.Options{Logger: logger}),
		instance.ManagerOptions{Logger: logger, LockTimeout: time.Second})

	_, err := f.o.BackupOne(ctx, inst.ID, BackupOptions{})
	if !errors.Is(err, instance.ErrBisectActive) {
		t.Fatalf("err = %v, want bisect conflict", err)
	}
	if list, _ := f.o.Archives().List(ctx, inst); len(list) != 0 {
		t.Fatalf("backup ran against the bisect tree: %d archive(s)", len(list))
	}
	if lock, _ := f.store.GetLock(ctx, inst.ID); lock.Held {
		t.Fatalf("refused backup left the lock: %+v", lock)
	}
}

func TestCloneRestoresIntoBlankDestinations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.register(t, "source", site)
	d1 := f.register(t, "dest1", nil)
	d2 := f.register(t, "dest2", nil)

	sum := f.o.Clone(ctx, src.ID, []int64{d1.ID, d2.ID}, CloneOptions{
		Restore: RestoreOptions{CommonParentLevels: -1},
	})
	if sum.ExitCode() != types.ExitSuccess {
		t.Fatalf("clone failed: %v", sum.Lines())
	}
	if len(sum.Results) != 3 || sum.Results[0].Operation != "snapshot" {
		t.Fatalf("results = %+v", sum.Results)
	}
	for _, d := range []*instance.Instance{d1, d2} {
		data, err := os.ReadFile(filepath.Join(d.Webroot, "core", "lib.php"))
		if err != nil || string(data) != site["core/lib.php"] {
			t.Fatalf("%s: lib.php = %q, %v", d.Name, data, err)
		}
	}
}

func TestCloneRestoresNothingWhenSnapshotFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.register(t, "source", site)
	dest := f.register(t, "dest", nil)
	openSession(t, f.store, src.ID)

	sum := f.o.Clone(ctx, src.ID, []int64{dest.ID}, CloneOptions{Restore: RestoreOptions{CommonParentLevels: -1}})
	if len(sum.Results) != 2 {
		t.Fatalf("results = %+v", sum.Results)
	}
	if sum.Results[1].OK() || !strings.Contains(sum.Results[1].Err.Error(), "nothing restored") {
		t.Fatalf("dest result = %+v", sum.Results[1])
	}
	if sum.Results[1].Name != "dest" {
		t.Fatalf("dest name = %q", sum.Results[1].Name)
	}
	if _, err := os.Stat(filepath.Join(dest.Webroot, "index.php")); !os.IsNotExist(err) {
		t.Fatalf("destination touched: %v", err)
	}
}

func TestCloneRefusesNonBlankDestination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.register(t, "source", site)
	dest := f.register(t, "dest", map[string]string{"index.php": "keep"})

	sum := f.o.Clone(ctx, src.ID, []int64{dest.ID}, CloneOptions{Restore: RestoreOptions{CommonParentLevels: -1}})
	err := sum.Results[1].Err
	if !errors.Is(err, archive.ErrNotBlank) {
		t.Fatalf("err = %v, want ErrNotBlank", err)
	}
	if ExitCodeFor(err) != types.ExitArchiveError {
		t.Fatalf("exit = %v", ExitCodeFor(err))
	}
	data, _ := os.ReadFile(filepath.Join(dest.Webroot, "index.php"))
	if string(data) != "keep" {
		t.Fatalf("destination overwritten: %q", data)
	}
}

func TestRevertNeedsForce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.register(t, "shop", site)
	if _, err := f.o.BackupOne(ctx, inst.ID, BackupOptions{}); err != nil {
		t.Fatal(err)
	}
	writeTree(t, inst.Webroot, map[string]string{"index.php": "broken", "shell.php": "x", "core/new/evil.php": "x"})

	if _, err := f.o.Revert(ctx, inst.ID, RestoreOptions{}); !errors.Is(err, ErrRevertNeedsForce) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.o.Revert(ctx, inst.ID, RestoreOptions{Force: true, Verify: true}); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(inst.Webroot, "index.php"))
	if string(data) != site["index.php"] {
		t.Fatalf("index.php = %q", data)
	}
	for _, injected := range []string{"shell.php", "core/new"} {
		if _, err := os.Lstat(filepath.Join(inst.Webroot, injected)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s survived the revert: %v", injected, err)
		}
	}
	res, err := f.o.CheckOne(ctx, inst.ID)
	if err != nil || res.Warning != nil {
		t.Fatalf("check after revert = %+v, %v", res, err)
	}
}

func TestCheckReportsDriftAsWarning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.register(t, "shop", site)

	res, err := f.o.CheckOne(ctx, inst.ID)
	if err != nil || res.Warning != nil {
		t.Fatalf("first check = %+v, %v", res, err)
	}
	res, err = f.o.CheckOne(ctx, inst.ID)
	if err != nil || res.Warning != nil || res.Drift == nil {
		t.Fatalf("clean check = %+v, %v", res, err)
	}

	writeTree(t, inst.Webroot, map[string]string{"core/lib.php": "<?php // hacked", "shell.php": "x"})
	os.Remove(filepath.Join(inst.Webroot, "sites", "default", "a.js"))

	sum := f.o.Check(ctx, []int64{inst.ID})
	if sum.ExitCode() != types.ExitSuccess {
		t.Fatalf("drift failed the run: %v", sum.Lines())
	}
	res = sum.Results[0]
	var drift *checksum.DriftWarning
	if !errors.As(res.Warning, &drift) {
		t.Fatalf("warning = %v", res.Warning)
	}
	d := res.Drift
	if _, ok := d.Modified["core/lib.php"]; !ok {
		t.Fatalf("modified = %v", d.Modified)
	}
	if _, ok := d.New["shell.php"]; !ok {
		t.Fatalf("new = %v", d.New)
	}
	if _, ok := d.Deleted["sites/default/a.js"]; !ok {
		t.Fatalf("deleted = %v", d.Deleted)
	}
	if !strings.Contains(strings.Join(sum.Lines(), "\n"), "warning") {
		t.Fatalf("summary lines = %q", sum.Lines())
	}
}

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want types.ExitCode
	}{
		{"nil", nil, types.ExitSuccess},
		{"lock", &instance.LockConflictError{InstanceID: 1, Err: instance.ErrLocked}, types.ExitLockError},
		{"bisect", stepErr("snapshot", instance.ErrBisectActive), types.ExitLockError},
		{"connection", &transport.ConnectionError{Host: "web1", Err: errors.New("refused")}, types.ExitConnectionError},
		{"command", stepErr("update", &transport.CommandError{Command: "git pull", ExitCode: 1}), types.ExitCommandError},
		{"incompatible", fmt.Errorf("upgrade: %w", vcs.ErrIncompatible), types.ExitVersionError},
		{"integrity", &archive.IntegrityError{Archive: "a.tar", Reason: "bad"}, types.ExitIntegrityError},
		{"not blank", stepErr("restore", archive.ErrNotBlank), types.ExitArchiveError},
		{"other", errors.New("boom"), types.ExitGenericError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCodeFor(tc.err); got != tc.want {
				t.Fatalf("ExitCodeFor(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestSummaryLinesAndExitCode(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sum := &Summary{
		Operation:  "clone-upgrade",
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
		Results: []InstanceResult{
			{InstanceID: 1, Name: "a", Operation: "snapshot"},
			{InstanceID: 2, Name: "b", Operation: "restore", Err: errors.New("disk full")},
		},
	}
	lines := sum.Lines()
	if lines[0] != "Clone Upgrade summary: 1/2 succeeded in 1m 30s" {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.Contains(lines[2], "FAILED") || !strings.Contains(lines[2], "2-b (restore): disk full") {
		t.Fatalf("line = %q", lines[2])
	}
	if sum.ExitCode() != types.ExitPartialFailure {
		t.Fatalf("exit = %v", sum.ExitCode())
	}

	single := &Summary{Results: []InstanceResult{{Err: &instance.LockConflictError{Err: instance.ErrLocked}}}}
	if single.ExitCode() != types.ExitLockError {
		t.Fatalf("single exit = %v", single.ExitCode())
	}
}

// fakeGit is a linear history c1..cN where HEAD starts at the tip of main.
type fakeGit struct {
	vcs.Src
	commits []string
	head    string
}

func newFakeGit(n int) *fakeGit {
	g := &fakeGit{}
	for i := 1; i <= n; i++ {
		g.commits = append(g.commits, fmt.Sprintf("c%d", i))
	}
	g.head = g.commits[n-1]
	return g
}

func (g *fakeGit) Kind() types.VCSType                              { return types.VCSGit }
func (g *fakeGit) Branch(context.Context, string) (string, error)   { return "main", nil }
func (g *fakeGit) Revision(context.Context, string) (string, error) { return g.head, nil }
func (g *fakeGit) MetadataDirs() []string                           { return []string{".git"} }

func (g *fakeGit) ResolveCommit(_ context.Context, _, ref string) (string, error) {
	switch {
	case ref == "HEAD":
		return g.head, nil
	case ref == "main":
		return g.commits[len(g.commits)-1], nil
	case slices.Contains(g.commits, ref):
		return ref, nil
	}
	return "", fmt.Errorf("unknown revision %q", ref)
}

func (g *fakeGit) ListCommits(_ context.Context, _, good, bad string) ([]string, error) {
	lo, hi := slices.Index(g.commits, good), slices.Index(g.commits, bad)
	if lo < 0 || hi < lo {
		return nil, nil
	}
	return append([]string(nil), g.commits[lo+1:hi+1]...), nil
}

func (g *fakeGit) CheckoutCommit(ctx context.Context, folder, ref string) error {
	c, err := g.ResolveCommit(ctx, folder, ref)
	if err != nil {
		return err
	}
	g.head = c
	return nil
}

func TestBisectLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	git := newFakeGit(8)
	f.o.deps.VCS = func(types.VCSType, transport.ShellExecutor, vcs.Options) (vcs.VCS, error) { return git, nil }

	inst := &instance.Instance{Name: "shop", Access: transport.Descriptor{Type: types.AccessLocal}, Webroot: t.TempDir(), VCSType: types.VCSGit}
	if err := f.o.Registry().Register(ctx, inst); err != nil {
		t.Fatal(err)
	}
	for _, rev := range []string{"c3", "c8"} {
		if err := f.o.Registry().RecordVersion(ctx, &instance.Version{InstanceID: inst.ID, Type: types.VCSGit, Branch: "main", Revision: rev, Date: time.Now().UTC()}); err != nil {
			t.Fatal(err)
		}
	}

	s, err := f.o.BisectStart(ctx, inst.ID, "", "")
	if err != nil {
		t.Fatalf("BisectStart: %v", err)
	}
	if s.Good != "c3" || s.Bad != "c8" || git.head != s.Current {
		t.Fatalf("session = %+v, head %s", s, git.head)
	}
	if _, err := f.o.BackupOne(ctx, inst.ID, BackupOptions{}); !errors.Is(err, instance.ErrBisectActive) {
		t.Fatalf("backup during bisect: %v", err)
	}
	if _, err := f.o.BisectStart(ctx, inst.ID, "", "c1"); !errors.Is(err, instance.ErrBisectActive) {
		t.Fatalf("second start: %v", err)
	}

	// c6 introduced the regression.
	for s.Status == bisect.StatusActive {
		idx := slices.Index(git.commits, s.Current)
		if idx >= 5 {
			s, err = f.o.BisectBad(ctx, inst.ID, "")
		} else {
			s, err = f.o.BisectGood(ctx, inst.ID, "")
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if s.Culprit != "c6" {
		t.Fatalf("culprit = %s", s.Culprit)
	}

	s, err = f.o.BisectFinish(ctx, inst.ID)
	if err != nil || s == nil {
		t.Fatalf("BisectFinish = %v, %v", s, err)
	}
	if git.head != "c8" {
		t.Fatalf("head after finish = %s", git.head)
	}
	if open, _ := f.o.BisectStatus(ctx, inst.ID); open != nil {
		t.Fatalf("session still open: %+v", open)
	}
	if s, err := f.o.BisectFinish(ctx, inst.ID); s != nil || err != nil {
		t.Fatalf("second finish = %v, %v", s, err)
	}
}
