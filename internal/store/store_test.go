package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/tis24dev/cmsfleet/internal/archive"
	"github.com/tis24dev/cmsfleet/internal/bisect"
	"github.com/tis24dev/cmsfleet/internal/checksum"
	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "db", "cmsfleet.db"), logging.New(types.LogLevelNone, false))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleInstance() *instance.Instance {
	return &instance.Instance{
		Name:    "shop",
		Access:  transport.Descriptor{Type: types.AccessSSH, Host: "web1", Port: 2222, User: "deploy", CredentialRef: "web1-key"},
		Webroot: "/var/www/shop",
		VCSType: types.VCSGit,
		DB:      instance.DBConfig{Name: "shop", User: "shop", Port: 3306},
		Tags:    map[string]string{"env": "prod"},
		Ignore:  []string{"cache", "sites/*/files"},
		CreatedAt: t0,
	}
}

func mustCreate(t *testing.T, s *Store, inst *instance.Instance) {
	t.Helper()
	if err := s.CreateInstance(context.Background(), inst); err != nil {
		t.Fatal(err)
	}
}

func TestInstanceCRUD(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	inst := sampleInstance()
	mustCreate(t, s, inst)
	if inst.ID == 0 {
		t.Fatal("id not set")
	}

	got, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, inst) {
		t.Fatalf("got %+v\nwant %+v", got, inst)
	}

	inst.PHPVersion = "8.1.2"
	inst.Ignore = []string{"tmp"}
	if err := s.UpdateInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTag(ctx, inst.ID, "env", "staging"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTag(ctx, inst.ID, "team", "web"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveTag(ctx, inst.ID, "team"); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListInstances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].PHPVersion != "8.1.2" || list[0].Tags["env"] != "staging" ||
		len(list[0].Tags) != 1 || !reflect.DeepEqual(list[0].Ignore, []string{"tmp"}) {
		t.Fatalf("list = %+v", list[0])
	}

	if err := s.SetTag(ctx, 99, "k", "v"); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("tag on missing instance: %v", err)
	}
	if err := s.UpdateInstance(ctx, &instance.Instance{ID: 99, Name: "x", Webroot: "/x"}); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
	if err := s.DeleteInstance(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetInstance(ctx, inst.ID); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
	if err := s.DeleteInstance(ctx, inst.ID); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestAcquireLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	inst := sampleInstance()
	mustCreate(t, s, inst)

	lock, fresh, err := s.AcquireLock(ctx, inst.ID, "alice", t0)
	if err != nil || !fresh || !lock.Held || lock.Owner != "alice" || !lock.Since.Equal(t0) {
		t.Fatalf("first acquire = %+v, %v, %v", lock, fresh, err)
	}
	lock, fresh, err = s.AcquireLock(ctx, inst.ID, "bob", t0.Add(time.Minute))
	if err != nil || fresh || lock.Owner != "alice" {
		t.Fatalf("second acquire = %+v, %v, %v", lock, fresh, err)
	}
	if err := s.ReleaseLock(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}
	if lock, _ := s.GetLock(ctx, inst.ID); lock != (instance.Lock{}) {
		t.Fatalf("lock after release = %+v", lock)
	}
	if _, _, err := s.AcquireLock(ctx, 42, "alice", t0); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("acquire on missing instance: %v", err)
	}
}

func TestAcquireLockConcurrent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	inst := sampleInstance()
	mustCreate(t, s, inst)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, fresh, err := s.AcquireLock(ctx, inst.ID, "worker", t0)
			if err != nil {
				t.Error(err)
				return
			}
			if fresh {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("%d goroutines acquired the lock", winners)
	}
}

func TestVersionsAndPatches(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	inst := sampleInstance()
	mustCreate(t, s, inst)

	if _, err := s.LatestVersion(ctx, inst.ID); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("latest of empty history: %v", err)
	}
	for i, rev := range []string{"a1", "b2", "c3"} {
		v := &instance.Version{InstanceID: inst.ID, Type: types.VCSGit, Branch: "21.x", Revision: rev,
			Date: t0.Add(time.Duration(i) * time.Hour), Manifest: rev}
		if err := s.SaveVersion(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	latest, err := s.LatestVersion(ctx, inst.ID)
	if err != nil || latest.Revision != "c3" || latest.Type != types.VCSGit {
		t.Fatalf("latest = %+v, %v", latest, err)
	}

	if err := s.AddPatch(ctx, &instance.Patch{InstanceID: inst.ID, Package: "core", URL: "https://example.org/1.patch", AppliedAt: t0}); err != nil {
		t.Fatal(err)
	}
	patches, err := s.ListPatches(ctx, inst.ID)
	if err != nil || len(patches) != 1 || patches[0].Package != "core" || !patches[0].AppliedAt.Equal(t0) {
		t.Fatalf("patches = %v, %v", patches, err)
	}
}

func TestArchives(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	inst := sampleInstance()
	mustCreate(t, s, inst)

	for i, id := range []string{"new", "old", "mid"} {
		created := map[int]time.Time{0: t0.Add(2 * time.Hour), 1: t0, 2: t0.Add(time.Hour + 500*time.Millisecond)}[i]
		a := &archive.Archive{ID: id, InstanceID: inst.ID, Path: "/arch/" + id, CreatedAt: created,
			Compression: types.CompressionXZ, Encrypted: id == "mid", Mode: types.BackupFull, Size: 10}
		if err := s.SaveArchive(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.ListArchives(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, a := range list {
		ids = append(ids, a.ID)
	}
	if !reflect.DeepEqual(ids, []string{"old", "mid", "new"}) {
		t.Fatalf("order = %v", ids)
	}
	mid, err := s.GetArchive(ctx, "mid")
	if err != nil || !mid.Encrypted || mid.Compression != types.CompressionXZ {
		t.Fatalf("mid = %+v, %v", mid, err)
	}
	if err := s.DeleteArchive(ctx, "mid"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetArchive(ctx, "mid"); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("get deleted: %v", err)
	}
	if err := s.SaveArchive(ctx, &archive.Archive{ID: "x", InstanceID: 99, Path: "/x", CreatedAt: t0}); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("archive of unknown instance: %v", err)
	}
}

func TestManifestsAreImmutable(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	inst := sampleInstance()
	mustCreate(t, s, inst)

	m := &checksum.Manifest{InstanceID: inst.ID, Revision: "abc", Source: "source",
		Files: map[string]string{"index.php": "h1", "lib/a.php": "h2"}}
	if err := s.SaveManifest(ctx, m); err != nil {
		t.Fatal(err)
	}
	other := &checksum.Manifest{InstanceID: inst.ID, Revision: "abc", Source: "instance", Files: map[string]string{"x": "y"}}
	if err := s.SaveManifest(ctx, other); !errors.Is(err, checksum.ErrManifestExists) {
		t.Fatalf("second save: %v", err)
	}
	got, err := s.LoadManifest(ctx, inst.ID, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Fatalf("got %+v, want %+v", got, m)
	}
	if _, err := s.LoadManifest(ctx, inst.ID, "def"); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("missing manifest: %v", err)
	}
}

func TestBisectSessions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	inst := sampleInstance()
	mustCreate(t, s, inst)

	if _, err := s.OpenSession(ctx, inst.ID); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("open session of fresh instance: %v", err)
	}
	sess := &bisect.Session{ID: "s1", InstanceID: inst.ID, Good: "C1", Bad: "C4", PreCommit: "C4", PreBranch: "main",
		Status: bisect.StatusActive, Commits: []string{"C2", "C3", "C4"}, Hi: 2, Current: "C3",
		StartedAt: t0, UpdatedAt: t0}
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	second := *sess
	second.ID = "s2"
	err := s.SaveSession(ctx, &second)
	if !errors.Is(err, instance.ErrBisectActive) {
		t.Fatalf("second open session: %v", err)
	}

	sess.Tested = []bisect.Step{{Commit: "C3", Good: true, At: t0.Add(time.Minute)}}
	sess.Lo, sess.Status, sess.Culprit, sess.Current = 2, bisect.StatusGoodFound, "C4", "C4"
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	open, err := s.OpenSession(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(open, sess) {
		t.Fatalf("got %+v\nwant %+v", open, sess)
	}

	sess.FinishedAt = t0.Add(time.Hour)
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if _, err := s.OpenSession(ctx, inst.ID); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("finished session still open: %v", err)
	}
	if err := s.SaveSession(ctx, &second); err != nil {
		t.Fatalf("new session after finish: %v", err)
	}
	all, _ := s.ListSessions(ctx, inst.ID)
	if len(all) != 2 {
		t.Fatalf("sessions = %d", len(all))
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cmsfleet.db")
	s, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	inst := sampleInstance()
	mustCreate(t, s, inst)
	s.Close()

	s, err = Open(ctx, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil || version != len(migrations) {
		t.Fatalf("user_version = %d, %v", version, err)
	}
	if _, err := s.GetInstance(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}
}
