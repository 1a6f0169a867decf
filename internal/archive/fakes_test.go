package archive

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
	"github.com/tis24dev/cmsfleet/internal/vcs"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu       sync.Mutex
	archives map[string]*Archive
}

func newMemStore() *memStore { return &memStore{archives: map[string]*Archive{}} }

func (s *memStore) SaveArchive(_ context.Context, a *Archive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.archives[a.ID] = &cp
	return nil
}

func (s *memStore) GetArchive(_ context.Context, id string) (*Archive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.archives[id]
	if !ok {
		return nil, instance.ErrNotFound
	}
	return a, nil
}

func (s *memStore) ListArchives(_ context.Context, id int64) ([]*Archive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Archive
	for _, a := range s.archives {
		if a.InstanceID == id {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) DeleteArchive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.archives, id)
	return nil
}

type blankFunc func(*instance.Instance) bool

func (f blankFunc) IsBlank(_ context.Context, inst *instance.Instance) (bool, error) {
	return f(inst), nil
}

func alwaysBlank() BlankChecker {
	return blankFunc(func(*instance.Instance) bool { return true })
}

func quiet() *logging.Logger { return logging.New(types.LogLevelNone, false) }

func newTestEngine(t *testing.T, store Store, opts Options) *Engine {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	if opts.Compression == "" {
		opts.Compression = types.CompressionGzip
	}
	if opts.Blank == nil {
		opts.Blank = alwaysBlank()
	}
	opts.Logger = quiet()
	opts.Clock = testclock.NewClock(testNow)
	e, err := NewEngine(store, opts)
	if err != nil {
		t.Fatal(err)
	}
	return e
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

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		data, err := os.ReadFile(p)
		out[filepath.ToSlash(rel)] = string(data)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func localInstance(id int64, name, root string) *instance.Instance {
	return &instance.Instance{ID: id, Name: name, Webroot: root, Access: transport.Descriptor{Type: types.AccessLocal}}
}

// remoteLike hides the shell of an access and reports it as FTP.
type remoteLike struct {
	transport.Access
}

func (remoteLike) Type() types.AccessType { return types.AccessFTP }

type fakeVCS struct {
	vcs.Src
	pristine []string
}

func (f *fakeVCS) Kind() types.VCSType                              { return types.VCSGit }
func (f *fakeVCS) Branch(context.Context, string) (string, error)   { return "21.x", nil }
func (f *fakeVCS) Revision(context.Context, string) (string, error) { return "r1", nil }
func (f *fakeVCS) MetadataDirs() []string                           { return []string{".git"} }
func (f *fakeVCS) PristineFiles(context.Context, string) ([]string, error) {
	return f.pristine, nil
}
