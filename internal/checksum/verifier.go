package checksum

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
	"github.com/tis24dev/cmsfleet/internal/vcs"
	"github.com/tis24dev/cmsfleet/pkg/utils"
)

// Verifier collects and checks manifests.
type Verifier struct {
	Store  Store
	Logger *logging.Logger
	// Ignore lists path patterns left out of manifests and checks.
	Ignore []string
	// TempDir is the local directory used to stage downloads when the
	// instance has no shell.
	TempDir string
}

func (v *Verifier) logger() *logging.Logger {
	if v.Logger == nil {
		return logging.GetDefaultLogger()
	}
	return v.Logger
}

// CollectFromSource exports revision from the repository next to the
// instance and hashes the pristine tree.
func (v *Verifier) CollectFromSource(ctx context.Context, inst *instance.Instance, access transport.Access, repo vcs.VCS, revision string) (*Manifest, error) {
	sh, err := transport.RequireShell(access)
	if err != nil {
		return nil, err
	}
	tmp := inst.TempDir
	if tmp == "" {
		tmp = "/tmp"
	}
	dest := path.Join(tmp, "cmsfleet-checksum-"+uuid.NewString())
	defer func() {
		if _, err := transport.RunArgs(context.WithoutCancel(ctx), sh, "rm", "-rf", dest); err != nil {
			v.logger().Warning("Could not remove %s: %v", dest, err)
		}
	}()

	if err := repo.Export(ctx, inst.Webroot, revision, dest); err != nil {
		return nil, fmt.Errorf("export %s: %w", revision, err)
	}
	files, err := v.hashTree(ctx, access, dest, nil)
	if err != nil {
		return nil, err
	}
	return &Manifest{InstanceID: inst.ID, Revision: revision, Source: "source", Files: files}, nil
}

// CollectFromInstance hashes the live tree. It is the fallback baseline
// when the repository cannot be reached.
func (v *Verifier) CollectFromInstance(ctx context.Context, inst *instance.Instance, access transport.Access, revision string, skipDirs []string) (*Manifest, error) {
	files, err := v.hashTree(ctx, access, inst.Webroot, skipDirs)
	if err != nil {
		return nil, err
	}
	return &Manifest{InstanceID: inst.ID, Revision: revision, Source: "instance", Files: files}, nil
}

// Capture stores the baseline for revision. An existing manifest is
// returned untouched. Source collection is tried first when repo is set.
func (v *Verifier) Capture(ctx context.Context, inst *instance.Instance, access transport.Access, repo vcs.VCS, revision string) (*Manifest, error) {
	if existing, err := v.Store.LoadManifest(ctx, inst.ID, revision); err == nil {
		return existing, nil
	} else if !errors.Is(err, instance.ErrNotFound) {
		return nil, err
	}

	var (
		m   *Manifest
		err error
	)
	if repo != nil && repo.Kind().IsVersioned() && revision != "" {
		m, err = v.CollectFromSource(ctx, inst, access, repo, revision)
		if err != nil {
			v.logger().Warning("Checksums from source unavailable for %s: %v; hashing the instance instead", inst.Label(), err)
		}
	}
	if m == nil {
		var skip []string
		if repo != nil {
			skip = repo.MetadataDirs()
		}
		if m, err = v.CollectFromInstance(ctx, inst, access, revision, skip); err != nil {
			return nil, err
		}
	}
	if err := v.Store.SaveManifest(ctx, m); err != nil {
		if errors.Is(err, ErrManifestExists) {
			return v.Store.LoadManifest(ctx, inst.ID, revision)
		}
		return nil, err
	}
	v.logger().Debug("Captured %d checksums for %s at %q", len(m.Files), inst.Label(), revision)
	return m, nil
}

// PerformCheck compares the live tree against the manifest stored for
// revision, skipping vcs metadata and the ignore list.
func (v *Verifier) PerformCheck(ctx context.Context, inst *instance.Instance, access transport.Access, revision string, skipDirs []string) (Diff, error) {
	m, err := v.Store.LoadManifest(ctx, inst.ID, revision)
	if err != nil {
		return Diff{}, fmt.Errorf("baseline for %s at %q: %w", inst.Label(), revision, err)
	}
	return v.CheckAgainst(ctx, m, inst, access, skipDirs)
}

// CheckAgainst compares the live tree of inst with a manifest that may
// belong to another instance, as after a clone.
func (v *Verifier) CheckAgainst(ctx context.Context, m *Manifest, inst *instance.Instance, access transport.Access, skipDirs []string) (Diff, error) {
	live, err := v.hashTree(ctx, access, inst.Webroot, skipDirs)
	if err != nil {
		return Diff{}, err
	}
	baseline := make(map[string]string, len(m.Files))
	for p, h := range m.Files {
		if !v.skipped(p, skipDirs) {
			baseline[p] = h
		}
	}
	return Compare(baseline, live), nil
}

func (v *Verifier) skipped(rel string, skipDirs []string) bool {
	if rel == instance.MaintenanceFile {
		return true
	}
	return utils.MatchesAnyPattern(rel, skipDirs) || utils.MatchesAnyPattern(rel, v.Ignore)
}

// hashTree returns path -> md5 for every regular file below root. Local
// trees are hashed in-process, shell-capable remotes with md5sum, and
// anything else by downloading one file at a time.
func (v *Verifier) hashTree(ctx context.Context, access transport.Access, root string, skipDirs []string) (map[string]string, error) {
	if access.Type() == types.AccessLocal {
		return v.hashLocal(ctx, access, root, skipDirs)
	}
	if sh, ok := transport.AsShell(access); ok {
		return v.hashShell(ctx, sh, root, skipDirs)
	}
	return v.hashByDownload(ctx, access, root, skipDirs)
}

func (v *Verifier) hashLocal(ctx context.Context, access transport.Access, root string, skipDirs []string) (map[string]string, error) {
	entries, err := access.ListFiles(ctx, root)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, e := range entries {
		if !e.Mode.IsRegular() || v.skipped(e.Path, skipDirs) {
			continue
		}
		sum, err := utils.HashFileMD5(ctx, filepath.Join(root, filepath.FromSlash(e.Path)))
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", e.Path, err)
		}
		out[e.Path] = sum
	}
	return out, nil
}

func (v *Verifier) hashShell(ctx context.Context, sh transport.ShellExecutor, root string, skipDirs []string) (map[string]string, error) {
	res, err := sh.ShellExec(ctx, md5Command(root, skipDirs))
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", root, err)
	}
	sums, err := parseMD5Sum(res.Stdout)
	if err != nil {
		return nil, err
	}
	for p := range sums {
		if v.skipped(p, skipDirs) {
			delete(sums, p)
		}
	}
	return sums, nil
}

func (v *Verifier) hashByDownload(ctx context.Context, access transport.Access, root string, skipDirs []string) (map[string]string, error) {
	entries, err := access.ListFiles(ctx, root)
	if err != nil {
		return nil, err
	}
	tmp, err := os.MkdirTemp(v.TempDir, "cmsfleet-hash-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)
	local := filepath.Join(tmp, "file")

	out := make(map[string]string)
	for _, e := range entries {
		if e.IsDir || e.Link != "" || v.skipped(e.Path, skipDirs) {
			continue
		}
		if err := access.DownloadFile(ctx, path.Join(root, e.Path), local); err != nil {
			return nil, fmt.Errorf("download %s: %w", e.Path, err)
		}
		sum, err := utils.HashFileMD5(ctx, local)
		if err != nil {
			return nil, err
		}
		out[e.Path] = sum
		if err := os.Remove(local); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// md5Command hashes every regular file below root, pruning skipDirs.
func md5Command(root string, skipDirs []string) string {
	var prune []string
	for _, d := range skipDirs {
		prune = append(prune, "-path "+transport.Quote("./"+strings.Trim(d, "/")))
	}
	find := "find . -type f -exec md5sum {} +"
	if len(prune) > 0 {
		find = `find . \( ` + strings.Join(prune, " -o ") + ` \) -prune -o -type f -exec md5sum {} +`
	}
	return "cd " + transport.Quote(root) + " && " + find
}

// parseMD5Sum reads md5sum output. Names containing a backslash or newline
// are escaped by md5sum and flagged with a leading backslash.
func parseMD5Sum(out string) (map[string]string, error) {
	sums := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		escaped := strings.HasPrefix(line, `\`)
		if escaped {
			line = line[1:]
		}
		sum, name, ok := strings.Cut(line, " ")
		if !ok || len(sum) != 32 {
			return nil, fmt.Errorf("unexpected md5sum line %q", line)
		}
		name = strings.TrimPrefix(name, " ")
		name = strings.TrimPrefix(name, "*")
		if escaped {
			name = strings.NewReplacer(`\\`, `\`, `\n`, "\n").Replace(name)
		}
		sums[strings.TrimPrefix(name, "./")] = strings.ToLower(sum)
	}
	return sums, scanner.Err()
}
