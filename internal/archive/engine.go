package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"gopkg.in/yaml.v3"

	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
	"github.com/tis24dev/cmsfleet/internal/vcs"
	"github.com/tis24dev/cmsfleet/pkg/utils"
)

// BlankChecker tells whether an instance has no application installed.
type BlankChecker interface {
	IsBlank(ctx context.Context, inst *instance.Instance) (bool, error)
}

// Options configures an Engine.
type Options struct {
	// Root is the local directory holding one folder per instance.
	Root    string
	TempDir string

	Compression types.CompressionType
	Level       int
	// Recipients enable age encryption of new archives.
	Recipients []age.Recipient
	// Identities decrypt encrypted archives on restore.
	Identities []age.Identity

	// Ignore holds global path patterns left out of every backup.
	Ignore []string
	Dumper DatabaseDumper
	Blank  BlankChecker
	Logger *logging.Logger
	Clock  clock.Clock
}

// Engine creates, prunes and restores archives.
type Engine struct {
	store  Store
	opts   Options
	comp   Compressor
	logger *logging.Logger
	clock  clock.Clock
}

// NewEngine validates opts and returns an Engine.
func NewEngine(store Store, opts Options) (*Engine, error) {
	if opts.Root == "" {
		return nil, errors.New("archive root is required")
	}
	comp, err := CompressorFor(opts.Compression, opts.Level)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Engine{store: store, opts: opts, comp: comp, logger: opts.Logger, clock: opts.Clock}, nil
}

// BackupOptions select what a backup contains.
type BackupOptions struct {
	Mode types.BackupMode
	// Direct synchronizes the webroot into the archive root instead of
	// writing an archive. It needs local access.
	Direct bool
	// Ignore adds patterns for this run.
	Ignore []string
	// VCS describes the code tree. Partial mode needs a versioned one.
	VCS vcs.VCS
}

// BackupResult describes a finished backup.
type BackupResult struct {
	Archive *Archive
	// DirectPath is set instead of Archive for direct backups.
	DirectPath string
	Files      int
	Bytes      int64
	// FellBack is set when direct or partial mode could not be honoured.
	FellBack bool
}

// InstanceDir is the folder holding the archives of inst.
func (e *Engine) InstanceDir(inst *instance.Instance) string {
	return filepath.Join(e.opts.Root, inst.Label())
}

func (e *Engine) ignoreList(inst *instance.Instance, extra []string) []string {
	out := append([]string{}, e.opts.Ignore...)
	out = append(out, inst.Ignore...)
	return append(out, extra...)
}

// Backup snapshots inst into a new archive, or a synchronized directory in
// direct mode.
func (e *Engine) Backup(ctx context.Context, inst *instance.Instance, access transport.Access, opts BackupOptions) (*BackupResult, error) {
	logger := e.logger.WithInstance(inst.ID, inst.Name)
	ignore := e.ignoreList(inst, opts.Ignore)
	fellBack := false

	if opts.Direct {
		if access.Type() == types.AccessLocal {
			dest := filepath.Join(e.InstanceDir(inst), "direct")
			logger.Info("Synchronizing %s into %s", inst.Webroot, dest)
			stats, err := syncTree(ctx, inst.Webroot, dest, append(ignore, instance.MaintenanceFile))
			if err != nil {
				return nil, fmt.Errorf("direct backup: %w", err)
			}
			logger.Info("Direct backup done: %d copied, %d removed", stats.Copied, stats.Removed)
			return &BackupResult{DirectPath: dest, Files: stats.Files, Bytes: stats.Bytes}, nil
		}
		logger.Warning("Direct mode needs local access, %s is %s; writing an archive instead", inst.Label(), access.Type())
		fellBack = true
	}

	meta := &Metadata{
		InstanceID: inst.ID,
		Instance:   inst.Name,
		Webroot:    inst.Webroot,
		Mode:       types.BackupFull,
		PHPVersion: inst.PHPVersion,
		Ignore:     ignore,
		CreatedAt:  e.clock.Now().UTC(),
	}
	skip := map[string]bool{}
	var skipDirs []string
	if opts.VCS != nil && opts.VCS.Kind().IsVersioned() {
		meta.VCS = opts.VCS.Kind()
		var err error
		if meta.Branch, err = opts.VCS.Branch(ctx, inst.Webroot); err != nil {
			logger.Warning("Cannot read branch: %v", err)
		}
		if meta.Revision, err = opts.VCS.Revision(ctx, inst.Webroot); err != nil {
			logger.Warning("Cannot read revision: %v", err)
		}
	}
	if opts.Mode == types.BackupPartial {
		pristine, err := e.pristine(ctx, opts.VCS, inst.Webroot, meta)
		if err != nil {
			logger.Warning("Partial backup unavailable (%v); archiving the full tree", err)
			fellBack = true
		} else {
			meta.Mode = types.BackupPartial
			for _, p := range pristine {
				skip[p] = true
			}
			skipDirs = opts.VCS.MetadataDirs()
		}
	}

	entries, err := access.ListFiles(ctx, inst.Webroot)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", inst.Webroot, err)
	}
	selected := entries[:0]
	for _, f := range entries {
		if f.Path == instance.MaintenanceFile || skip[f.Path] ||
			utils.MatchesAnyPattern(f.Path, ignore) || utils.MatchesAnyPattern(f.Path, skipDirs) {
			continue
		}
		selected = append(selected, f)
	}

	dump, cleanupDump, err := e.dumpDatabase(ctx, inst, access, logger)
	if err != nil {
		return nil, err
	}
	defer cleanupDump()
	meta.Database = dump != ""

	dir := e.InstanceDir(inst)
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	a := &Archive{
		ID:          uuid.NewString(),
		InstanceID:  inst.ID,
		CreatedAt:   meta.CreatedAt,
		Compression: e.comp.Kind(),
		Encrypted:   len(e.opts.Recipients) > 0,
		Mode:        meta.Mode,
		Branch:      meta.Branch,
		Revision:    meta.Revision,
	}
	a.Path = filepath.Join(dir, e.archiveName(inst, a))

	done := logger.DebugStart("archive", "%d entries into %s", len(selected), a.Path)
	files, bytes, err := e.writeArchive(ctx, a.Path, inst, access, meta, selected, dump)
	done(err)
	if err != nil {
		os.Remove(a.Path)
		return nil, err
	}
	if a.Size, err = utils.GetFileSize(a.Path); err != nil {
		return nil, err
	}
	if err := e.store.SaveArchive(ctx, a); err != nil {
		os.Remove(a.Path)
		return nil, fmt.Errorf("record archive: %w", err)
	}
	logger.Info("Archive %s written: %d files, %s (%s on disk)",
		filepath.Base(a.Path), files, humanize.Bytes(uint64(bytes)), humanize.Bytes(uint64(a.Size)))
	return &BackupResult{Archive: a, Files: files, Bytes: bytes, FellBack: fellBack}, nil
}

func (e *Engine) pristine(ctx context.Context, repo vcs.VCS, webroot string, meta *Metadata) ([]string, error) {
	if repo == nil || !repo.Kind().IsVersioned() {
		return nil, errors.New("instance is not under version control")
	}
	if meta.Revision == "" {
		return nil, errors.New("current revision unknown")
	}
	return repo.PristineFiles(ctx, webroot)
}

func (e *Engine) archiveName(inst *instance.Instance, a *Archive) string {
	name := fmt.Sprintf("%s_%s.tar%s", inst.Label(), a.CreatedAt.Format("20060102-150405"), e.comp.Extension())
	if a.Encrypted {
		name += encryptedExt
	}
	if utils.FileExists(filepath.Join(e.InstanceDir(inst), name)) {
		name = strings.Replace(name, ".tar", "-"+a.ID[:8]+".tar", 1)
	}
	return name
}

// dumpDatabase leaves a local copy of the instance database dump and
// returns its path, or "" when there is nothing to dump.
func (e *Engine) dumpDatabase(ctx context.Context, inst *instance.Instance, access transport.Access, logger *logging.Logger) (string, func(), error) {
	noop := func() {}
	if inst.DB.Name == "" || e.opts.Dumper == nil {
		return "", noop, nil
	}
	if _, ok := transport.AsShell(access); !ok {
		logger.Warning("No shell on %s access, database %s is not included", access.Type(), inst.DB.Name)
		return "", noop, nil
	}

	tmp := inst.TempDir
	if tmp == "" {
		tmp = "/tmp"
	}
	remote := path.Join(tmp, "cmsfleet-dump-"+uuid.NewString()+".sql")
	defer func() {
		if err := access.RemoveFile(context.WithoutCancel(ctx), remote); err != nil && !errors.Is(err, transport.ErrNotFound) {
			logger.Warning("Cannot remove %s: %v", remote, err)
		}
	}()

	logger.Step("Dumping database %s", inst.DB.Name)
	if err := e.opts.Dumper.Dump(ctx, inst, access, remote); err != nil {
		return "", noop, err
	}
	local, err := os.CreateTemp(e.opts.TempDir, "cmsfleet-dump-*.sql")
	if err != nil {
		return "", noop, err
	}
	local.Close()
	cleanup := func() { os.Remove(local.Name()) }
	if err := access.DownloadFile(ctx, remote, local.Name()); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("download dump: %w", err)
	}
	return local.Name(), cleanup, nil
}

// entryPrefix is the archive namespace of a webroot: its absolute path
// without the leading slash.
func entryPrefix(webroot string) string {
	return strings.Trim(path.Clean("/"+webroot), "/")
}

func (e *Engine) writeArchive(ctx context.Context, target string, inst *instance.Instance, access transport.Access, meta *Metadata, files []transport.RemoteFile, dump string) (n int, total int64, err error) {
	out, err := createStream(target, e.comp, e.opts.Recipients)
	if err != nil {
		return 0, 0, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("finalize archive: %w", cerr)
		}
	}()
	tw := NewWriter(out)

	metaBytes, err := yaml.Marshal(meta)
	if err != nil {
		return 0, 0, err
	}
	if err := tw.AddBytes(metaName, metaBytes, meta.CreatedAt); err != nil {
		return 0, 0, err
	}

	prefix := entryPrefix(inst.Webroot)
	if err := tw.WriteHeader(&Entry{Name: prefix, Mode: 0o755, Type: TypeDir, ModTime: meta.CreatedAt}); err != nil {
		return 0, 0, err
	}

	src := newSource(access, inst.Webroot, e.opts.TempDir)
	defer src.Close()
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return n, total, err
		}
		name := prefix + "/" + f.Path
		hdr := &Entry{Name: name, Mode: int64(f.Mode.Perm()), ModTime: f.ModTime}
		switch {
		case f.IsDir:
			hdr.Type = TypeDir
			err = tw.WriteHeader(hdr)
		case f.Link != "":
			hdr.Type, hdr.Linkname = TypeSymlink, f.Link
			err = tw.WriteHeader(hdr)
		case f.Mode.IsRegular():
			var size int64
			size, err = e.addFile(ctx, tw, src, hdr, f.Path)
			total += size
			n++
		default:
			e.logger.Debug("Skipping special file %s", f.Path)
		}
		if err != nil {
			return n, total, fmt.Errorf("add %s: %w", f.Path, err)
		}
	}

	if dump != "" {
		f, err := os.Open(dump)
		if err != nil {
			return n, total, err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return n, total, err
		}
		if err := tw.WriteHeader(&Entry{Name: dumpName, Mode: 0o600, Size: info.Size(), Type: TypeReg, ModTime: meta.CreatedAt}); err != nil {
			return n, total, err
		}
		if _, err := io.Copy(tw, f); err != nil {
			return n, total, fmt.Errorf("add database dump: %w", err)
		}
		total += info.Size()
	}
	return n, total, tw.Close()
}

func (e *Engine) addFile(ctx context.Context, tw *Writer, src *source, hdr *Entry, rel string) (int64, error) {
	r, size, err := src.Open(ctx, rel)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	hdr.Type = TypeReg
	hdr.Size = size
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	if _, err := io.CopyN(tw, r, size); err != nil {
		return 0, err
	}
	return size, nil
}

// source opens webroot files for archiving: in place for local access,
// through a temporary download otherwise.
type source struct {
	access  transport.Access
	root    string
	tempDir string
	staged  string
}

func newSource(access transport.Access, root, tempDir string) *source {
	return &source{access: access, root: root, tempDir: tempDir}
}

func (s *source) Open(ctx context.Context, rel string) (io.ReadCloser, int64, error) {
	local := filepath.Join(s.root, filepath.FromSlash(rel))
	if s.access.Type() != types.AccessLocal {
		if s.staged == "" {
			dir, err := os.MkdirTemp(s.tempDir, "cmsfleet-backup-")
			if err != nil {
				return nil, 0, err
			}
			s.staged = dir
		}
		local = filepath.Join(s.staged, "file")
		if err := s.access.DownloadFile(ctx, path.Join(s.root, rel), local); err != nil {
			return nil, 0, err
		}
	}
	f, err := os.Open(local)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (s *source) Close() {
	if s.staged != "" {
		os.RemoveAll(s.staged)
	}
}

// List returns the archives of inst, oldest first.
func (e *Engine) List(ctx context.Context, inst *instance.Instance) ([]*Archive, error) {
	list, err := e.store.ListArchives(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

// Latest returns the newest archive of inst.
func (e *Engine) Latest(ctx context.Context, inst *instance.Instance) (*Archive, error) {
	list, err := e.List(ctx, inst)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("no archive for %s: %w", inst.Label(), instance.ErrNotFound)
	}
	return list[len(list)-1], nil
}

// ReduceBackups deletes the oldest archives of inst until at most max
// remain. max <= 0 keeps everything.
func (e *Engine) ReduceBackups(ctx context.Context, inst *instance.Instance, max int) ([]*Archive, error) {
	if max <= 0 {
		return nil, nil
	}
	list, err := e.List(ctx, inst)
	if err != nil {
		return nil, err
	}
	if len(list) <= max {
		return nil, nil
	}
	var removed []*Archive
	for _, a := range list[:len(list)-max] {
		if err := e.Delete(ctx, a); err != nil {
			return removed, err
		}
		removed = append(removed, a)
		e.logger.Info("Removed old archive %s (%s)", filepath.Base(a.Path), a.CreatedAt.Format(time.RFC3339))
	}
	return removed, nil
}

// Delete removes an archive file and its record.
func (e *Engine) Delete(ctx context.Context, a *Archive) error {
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", a.Path, err)
	}
	return e.store.DeleteArchive(ctx, a.ID)
}
