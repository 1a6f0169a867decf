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

	"gopkg.in/yaml.v3"

	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
	"github.com/tis24dev/cmsfleet/internal/vcs"
	"github.com/tis24dev/cmsfleet/pkg/utils"
)

const maxMetadataSize = 1 << 20

// RestoreRequest describes one restore.
type RestoreRequest struct {
	Dest       *instance.Instance
	DestAccess transport.Access
	// Source and SourceAccess are read in direct mode.
	Source       *instance.Instance
	SourceAccess transport.Access
	Archive      *Archive

	// IsClone allows an archive captured from another instance.
	IsClone bool
	// Direct synchronizes Source into Dest without an archive when both
	// are local, and falls back to Archive otherwise.
	Direct bool
	// Force restores into an instance that is not blank.
	Force                   bool
	SkipSystemConfigCheck   bool
	AllowCommonParentLevels int

	// Checkout rebuilds the versioned tree of a partial archive in the
	// destination before the archived files are laid over it.
	Checkout func(ctx context.Context, meta *Metadata) error
	// Verify runs after the files are in place; nil skips verification.
	Verify func(ctx context.Context, meta *Metadata) error
}

// RestoreResult describes a finished restore.
type RestoreResult struct {
	Metadata *Metadata
	Files    int
	Bytes    int64
	// Removed counts destination paths a forced restore deleted because
	// the archive did not hold them.
	Removed  int
	Direct   bool
	Database bool
}

type scanResult struct {
	meta    *Metadata
	prefix  string
	dirs    []string
	hasDump bool
}

// Restore writes an archive, or a direct copy of another local instance,
// into req.Dest. Every check runs before the first write.
func (e *Engine) Restore(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	dest := req.Dest
	logger := e.logger.WithInstance(dest.ID, dest.Name)

	if err := e.guardBlank(ctx, req); err != nil {
		return nil, err
	}

	if req.Direct {
		if req.Source != nil && req.SourceAccess != nil &&
			req.SourceAccess.Type() == types.AccessLocal && req.DestAccess.Type() == types.AccessLocal {
			return e.restoreDirect(ctx, req, logger)
		}
		logger.Warning("Direct restore needs local access on both ends; using the archive instead")
		if req.Archive == nil {
			return nil, errors.New("direct restore is not possible and no archive was given")
		}
	}
	if req.Archive == nil {
		return nil, errors.New("no archive to restore")
	}

	logger.Step("Verifying archive %s", filepath.Base(req.Archive.Path))
	scan, err := e.scan(ctx, req.Archive.Path)
	if err != nil {
		return nil, err
	}
	if err := e.checkScan(scan, req); err != nil {
		return nil, err
	}

	staging, err := os.MkdirTemp(e.opts.TempDir, "cmsfleet-restore-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)
	tree := filepath.Join(staging, "tree")
	dump := filepath.Join(staging, "database.sql")

	logger.Step("Extracting into staging")
	if err := e.extract(ctx, req.Archive.Path, scan.prefix, tree, dump); err != nil {
		return nil, err
	}

	if scan.meta.Mode == types.BackupPartial {
		if req.Checkout == nil {
			return nil, fmt.Errorf("partial archive needs the %s tree at %s rebuilt first", scan.meta.VCS, scan.meta.Revision)
		}
		logger.Step("Checking out %s %s", scan.meta.Branch, scan.meta.Revision)
		if err := req.Checkout(ctx, scan.meta); err != nil {
			return nil, fmt.Errorf("rebuild versioned tree: %w", err)
		}
	}

	logger.Step("Uploading files to %s", dest.Webroot)
	res := &RestoreResult{Metadata: scan.meta}
	if res.Files, res.Bytes, err = e.upload(ctx, tree, dest, req.DestAccess, logger); err != nil {
		return res, err
	}

	if req.Force {
		if scan.meta.Mode == types.BackupFull {
			keep := append(append([]string{}, scan.meta.Ignore...), e.ignoreList(dest, nil)...)
			keep = append(keep, instance.MaintenanceFile, metaDir)
			if res.Removed, err = e.prune(ctx, tree, dest, req.DestAccess, keep, logger); err != nil {
				return res, err
			}
		} else {
			logger.Debug("Partial archive: files outside the archive are left in place")
		}
	}

	if scan.hasDump {
		if res.Database, err = e.loadDatabase(ctx, dest, req.DestAccess, dump, logger); err != nil {
			return res, err
		}
	}
	e.applyOwnership(ctx, dest, req.DestAccess, logger)

	if req.Verify != nil {
		if err := req.Verify(ctx, scan.meta); err != nil {
			return res, err
		}
	}
	logger.Info("Restored %d files into %s", res.Files, dest.Label())
	return res, nil
}

func (e *Engine) guardBlank(ctx context.Context, req RestoreRequest) error {
	if req.Force {
		return nil
	}
	if e.opts.Blank == nil {
		return fmt.Errorf("cannot tell whether %s is blank", req.Dest.Label())
	}
	blank, err := e.opts.Blank.IsBlank(ctx, req.Dest)
	if err != nil {
		return fmt.Errorf("blank check: %w", err)
	}
	if !blank {
		return fmt.Errorf("%s: %w", req.Dest.Label(), ErrNotBlank)
	}
	return nil
}

func (e *Engine) restoreDirect(ctx context.Context, req RestoreRequest, logger *logging.Logger) (*RestoreResult, error) {
	logger.Info("Synchronizing %s into %s", req.Source.Webroot, req.Dest.Webroot)
	ignore := append(e.ignoreList(req.Source, nil), instance.MaintenanceFile)
	stats, err := syncTree(ctx, req.Source.Webroot, req.Dest.Webroot, ignore)
	if err != nil {
		return nil, fmt.Errorf("direct restore: %w", err)
	}
	res := &RestoreResult{Direct: true, Files: stats.Files, Bytes: stats.Bytes}

	if req.Source.DB.Name != "" && req.Dest.DB.Name != "" && e.opts.Dumper != nil {
		f, err := os.CreateTemp(e.opts.TempDir, "cmsfleet-direct-*.sql")
		if err != nil {
			return res, err
		}
		f.Close()
		defer os.Remove(f.Name())
		if err := e.opts.Dumper.Dump(ctx, req.Source, req.SourceAccess, f.Name()); err != nil {
			return res, err
		}
		if err := e.opts.Dumper.Load(ctx, req.Dest, req.DestAccess, f.Name()); err != nil {
			return res, err
		}
		res.Database = true
	}
	e.applyOwnership(ctx, req.Dest, req.DestAccess, logger)
	if req.Verify != nil {
		if err := req.Verify(ctx, nil); err != nil {
			return res, err
		}
	}
	return res, nil
}

// scan reads the whole archive once: every header checksum, every name,
// every link target and the data length of every member.
func (e *Engine) scan(ctx context.Context, archivePath string) (*scanResult, error) {
	in, err := openStream(archivePath, e.opts.Identities)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	label := filepath.Base(archivePath)
	tr := NewReader(in, label)
	res := &scanResult{}

	type link struct {
		name, target string
		hard         bool
	}
	var links []link
	var names []string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		clean, err := ValidateEntryName(hdr.Name)
		if err != nil {
			return nil, &IntegrityError{Archive: label, Entry: hdr.Name, Reason: err.Error()}
		}

		switch {
		case clean == metaName:
			data, err := io.ReadAll(io.LimitReader(tr, maxMetadataSize))
			if err != nil {
				return nil, err
			}
			meta := &Metadata{}
			if err := yaml.Unmarshal(data, meta); err != nil {
				return nil, &IntegrityError{Archive: label, Entry: hdr.Name, Reason: "unreadable metadata: " + err.Error()}
			}
			res.meta = meta
		case clean == dumpName:
			res.hasDump = true
		case clean == metaDir || strings.HasPrefix(clean, metaDir+"/"):
		default:
			names = append(names, clean)
			if hdr.IsDir() {
				res.dirs = append(res.dirs, clean)
			} else {
				res.dirs = append(res.dirs, path.Dir(clean))
			}
			switch hdr.Type {
			case TypeSymlink:
				links = append(links, link{name: clean, target: hdr.Linkname})
			case TypeLink:
				target, err := ValidateEntryName(hdr.Linkname)
				if err != nil {
					return nil, &IntegrityError{Archive: label, Entry: hdr.Name, Reason: "hard link: " + err.Error()}
				}
				links = append(links, link{name: clean, target: target, hard: true})
			}
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return nil, err
		}
	}

	if res.meta == nil {
		return nil, &IntegrityError{Archive: label, Reason: "missing archive metadata"}
	}
	res.prefix = entryPrefix(res.meta.Webroot)
	for _, n := range names {
		if !within(res.prefix, n) {
			return nil, &IntegrityError{Archive: label, Entry: n, Reason: "entry outside the captured webroot " + res.meta.Webroot}
		}
	}
	for _, l := range links {
		if l.hard {
			if !within(res.prefix, l.target) {
				return nil, &IntegrityError{Archive: label, Entry: l.name, Reason: "hard link outside the captured webroot"}
			}
			continue
		}
		if err := ValidateLinkTarget(res.prefix, l.name, l.target); err != nil {
			return nil, &IntegrityError{Archive: label, Entry: l.name, Reason: err.Error()}
		}
	}
	return res, nil
}

func (e *Engine) checkScan(scan *scanResult, req RestoreRequest) error {
	meta := scan.meta
	if !req.IsClone && meta.InstanceID != 0 && meta.InstanceID != req.Dest.ID {
		return fmt.Errorf("archive belongs to instance %d (%s); restoring it into %s is a clone",
			meta.InstanceID, meta.Instance, req.Dest.Label())
	}
	if err := CheckCommonParent(scan.dirs, req.Dest.Webroot, req.AllowCommonParentLevels); err != nil {
		return &IntegrityError{Archive: filepath.Base(req.Archive.Path), Reason: err.Error()}
	}
	if !req.SkipSystemConfigCheck && meta.PHPVersion != "" && req.Dest.PHPVersion != "" {
		have, err1 := vcs.ParseRuntime(meta.PHPVersion)
		want, err2 := vcs.ParseRuntime(req.Dest.PHPVersion)
		if err1 == nil && err2 == nil && (have.Major != want.Major || have.Minor != want.Minor) {
			return fmt.Errorf("%w: captured on PHP %s, %s runs %s",
				ErrSystemMismatch, meta.PHPVersion, req.Dest.Label(), req.Dest.PHPVersion)
		}
	}
	return nil
}

// extract writes the webroot members below tree and the dump to dump.
func (e *Engine) extract(ctx context.Context, archivePath, prefix, tree, dump string) error {
	in, err := openStream(archivePath, e.opts.Identities)
	if err != nil {
		return err
	}
	defer in.Close()
	tr := NewReader(in, filepath.Base(archivePath))
	if err := os.MkdirAll(tree, 0o700); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		clean, err := ValidateEntryName(hdr.Name)
		if err != nil {
			return &IntegrityError{Archive: filepath.Base(archivePath), Entry: hdr.Name, Reason: err.Error()}
		}
		if clean == dumpName {
			if err := writeStaged(ctx, dump, tr, 0o600); err != nil {
				return err
			}
			continue
		}
		if clean == prefix || !within(prefix, clean) {
			continue
		}
		target, err := ResolveEntryTarget(tree, strings.TrimPrefix(clean, prefix+"/"))
		if err != nil {
			return &IntegrityError{Archive: filepath.Base(archivePath), Entry: hdr.Name, Reason: err.Error()}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		switch {
		case hdr.IsDir():
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return err
			}
		case hdr.IsSymlink():
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case hdr.Type == TypeLink:
			linkTarget, _ := ValidateEntryName(hdr.Linkname)
			src, err := ResolveEntryTarget(tree, strings.TrimPrefix(linkTarget, prefix+"/"))
			if err != nil {
				return err
			}
			if err := os.Link(src, target); err != nil {
				return err
			}
		case hdr.IsRegular():
			if err := writeStaged(ctx, target, tr, fs.FileMode(hdr.Mode).Perm()|0o600); err != nil {
				return err
			}
			if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
				return err
			}
		default:
			e.logger.Debug("Skipping special member %s", hdr.Name)
		}
	}
}

func writeStaged(ctx context.Context, target string, r io.Reader, mode fs.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, ctxReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// prune removes what the destination holds beyond the staged tree, so a
// forced restore leaves no file the archive lacks. Paths matching keep
// are left alone.
func (e *Engine) prune(ctx context.Context, tree string, dest *instance.Instance, access transport.Access, keep []string, logger *logging.Logger) (int, error) {
	staged := map[string]bool{}
	err := filepath.WalkDir(tree, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(tree, p)
		if err != nil || rel == "." {
			return err
		}
		staged[filepath.ToSlash(rel)] = true
		return nil
	})
	if err != nil {
		return 0, err
	}
	live, err := access.ListFiles(ctx, dest.Webroot)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", dest.Webroot, err)
	}

	var files, dirs []string
	for _, f := range live {
		if staged[f.Path] || utils.MatchesAnyPattern(f.Path, keep) {
			continue
		}
		if f.IsDir {
			dirs = append(dirs, f.Path)
		} else {
			files = append(files, f.Path)
		}
	}

	removed := 0
	for _, rel := range files {
		if err := access.RemoveFile(ctx, path.Join(dest.Webroot, rel)); err != nil {
			return removed, fmt.Errorf("remove %s: %w", rel, err)
		}
		logger.Debug("Removed %s", rel)
		removed++
	}
	// Deepest first, so each directory is empty by the time it is removed.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, rel := range dirs {
		if err := access.RemoveFile(ctx, path.Join(dest.Webroot, rel)); err != nil {
			logger.Warning("Cannot remove directory %s: %v", rel, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("Removed %d path(s) not present in the archive", removed)
	}
	return removed, nil
}

// upload copies the staged tree into the destination webroot.
func (e *Engine) upload(ctx context.Context, tree string, dest *instance.Instance, access transport.Access, logger *logging.Logger) (int, int64, error) {
	var files int
	var total int64
	if err := access.CreateDirectory(ctx, dest.Webroot); err != nil {
		return 0, 0, err
	}
	sh, hasShell := transport.AsShell(access)
	err := filepath.WalkDir(tree, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(tree, p)
		if err != nil || rel == "." {
			return err
		}
		remote := path.Join(dest.Webroot, filepath.ToSlash(rel))
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return access.CreateDirectory(ctx, remote)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if !hasShell {
				logger.Warning("Cannot create symlink %s over %s access", remote, access.Type())
				return nil
			}
			_, err = transport.RunArgs(ctx, sh, "ln", "-sfn", link, remote)
			return err
		case info.Mode().IsRegular():
			if err := access.UploadFile(ctx, p, remote); err != nil {
				return fmt.Errorf("upload %s: %w", rel, err)
			}
			files++
			total += info.Size()
		}
		return nil
	})
	return files, total, err
}

func (e *Engine) loadDatabase(ctx context.Context, dest *instance.Instance, access transport.Access, dump string, logger *logging.Logger) (bool, error) {
	if dest.DB.Name == "" || e.opts.Dumper == nil {
		logger.Warning("Archive holds a database dump but %s has no database configured", dest.Label())
		return false, nil
	}
	if _, ok := transport.AsShell(access); !ok {
		logger.Warning("No shell on %s access, database dump not loaded", access.Type())
		return false, nil
	}
	tmp := dest.TempDir
	if tmp == "" {
		tmp = "/tmp"
	}
	remote := path.Join(tmp, filepath.Base(filepath.Dir(dump))+".sql")
	if err := access.UploadFile(ctx, dump, remote); err != nil {
		return false, fmt.Errorf("upload dump: %w", err)
	}
	defer access.RemoveFile(context.WithoutCancel(ctx), remote)
	logger.Step("Loading database %s", dest.DB.Name)
	if err := e.opts.Dumper.Load(ctx, dest, access, remote); err != nil {
		return false, err
	}
	return true, nil
}

// applyOwnership sets the configured owner and permissions on the webroot.
func (e *Engine) applyOwnership(ctx context.Context, dest *instance.Instance, access transport.Access, logger *logging.Logger) {
	sh, ok := transport.AsShell(access)
	if !ok || (dest.BackupUser == "" && dest.BackupPerm == "") {
		return
	}
	if dest.BackupUser != "" {
		owner := dest.BackupUser
		if dest.BackupGroup != "" {
			owner += ":" + dest.BackupGroup
		}
		if _, err := transport.RunArgs(ctx, sh, "chown", "-R", owner, dest.Webroot); err != nil {
			logger.Warning("chown %s: %v", owner, err)
		}
	}
	if dest.BackupPerm != "" {
		if _, err := transport.RunArgs(ctx, sh, "chmod", "-R", dest.BackupPerm, dest.Webroot); err != nil {
			logger.Warning("chmod %s: %v", dest.BackupPerm, err)
		}
	}
}
