package archive

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/tis24dev/cmsfleet/pkg/utils"
)

// syncStats counts what syncTree did.
type syncStats struct {
	Files   int
	Bytes   int64
	Copied  int
	Removed int
}

// syncTree makes dst a copy of src. Files whose size and modification
// time already match are left alone, entries missing from src are
// removed. Paths matching ignore are neither copied nor removed.
func syncTree(ctx context.Context, src, dst string, ignore []string) (syncStats, error) {
	var stats syncStats
	seen := map[string]bool{}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return stats, err
	}

	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil || rel == "." {
			return err
		}
		slash := filepath.ToSlash(rel)
		if utils.MatchesAnyPattern(slash, ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		seen[slash] = true
		info, err := d.Info()
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			if existing, err := os.Lstat(target); err == nil && !existing.IsDir() {
				if err := os.RemoveAll(target); err != nil {
					return err
				}
			}
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if current, err := os.Readlink(target); err == nil && current == link {
				return nil
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			stats.Copied++
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			stats.Files++
			stats.Bytes += info.Size()
			if existing, err := os.Lstat(target); err == nil && existing.Mode().IsRegular() &&
				existing.Size() == info.Size() && existing.ModTime().Equal(info.ModTime()) {
				return nil
			}
			stats.Copied++
			return copyFile(ctx, p, target, info)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	var stale []string
	err = filepath.WalkDir(dst, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dst, p)
		if err != nil || rel == "." {
			return err
		}
		slash := filepath.ToSlash(rel)
		if utils.MatchesAnyPattern(slash, ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !seen[slash] {
			stale = append(stale, p)
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(stale)))
	for _, p := range stale {
		if err := os.RemoveAll(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return stats, err
		}
		stats.Removed++
	}
	return stats, nil
}

func copyFile(ctx context.Context, src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if existing, err := os.Lstat(dst); err == nil && !existing.Mode().IsRegular() {
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
	}
	tmp := dst + ".cmsfleet-tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
