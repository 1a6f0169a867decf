package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sync"

	"github.com/tis24dev/cmsfleet/internal/safefs"
	"github.com/tis24dev/cmsfleet/internal/types"
)

// Local reaches an instance hosted on this machine.
type Local struct {
	opts Options
	mu   sync.Mutex
	cwd  string
}

// NewLocal returns a local transport rooted at the process working directory.
func NewLocal(opts Options) *Local {
	cwd, _ := os.Getwd()
	return &Local{opts: opts.withDefaults(), cwd: cwd}
}

func (l *Local) Type() types.AccessType { return types.AccessLocal }

// FirstConnect has nothing to establish locally.
func (l *Local) FirstConnect(ctx context.Context) error { return ctx.Err() }

func (l *Local) path(p string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p == "" {
		return l.cwd
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(l.cwd, p)
}

func (l *Local) FileExists(ctx context.Context, p string) (bool, error) {
	_, err := safefs.Stat(ctx, l.path(p), l.opts.ConnectTimeout)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if errors.Is(err, safefs.ErrTimeout) {
		return false, &ConnectionError{Transport: "local", Op: "stat", Err: err}
	}
	return false, err
}

func (l *Local) CreateDirectory(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(l.path(p), 0o755)
}

func (l *Local) UploadFile(ctx context.Context, localPath, remotePath string) error {
	return copyLocalFile(ctx, localPath, l.path(remotePath))
}

func (l *Local) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	return copyLocalFile(ctx, l.path(remotePath), localPath)
}

func (l *Local) Chdir(p string) error {
	target := l.path(p)
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("chdir %s: %w", target, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("chdir %s: not a directory", target)
	}
	l.mu.Lock()
	l.cwd = target
	l.mu.Unlock()
	return nil
}

func (l *Local) RemoveFile(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(l.path(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (l *Local) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := l.path(p)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, data, 0o600)
}

func (l *Local) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.path(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return data, err
}

// ListFiles walks root without following symlinks. Every directory read
// and lstat is bounded by ConnectTimeout so a stalled mount surfaces as a
// ConnectionError instead of hanging the run.
func (l *Local) ListFiles(ctx context.Context, root string) ([]RemoteFile, error) {
	base := l.path(root)
	if _, err := safefs.Lstat(ctx, base, l.opts.ConnectTimeout); err != nil {
		return nil, l.fsError(root, "lstat", err)
	}
	var out []RemoteFile
	if err := l.walk(ctx, base, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Local) walk(ctx context.Context, dir, rel string, out *[]RemoteFile) error {
	entries, err := safefs.ReadDir(ctx, dir, l.opts.ConnectTimeout)
	if err != nil {
		return l.fsError(dir, "readdir", err)
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		info, err := safefs.Lstat(ctx, p, l.opts.ConnectTimeout)
		if err != nil {
			return l.fsError(p, "lstat", err)
		}
		rf := RemoteFile{
			Path:    path.Join(rel, e.Name()),
			Size:    info.Size(),
			Mode:    info.Mode(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		}
		if info.Mode()&os.ModeSymlink != 0 {
			rf.Link, _ = os.Readlink(p)
		}
		*out = append(*out, rf)
		if rf.IsDir {
			if err := l.walk(ctx, p, rf.Path, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Local) fsError(p, op string, err error) error {
	switch {
	case errors.Is(err, safefs.ErrTimeout):
		return &ConnectionError{Transport: "local", Op: op, Err: err}
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return err
}

// ShellExec runs command through sh -c in the current directory.
func (l *Local) ShellExec(ctx context.Context, command string) (Result, error) {
	ctx, cancel := commandContext(ctx, l.opts.CommandTimeout)
	defer cancel()

	l.mu.Lock()
	dir := l.cwd
	l.mu.Unlock()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	l.opts.Logger.Debug("local exec: %s", command)
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, &CommandError{Command: command, ExitCode: -1, Stdout: res.Stdout, Stderr: res.Stderr, Err: ctxErr}
	}
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &CommandError{Command: command, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	return res, &ConnectionError{Transport: "local", Op: "exec", Err: err}
}

func (l *Local) Close() error { return nil }

func copyLocalFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ctxReader aborts a copy once ctx is done.
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
