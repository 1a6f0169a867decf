package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jlaffaye/ftp"
	"github.com/juju/retry"

	"github.com/tis24dev/cmsfleet/internal/types"
)

// FTP moves files over FTP. It has no shell capability.
type FTP struct {
	desc Descriptor
	opts Options

	mu   sync.Mutex
	conn *ftp.ServerConn
	cwd  string
}

// NewFTP returns an unconnected FTP transport.
func NewFTP(desc Descriptor, opts Options) *FTP {
	return &FTP{desc: desc, opts: opts.withDefaults()}
}

func (f *FTP) Type() types.AccessType { return types.AccessFTP }

func (f *FTP) connErr(op string, err error) error {
	return &ConnectionError{Transport: "ftp", Host: f.desc.Host, Op: op, Err: err}
}

// FirstConnect verifies the credentials by logging in once.
func (f *FTP) FirstConnect(ctx context.Context) error {
	_, release, err := f.session(ctx)
	if err != nil {
		return err
	}
	release()
	return nil
}

// session returns the live connection with f.mu held; release unlocks it.
func (f *FTP) session(ctx context.Context) (*ftp.ServerConn, func(), error) {
	f.mu.Lock()
	if f.conn != nil {
		return f.conn, f.mu.Unlock, nil
	}

	password, err := f.opts.Credentials.Resolve(f.desc.CredentialRef)
	if err != nil {
		f.mu.Unlock()
		return nil, nil, f.connErr("auth", err)
	}

	addr := f.desc.address()
	var conn *ftp.ServerConn
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			c, err := ftp.Dial(addr, ftp.DialWithTimeout(f.opts.ConnectTimeout), ftp.DialWithContext(ctx))
			if err != nil {
				return err
			}
			if err := c.Login(f.desc.User, password); err != nil {
				c.Quit()
				return &loginError{err}
			}
			conn = c
			return nil
		},
		IsFatalError: func(err error) bool {
			_, login := err.(*loginError)
			return login || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			f.opts.Logger.Debug("ftp connect %s attempt %d failed: %v", addr, attempt, err)
		},
		Attempts: f.opts.ConnectRetries,
		Delay:    f.opts.RetryDelay,
		Clock:    f.opts.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		f.mu.Unlock()
		return nil, nil, f.connErr("connect", retry.LastError(err))
	}
	if f.cwd != "" {
		if err := conn.ChangeDir(f.cwd); err != nil {
			conn.Quit()
			f.mu.Unlock()
			return nil, nil, fmt.Errorf("chdir %s: %w", f.cwd, err)
		}
	}
	f.conn = conn
	return conn, f.mu.Unlock, nil
}

type loginError struct{ err error }

func (e *loginError) Error() string { return "login: " + e.err.Error() }
func (e *loginError) Unwrap() error { return e.err }

// dropLocked discards the connection after a transport-level failure.
// f.mu must be held.
func (f *FTP) dropLocked() {
	if f.conn != nil {
		f.conn.Quit()
		f.conn = nil
	}
}

// classify maps a control-connection failure to ConnectionError; protocol
// replies are plain errors.
func (f *FTP) classify(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if isFTPNotFound(err) {
		return fmt.Errorf("%s %s: %w", op, p, ErrNotFound)
	}
	if isFTPConnLost(err) {
		f.dropLocked()
		return f.connErr(op, err)
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

func isFTPNotFound(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "550") || strings.Contains(strings.ToLower(msg), "no such file")
}

func isFTPConnLost(err error) bool {
	if err == io.EOF {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "use of closed")
}

func (f *FTP) remote(p string) string {
	return resolvePath(f.cwd, p)
}

func (f *FTP) FileExists(ctx context.Context, p string) (bool, error) {
	c, release, err := f.session(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	target := f.remote(p)

	if _, err := c.FileSize(target); err == nil {
		return true, nil
	}
	// Directories have no size; probe them by entering and leaving.
	cur, err := c.CurrentDir()
	if err != nil {
		return false, f.classify("pwd", target, err)
	}
	if err := c.ChangeDir(target); err != nil {
		if isFTPConnLost(err) {
			return false, f.classify("cwd", target, err)
		}
		return false, nil
	}
	return true, f.classify("cwd", cur, c.ChangeDir(cur))
}

func (f *FTP) CreateDirectory(ctx context.Context, p string) error {
	c, release, err := f.session(ctx)
	if err != nil {
		return err
	}
	defer release()
	return f.mkdirAllLocked(c, f.remote(p))
}

func (f *FTP) mkdirAllLocked(c *ftp.ServerConn, target string) error {
	cur, err := c.CurrentDir()
	if err != nil {
		return f.classify("pwd", target, err)
	}
	defer c.ChangeDir(cur)

	prefix := ""
	if strings.HasPrefix(target, "/") {
		prefix = "/"
	}
	built := prefix
	for _, part := range strings.Split(strings.Trim(target, "/"), "/") {
		if part == "" {
			continue
		}
		built = path.Join(built, part)
		if c.ChangeDir(built) == nil {
			continue
		}
		if err := c.MakeDir(built); err != nil {
			return f.classify("mkdir", built, err)
		}
	}
	return nil
}

func (f *FTP) UploadFile(ctx context.Context, localPath, remotePath string) error {
	in, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()

	c, release, err := f.session(ctx)
	if err != nil {
		return err
	}
	defer release()
	target := f.remote(remotePath)
	if err := f.mkdirAllLocked(c, path.Dir(target)); err != nil {
		return err
	}
	return f.classify("stor", target, c.Stor(target, ctxReader{ctx: ctx, r: in}))
}

func (f *FTP) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	c, release, err := f.session(ctx)
	if err != nil {
		return err
	}
	defer release()
	target := f.remote(remotePath)

	resp, err := c.Retr(target)
	if err != nil {
		return f.classify("retr", target, err)
	}
	defer resp.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: resp}); err != nil {
		out.Close()
		return f.classify("retr", target, err)
	}
	return out.Close()
}

func (f *FTP) Chdir(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := resolvePath(f.cwd, p)
	if f.conn != nil {
		if err := f.conn.ChangeDir(target); err != nil {
			return f.classify("cwd", target, err)
		}
	}
	f.cwd = target
	return nil
}

func (f *FTP) RemoveFile(ctx context.Context, p string) error {
	c, release, err := f.session(ctx)
	if err != nil {
		return err
	}
	defer release()
	target := f.remote(p)
	if err := c.Delete(target); err != nil && !isFTPNotFound(err) {
		return f.classify("dele", target, err)
	}
	return nil
}

func (f *FTP) WriteFile(ctx context.Context, p string, data []byte) error {
	c, release, err := f.session(ctx)
	if err != nil {
		return err
	}
	defer release()
	target := f.remote(p)
	if err := f.mkdirAllLocked(c, path.Dir(target)); err != nil {
		return err
	}
	return f.classify("stor", target, c.Stor(target, bytes.NewReader(data)))
}

func (f *FTP) ReadFile(ctx context.Context, p string) ([]byte, error) {
	c, release, err := f.session(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	target := f.remote(p)
	resp, err := c.Retr(target)
	if err != nil {
		return nil, f.classify("retr", target, err)
	}
	defer resp.Close()
	data, err := io.ReadAll(ctxReader{ctx: ctx, r: resp})
	return data, f.classify("retr", target, err)
}

func (f *FTP) ListFiles(ctx context.Context, root string) ([]RemoteFile, error) {
	c, release, err := f.session(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	base := strings.TrimRight(f.remote(root), "/")

	var out []RemoteFile
	w := c.Walk(base)
	for w.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := w.Err(); err != nil {
			return nil, f.classify("list", w.Path(), err)
		}
		entry := w.Stat()
		if entry == nil || w.Path() == base {
			continue
		}
		rf := RemoteFile{
			Path:    strings.TrimPrefix(w.Path(), base+"/"),
			Size:    int64(entry.Size),
			ModTime: entry.Time,
		}
		switch entry.Type {
		case ftp.EntryTypeFolder:
			rf.IsDir = true
			rf.Mode = fs.ModeDir | 0o755
		case ftp.EntryTypeLink:
			rf.Mode = fs.ModeSymlink | 0o777
			rf.Link = entry.Target
		default:
			rf.Mode = 0o644
		}
		out = append(out, rf)
	}
	if err := w.Err(); err != nil {
		return nil, f.classify("list", base, err)
	}
	return out, nil
}

func (f *FTP) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Quit()
	f.conn = nil
	return err
}
