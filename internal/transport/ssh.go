package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/juju/retry"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tis24dev/cmsfleet/internal/types"
)

// SSH reaches an instance over SSH: commands run in sessions, files move
// over SFTP. The connection is opened lazily and reused.
type SSH struct {
	desc Descriptor
	opts Options

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
	cwd    string
}

// NewSSH returns an unconnected SSH transport.
func NewSSH(desc Descriptor, opts Options) *SSH {
	return &SSH{desc: desc, opts: opts.withDefaults()}
}

func (s *SSH) Type() types.AccessType { return types.AccessSSH }

func (s *SSH) connErr(op string, err error) error {
	return &ConnectionError{Transport: "ssh", Host: s.desc.Host, Op: op, Err: err}
}

// FirstConnect records the host key in known_hosts when it is not known
// yet and installs the local public key in the remote authorized_keys.
// A host that presents a different key than the recorded one is refused.
func (s *SSH) FirstConnect(ctx context.Context) error {
	if s.opts.KnownHostsPath == "" {
		return s.connErr("first-connect", errors.New("no known_hosts path configured"))
	}
	if err := os.MkdirAll(filepath.Dir(s.opts.KnownHostsPath), 0o700); err != nil {
		return s.connErr("first-connect", err)
	}
	f, err := os.OpenFile(s.opts.KnownHostsPath, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return s.connErr("first-connect", err)
	}
	f.Close()

	s.mu.Lock()
	err = s.connectLocked(ctx, true)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	pub, err := os.ReadFile(s.opts.KeyPath + ".pub")
	if err != nil {
		s.opts.Logger.Debug("no public key next to %s, skipping authorized_keys seeding", s.opts.KeyPath)
		return nil
	}
	key := strings.TrimSpace(string(pub))
	if key == "" {
		return nil
	}
	cmd := fmt.Sprintf("mkdir -p ~/.ssh && chmod 700 ~/.ssh && (grep -qxF %[1]s ~/.ssh/authorized_keys 2>/dev/null || echo %[1]s >> ~/.ssh/authorized_keys)", Quote(key))
	_, err = s.ShellExec(ctx, cmd)
	return err
}

func (s *SSH) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx, false)
}

func (s *SSH) connectLocked(ctx context.Context, trustOnFirstUse bool) error {
	if s.client != nil {
		return nil
	}

	auth, err := s.authMethods()
	if err != nil {
		return s.connErr("auth", err)
	}
	hostKeys, err := s.hostKeyCallback(trustOnFirstUse)
	if err != nil {
		return s.connErr("known_hosts", err)
	}
	cfg := &ssh.ClientConfig{
		User:            s.desc.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         s.opts.ConnectTimeout,
	}

	addr := s.desc.address()
	var client *ssh.Client
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			c, err := dialSSH(ctx, addr, cfg, s.opts)
			if err != nil {
				return err
			}
			client = c
			return nil
		},
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil || isPermanentSSHError(err)
		},
		NotifyFunc: func(err error, attempt int) {
			s.opts.Logger.Debug("ssh connect %s attempt %d failed: %v", addr, attempt, err)
		},
		Attempts: s.opts.ConnectRetries,
		Delay:    s.opts.RetryDelay,
		Clock:    s.opts.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return s.connErr("connect", retry.LastError(err))
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return s.connErr("sftp", err)
	}
	s.client = client
	s.sftp = sc
	return nil
}

func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig, opts Options) (*ssh.Client, error) {
	d := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// isPermanentSSHError reports failures a retry cannot fix.
func isPermanentSSHError(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return true
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

func (s *SSH) authMethods() ([]ssh.AuthMethod, error) {
	secret, err := s.opts.Credentials.Resolve(s.desc.CredentialRef)
	if err != nil {
		return nil, err
	}

	var methods []ssh.AuthMethod
	if s.opts.KeyPath != "" {
		if data, err := os.ReadFile(s.opts.KeyPath); err == nil {
			signer, err := ssh.ParsePrivateKey(data)
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) && secret != "" {
				signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(secret))
			}
			if err != nil {
				return nil, fmt.Errorf("parse key %s: %w", s.opts.KeyPath, err)
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if secret != "" {
		methods = append(methods, ssh.Password(secret))
	}
	if len(methods) == 0 {
		return nil, errors.New("no usable key or password")
	}
	return methods, nil
}

func (s *SSH) hostKeyCallback(trustOnFirstUse bool) (ssh.HostKeyCallback, error) {
	if s.opts.KnownHostsPath == "" {
		return nil, errors.New("no known_hosts path configured")
	}
	known, err := knownhosts.New(s.opts.KnownHostsPath)
	if err != nil {
		return nil, err
	}
	if !trustOnFirstUse {
		return known, nil
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := known(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return err
		}
		line := knownhosts.Line([]string{knownhosts.Normalize(s.desc.address())}, key)
		f, ferr := os.OpenFile(s.opts.KnownHostsPath, os.O_APPEND|os.O_WRONLY, 0o600)
		if ferr != nil {
			return ferr
		}
		defer f.Close()
		_, ferr = fmt.Fprintln(f, line)
		if ferr == nil {
			s.opts.Logger.Info("Trusted new host key for %s", s.desc.Host)
		}
		return ferr
	}, nil
}

// reset drops a broken connection so the next call reconnects.
func (s *SSH) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		s.sftp.Close()
		s.sftp = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func (s *SSH) sftpClient(ctx context.Context) (*sftp.Client, error) {
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sftp, nil
}

func (s *SSH) fileErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) {
		s.reset()
		return s.connErr(op, err)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, p, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

func (s *SSH) remote(p string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resolvePath(s.cwd, p)
}

func (s *SSH) FileExists(ctx context.Context, p string) (bool, error) {
	sc, err := s.sftpClient(ctx)
	if err != nil {
		return false, err
	}
	target := s.remote(p)
	if _, err := sc.Stat(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, s.fileErr("stat", target, err)
	}
	return true, nil
}

func (s *SSH) CreateDirectory(ctx context.Context, p string) error {
	sc, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}
	target := s.remote(p)
	return s.fileErr("mkdir", target, sc.MkdirAll(target))
}

func (s *SSH) UploadFile(ctx context.Context, localPath, remotePath string) error {
	sc, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}
	in, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()

	target := s.remote(remotePath)
	if err := sc.MkdirAll(path.Dir(target)); err != nil {
		return s.fileErr("mkdir", path.Dir(target), err)
	}
	out, err := sc.Create(target)
	if err != nil {
		return s.fileErr("create", target, err)
	}
	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return s.fileErr("upload", target, err)
	}
	if info, err := in.Stat(); err == nil {
		_ = out.Chmod(info.Mode().Perm())
	}
	return s.fileErr("close", target, out.Close())
}

func (s *SSH) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	sc, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}
	target := s.remote(remotePath)
	in, err := sc.Open(target)
	if err != nil {
		return s.fileErr("open", target, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return s.fileErr("download", target, err)
	}
	return out.Close()
}

// Chdir sets the directory relative paths and commands resolve against.
func (s *SSH) Chdir(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cwd = resolvePath(s.cwd, p)
	return nil
}

func (s *SSH) RemoveFile(ctx context.Context, p string) error {
	sc, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}
	target := s.remote(p)
	if err := sc.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return s.fileErr("remove", target, err)
	}
	return nil
}

func (s *SSH) WriteFile(ctx context.Context, p string, data []byte) error {
	sc, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}
	target := s.remote(p)
	if err := sc.MkdirAll(path.Dir(target)); err != nil {
		return s.fileErr("mkdir", path.Dir(target), err)
	}
	out, err := sc.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return s.fileErr("create", target, err)
	}
	if err := out.Chmod(0o600); err != nil {
		out.Close()
		return s.fileErr("chmod", target, err)
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return s.fileErr("write", target, err)
	}
	return s.fileErr("close", target, out.Close())
}

func (s *SSH) ReadFile(ctx context.Context, p string) ([]byte, error) {
	sc, err := s.sftpClient(ctx)
	if err != nil {
		return nil, err
	}
	target := s.remote(p)
	in, err := sc.Open(target)
	if err != nil {
		return nil, s.fileErr("open", target, err)
	}
	defer in.Close()
	data, err := io.ReadAll(ctxReader{ctx: ctx, r: in})
	return data, s.fileErr("read", target, err)
}

func (s *SSH) ListFiles(ctx context.Context, root string) ([]RemoteFile, error) {
	sc, err := s.sftpClient(ctx)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(s.remote(root), "/")
	var out []RemoteFile
	walker := sc.Walk(base)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := walker.Err(); err != nil {
			return nil, s.fileErr("walk", walker.Path(), err)
		}
		p := walker.Path()
		if p == base {
			continue
		}
		info := walker.Stat()
		rf := RemoteFile{
			Path:    strings.TrimPrefix(p, base+"/"),
			Size:    info.Size(),
			Mode:    info.Mode(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			rf.Link, _ = sc.ReadLink(p)
		}
		out = append(out, rf)
	}
	return out, nil
}

// ShellExec runs command in a new session, from the current directory.
func (s *SSH) ShellExec(ctx context.Context, command string) (Result, error) {
	if err := s.connect(ctx); err != nil {
		return Result{}, err
	}
	ctx, cancel := commandContext(ctx, s.opts.CommandTimeout)
	defer cancel()

	s.mu.Lock()
	client := s.client
	cwd := s.cwd
	s.mu.Unlock()

	sess, err := client.NewSession()
	if err != nil {
		s.reset()
		return Result{}, s.connErr("session", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	full := command
	if cwd != "" {
		full = "cd " + Quote(cwd) + " && " + command
	}
	s.opts.Logger.Debug("ssh exec on %s: %s", s.desc.Host, command)

	done := make(chan error, 1)
	go func() { done <- sess.Run(full) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return Result{ExitCode: -1}, &CommandError{Command: command, ExitCode: -1, Err: ctx.Err()}
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &CommandError{Command: command, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	s.reset()
	return res, s.connErr("exec", err)
}

func (s *SSH) Close() error {
	s.reset()
	return nil
}
