// Package transport gives uniform file and command access to an instance,
// whether it lives on this host, behind SSH, or behind FTP.
package transport

import (
	"context"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/kballard/go-shellquote"

	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/types"
)

// RemoteFile describes one entry returned by ListFiles. Path is
// slash-separated and relative to the listed root.
type RemoteFile struct {
	Path    string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	IsDir   bool
	Link    string
}

// Access is the capability set every transport provides.
type Access interface {
	Type() types.AccessType
	// FirstConnect establishes trust with the remote end. Calling it
	// again once trust exists has no effect.
	FirstConnect(ctx context.Context) error
	FileExists(ctx context.Context, path string) (bool, error)
	CreateDirectory(ctx context.Context, path string) error
	UploadFile(ctx context.Context, localPath, remotePath string) error
	DownloadFile(ctx context.Context, remotePath, localPath string) error
	Chdir(path string) error
	RemoveFile(ctx context.Context, path string) error
	// WriteFile creates or truncates path, readable by the owner only.
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	ListFiles(ctx context.Context, root string) ([]RemoteFile, error)
	Close() error
}

// Result is the captured outcome of a shell command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ShellExecutor is implemented by transports that can run commands.
// A non-zero exit yields the Result together with a *CommandError.
type ShellExecutor interface {
	ShellExec(ctx context.Context, command string) (Result, error)
}

// AsShell returns the shell capability of a, if it has one.
func AsShell(a Access) (ShellExecutor, bool) {
	sh, ok := a.(ShellExecutor)
	return sh, ok
}

// RequireShell is AsShell turned into an error for callers that cannot
// proceed without command execution.
func RequireShell(a Access) (ShellExecutor, error) {
	if sh, ok := AsShell(a); ok {
		return sh, nil
	}
	return nil, fmt.Errorf("%s access: %w", a.Type(), ErrNoShell)
}

// RunArgs quotes args and runs them as a single command line.
func RunArgs(ctx context.Context, sh ShellExecutor, args ...string) (Result, error) {
	return sh.ShellExec(ctx, shellquote.Join(args...))
}

// Quote quotes a single shell word.
func Quote(s string) string {
	return shellquote.Join(s)
}

// CredentialResolver turns an instance's credential reference into the
// secret it names. How references are stored is up to the caller.
type CredentialResolver interface {
	Resolve(ref string) (string, error)
}

// StaticCredentials resolves references from a fixed map.
type StaticCredentials map[string]string

// Resolve implements CredentialResolver.
func (s StaticCredentials) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	secret, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("unknown credential reference %q", ref)
	}
	return secret, nil
}

// Descriptor identifies how to reach an instance.
type Descriptor struct {
	Type          types.AccessType
	Host          string
	Port          int
	User          string
	CredentialRef string
}

// Key returns a canonical string for structural comparison of descriptors.
func (d Descriptor) Key() string {
	host := strings.ToLower(strings.TrimSpace(d.Host))
	if d.Type == types.AccessLocal {
		return "local://" + strings.TrimSpace(d.User)
	}
	port := d.Port
	if port == 0 {
		port = defaultPort(d.Type)
	}
	return fmt.Sprintf("%s://%s@%s:%d", d.Type, strings.TrimSpace(d.User), host, port)
}

func (d Descriptor) address() string {
	port := d.Port
	if port == 0 {
		port = defaultPort(d.Type)
	}
	return d.Host + ":" + strconv.Itoa(port)
}

func defaultPort(t types.AccessType) int {
	switch t {
	case types.AccessSSH:
		return 22
	case types.AccessFTP:
		return 21
	default:
		return 0
	}
}

// Options carries transport settings shared by every variant.
type Options struct {
	CommandTimeout time.Duration
	ConnectTimeout time.Duration
	ConnectRetries int
	RetryDelay     time.Duration
	KeyPath        string
	KnownHostsPath string
	Credentials    CredentialResolver
	Clock          clock.Clock
	Logger         *logging.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.ConnectRetries <= 0 {
		o.ConnectRetries = 1
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = logging.GetDefaultLogger()
	}
	if o.Credentials == nil {
		o.Credentials = StaticCredentials{}
	}
	return o
}

// Factory builds an Access for a descriptor. The orchestrator depends on
// this instead of New so tests can inject fakes.
type Factory func(desc Descriptor) (Access, error)

// NewFactory binds opts into a Factory.
func NewFactory(opts Options) Factory {
	return func(desc Descriptor) (Access, error) {
		return New(desc, opts)
	}
}

// New returns the Access implementation for desc.Type. Remote variants
// connect lazily on first use.
func New(desc Descriptor, opts Options) (Access, error) {
	opts = opts.withDefaults()
	switch desc.Type {
	case types.AccessLocal, "":
		return NewLocal(opts), nil
	case types.AccessSSH:
		if desc.Host == "" {
			return nil, fmt.Errorf("ssh access requires a host")
		}
		return NewSSH(desc, opts), nil
	case types.AccessFTP:
		if desc.Host == "" {
			return nil, fmt.Errorf("ftp access requires a host")
		}
		return NewFTP(desc, opts), nil
	default:
		return nil, fmt.Errorf("unsupported access type %q", desc.Type)
	}
}

// commandContext bounds ctx by the configured command timeout.
func commandContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// resolvePath joins a relative path onto cwd using slash semantics.
func resolvePath(cwd, p string) string {
	if p == "" {
		return cwd
	}
	if strings.HasPrefix(p, "/") || cwd == "" {
		return p
	}
	return strings.TrimRight(cwd, "/") + "/" + p
}
