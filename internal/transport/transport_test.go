package transport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/tis24dev/cmsfleet/internal/types"
)

func TestDescriptorKey(t *testing.T) {
	tests := []struct {
		name string
		a, b Descriptor
		same bool
	}{
		{
			name: "default port equals explicit port",
			a:    Descriptor{Type: types.AccessSSH, Host: "Web1.example.com", User: "deploy"},
			b:    Descriptor{Type: types.AccessSSH, Host: "web1.example.com", Port: 22, User: "deploy"},
			same: true,
		},
		{
			name: "credential reference is not identity",
			a:    Descriptor{Type: types.AccessFTP, Host: "h", User: "u", CredentialRef: "a"},
			b:    Descriptor{Type: types.AccessFTP, Host: "h", User: "u", CredentialRef: "b"},
			same: true,
		},
		{
			name: "different transport",
			a:    Descriptor{Type: types.AccessFTP, Host: "h", User: "u"},
			b:    Descriptor{Type: types.AccessSSH, Host: "h", User: "u"},
			same: false,
		},
		{
			name: "different user",
			a:    Descriptor{Type: types.AccessSSH, Host: "h", User: "a"},
			b:    Descriptor{Type: types.AccessSSH, Host: "h", User: "b"},
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Key() == tt.b.Key(); got != tt.same {
				t.Fatalf("Key(%s) == Key(%s) is %v; want %v", tt.a.Key(), tt.b.Key(), got, tt.same)
			}
		})
	}
}

func TestNewSelectsVariant(t *testing.T) {
	tests := []struct {
		desc    Descriptor
		want    types.AccessType
		shell   bool
		wantErr bool
	}{
		{Descriptor{Type: types.AccessLocal}, types.AccessLocal, true, false},
		{Descriptor{Type: types.AccessSSH, Host: "h"}, types.AccessSSH, true, false},
		{Descriptor{Type: types.AccessFTP, Host: "h"}, types.AccessFTP, false, false},
		{Descriptor{Type: types.AccessSSH}, "", false, true},
		{Descriptor{Type: "telnet", Host: "h"}, "", false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.desc.Type), func(t *testing.T) {
			a, err := New(tt.desc, Options{})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if a.Type() != tt.want {
				t.Fatalf("Type = %s; want %s", a.Type(), tt.want)
			}
			if _, ok := AsShell(a); ok != tt.shell {
				t.Fatalf("shell capability = %v; want %v", ok, tt.shell)
			}
		})
	}
}

func TestRequireShellOnFTP(t *testing.T) {
	a := NewFTP(Descriptor{Type: types.AccessFTP, Host: "h"}, Options{})
	if _, err := RequireShell(a); !errors.Is(err, ErrNoShell) {
		t.Fatalf("RequireShell err = %v; want ErrNoShell", err)
	}
}

func TestLocalFileOperations(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	l := NewLocal(Options{})
	if err := l.Chdir(root); err != nil {
		t.Fatalf("Chdir: %v", err)
	}

	if err := l.CreateDirectory(ctx, "a/b"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if err := l.WriteFile(ctx, "a/b/c.txt", []byte("hello")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ok, err := l.FileExists(ctx, "a/b/c.txt")
	if err != nil || !ok {
		t.Fatalf("FileExists = %v, %v", ok, err)
	}
	data, err := l.ReadFile(ctx, filepath.Join(root, "a/b/c.txt"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("ReadFile = %q, %v", data, err)
	}

	local := filepath.Join(t.TempDir(), "copy.txt")
	if err := l.DownloadFile(ctx, "a/b/c.txt", local); err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if err := l.UploadFile(ctx, local, "up/d.txt"); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}

	files, err := l.ListFiles(ctx, "")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	sort.Strings(paths)
	want := []string{"a", "a/b", "a/b/c.txt", "up", "up/d.txt"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Fatalf("ListFiles = %v; want %v", paths, want)
	}

	if err := l.RemoveFile(ctx, "up/d.txt"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	if err := l.RemoveFile(ctx, "up/d.txt"); err != nil {
		t.Fatalf("RemoveFile of missing file should be a no-op: %v", err)
	}
	if ok, _ := l.FileExists(ctx, "up/d.txt"); ok {
		t.Fatal("file should be gone")
	}
	if _, err := l.ReadFile(ctx, "up/d.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadFile missing err = %v; want ErrNotFound", err)
	}
}

func TestLocalListFilesKeepsSymlinksAndReportsMissingRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}
	l := NewLocal(Options{})

	files, err := l.ListFiles(ctx, root)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0].Path != "link" || files[0].IsDir || files[0].Link != outside {
		t.Fatalf("ListFiles = %+v", files)
	}

	if _, err := l.ListFiles(ctx, filepath.Join(root, "missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing root err = %v; want ErrNotFound", err)
	}
}

func TestLocalChdirRejectsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewLocal(Options{})
	if err := l.Chdir(file); err == nil {
		t.Fatal("expected error when chdir into a file")
	}
}

func TestLocalShellExec(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := NewLocal(Options{CommandTimeout: 5 * time.Second})
	if err := l.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	res, err := l.ShellExec(ctx, "pwd; echo oops >&2")
	if err != nil {
		t.Fatalf("ShellExec: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != dir {
		t.Errorf("stdout = %q; want %q", res.Stdout, dir)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("stderr = %q", res.Stderr)
	}

	res, err = l.ShellExec(ctx, "echo partial; exit 3")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v; want CommandError", err)
	}
	if res.ExitCode != 3 || cmdErr.ExitCode != 3 || strings.TrimSpace(cmdErr.Stdout) != "partial" {
		t.Fatalf("unexpected result %+v / %+v", res, cmdErr)
	}
	if IsConnectionError(err) {
		t.Fatal("non-zero exit must not be a connection error")
	}
}

func TestLocalShellExecTimeout(t *testing.T) {
	l := NewLocal(Options{CommandTimeout: 50 * time.Millisecond})
	_, err := l.ShellExec(context.Background(), "sleep 5")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v; want deadline CommandError", err)
	}
}

func TestRunArgsQuotes(t *testing.T) {
	l := NewLocal(Options{})
	res, err := RunArgs(context.Background(), l, "printf", "%s|", "a b", "it's")
	if err != nil {
		t.Fatalf("RunArgs: %v", err)
	}
	if res.Stdout != "a b|it's|" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestStaticCredentials(t *testing.T) {
	creds := StaticCredentials{"site1": "s3cret"}
	if v, err := creds.Resolve("site1"); err != nil || v != "s3cret" {
		t.Fatalf("Resolve = %q, %v", v, err)
	}
	if v, err := creds.Resolve(""); err != nil || v != "" {
		t.Fatalf("empty ref = %q, %v", v, err)
	}
	if _, err := creds.Resolve("other"); err == nil {
		t.Fatal("expected error for unknown ref")
	}
}

func TestRemoteConnectFailuresAreConnectionErrors(t *testing.T) {
	ctx := context.Background()
	opts := Options{ConnectTimeout: time.Second, ConnectRetries: 1, RetryDelay: time.Millisecond}

	f := NewFTP(Descriptor{Type: types.AccessFTP, Host: "127.0.0.1", Port: 1, User: "u"}, opts)
	if _, err := f.FileExists(ctx, "/x"); !IsConnectionError(err) {
		t.Fatalf("ftp err = %v; want ConnectionError", err)
	}

	s := NewSSH(Descriptor{Type: types.AccessSSH, Host: "127.0.0.1", Port: 1, User: "u"}, opts)
	if _, err := s.ShellExec(ctx, "true"); !IsConnectionError(err) {
		t.Fatalf("ssh err = %v; want ConnectionError", err)
	}
}

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{Command: "git pull", ExitCode: 1, Stderr: "warning\nfatal: not a git repository\n"}
	if !strings.Contains(err.Error(), "fatal: not a git repository") {
		t.Fatalf("message = %q", err.Error())
	}
	wrapped := &ConnectionError{Transport: "ssh", Host: "h", Op: "connect", Err: errors.New("refused")}
	if !strings.Contains(wrapped.Error(), "ssh connection to h failed during connect") {
		t.Fatalf("message = %q", wrapped.Error())
	}
}
