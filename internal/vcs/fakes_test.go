package vcs

import (
	"context"
	"strings"
	"sync"

	"github.com/tis24dev/cmsfleet/internal/transport"
)

type scripted struct {
	out  string
	exit int
}

// fakeShell answers commands by longest matching prefix and records them.
type fakeShell struct {
	mu      sync.Mutex
	calls   []string
	answers map[string]scripted
}

func newFakeShell() *fakeShell {
	return &fakeShell{answers: map[string]scripted{}}
}

func (f *fakeShell) on(prefix, out string, exit int) *fakeShell {
	f.answers[prefix] = scripted{out: out, exit: exit}
	return f
}

func (f *fakeShell) ShellExec(_ context.Context, command string) (transport.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	best := ""
	for prefix := range f.answers {
		if strings.HasPrefix(command, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	ans, ok := f.answers[best]
	if !ok {
		return transport.Result{}, nil
	}
	res := transport.Result{Stdout: ans.out, ExitCode: ans.exit}
	if ans.exit != 0 {
		return res, &transport.CommandError{Command: command, ExitCode: ans.exit, Stdout: ans.out}
	}
	return res, nil
}

func (f *fakeShell) ran(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
