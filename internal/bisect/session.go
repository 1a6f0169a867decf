// Package bisect runs a binary search over the first-parent history of a
// git instance to find the commit that introduced a regression.
package bisect

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the state of a Session.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusActive     Status = "active"
	StatusGoodFound  Status = "good_found"
	StatusReset      Status = "reset"
)

// ErrNoSession is returned by operations that need an open session.
var ErrNoSession = errors.New("no bisect session")

// Step is one verdict given during a session.
type Step struct {
	Commit string
	Good   bool
	At     time.Time
}

// Session is the persisted state of one search. Commits holds the
// candidates after Good up to and including Bad, oldest first. The first
// bad commit is always within Commits[Lo:Hi+1], and Commits[Hi] is known
// bad.
type Session struct {
	ID         string
	InstanceID int64
	Good       string
	Bad        string
	// PreCommit and PreBranch are what was checked out before the
	// session started. PreBranch is empty for a detached HEAD.
	PreCommit string
	PreBranch string
	Status    Status
	Commits   []string
	Lo, Hi    int
	Current   string
	Tested    []Step
	Culprit   string

	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
}

// Open reports whether the session still holds the instance: it is active,
// or it found the culprit and the original commit is not restored yet.
func (s *Session) Open() bool {
	return s.FinishedAt.IsZero() && (s.Status == StatusActive || s.Status == StatusGoodFound)
}

// Remaining is the number of candidates left in the window.
func (s *Session) Remaining() int {
	if s.Status != StatusActive {
		return 0
	}
	return s.Hi - s.Lo + 1
}

// Store persists sessions.
type Store interface {
	// SaveSession inserts or updates s by ID. Inserting a second open
	// session for an instance fails with instance.ErrBisectActive.
	SaveSession(ctx context.Context, s *Session) error
	// OpenSession returns the open session of an instance or
	// instance.ErrNotFound.
	OpenSession(ctx context.Context, instanceID int64) (*Session, error)
	ListSessions(ctx context.Context, instanceID int64) ([]*Session, error)
}

// History is the part of a version control adapter a search needs.
// *vcs.Git satisfies it.
type History interface {
	Branch(ctx context.Context, folder string) (string, error)
	Revision(ctx context.Context, folder string) (string, error)
	ListCommits(ctx context.Context, folder, good, bad string) ([]string, error)
	ResolveCommit(ctx context.Context, folder, ref string) (string, error)
	CheckoutCommit(ctx context.Context, folder, ref string) error
}

// shortID trims a commit id for log lines.
func shortID(commit string) string {
	if len(commit) > 10 {
		return commit[:10]
	}
	return commit
}

func (s *Session) String() string {
	switch s.Status {
	case StatusGoodFound:
		return fmt.Sprintf("first bad commit %s after %d step(s)", shortID(s.Culprit), len(s.Tested))
	case StatusActive:
		return fmt.Sprintf("testing %s, %d candidate(s) left", shortID(s.Current), s.Remaining())
	}
	return string(s.Status)
}
