package bisect

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/logging"
)

// Manager drives sessions. Every transition checks out the next commit
// first and persists the session after.
type Manager struct {
	store  Store
	logger *logging.Logger
	clock  clock.Clock
}

// NewManager returns a Manager over store.
func NewManager(store Store, logger *logging.Logger, clk clock.Clock) *Manager {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Manager{store: store, logger: logger, clock: clk}
}

// Active returns the open session of an instance, or nil.
func (m *Manager) Active(ctx context.Context, instanceID int64) (*Session, error) {
	s, err := m.store.OpenSession(ctx, instanceID)
	if errors.Is(err, instance.ErrNotFound) {
		return nil, nil
	}
	return s, err
}

// Start records the boundaries and the current checkout of inst, then
// checks out the midpoint of the range. bad defaults to HEAD.
func (m *Manager) Start(ctx context.Context, inst *instance.Instance, h History, bad, good string) (*Session, error) {
	logger := m.logger.WithInstance(inst.ID, inst.Name)
	if open, err := m.Active(ctx, inst.ID); err != nil {
		return nil, err
	} else if open != nil {
		return nil, &instance.LockConflictError{InstanceID: inst.ID, Owner: "bisect " + open.ID, Since: open.StartedAt, Err: instance.ErrBisectActive}
	}
	if good == "" {
		return nil, errors.New("a good commit is required")
	}
	if bad == "" {
		bad = "HEAD"
	}

	pre, err := h.Revision(ctx, inst.Webroot)
	if err != nil {
		return nil, fmt.Errorf("current revision: %w", err)
	}
	branch, err := h.Branch(ctx, inst.Webroot)
	if err != nil {
		return nil, fmt.Errorf("current branch: %w", err)
	}
	if branch == "HEAD" {
		branch = ""
	}
	if bad, err = h.ResolveCommit(ctx, inst.Webroot, bad); err != nil {
		return nil, fmt.Errorf("bad commit: %w", err)
	}
	if good, err = h.ResolveCommit(ctx, inst.Webroot, good); err != nil {
		return nil, fmt.Errorf("good commit: %w", err)
	}
	commits, err := h.ListCommits(ctx, inst.Webroot, good, bad)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("no commits between %s and %s; is the good commit an ancestor of the bad one?", shortID(good), shortID(bad))
	}

	now := m.clock.Now().UTC()
	s := &Session{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		Good:       good,
		Bad:        bad,
		PreCommit:  pre,
		PreBranch:  branch,
		Status:     StatusActive,
		Commits:    commits,
		Lo:         0,
		Hi:         len(commits) - 1,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	logger.Info("Bisecting %d commit(s) between %s and %s", len(commits), shortID(good), shortID(bad))
	if err := m.advance(ctx, inst, h, s); err != nil {
		return nil, err
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		if rerr := m.restore(context.WithoutCancel(ctx), inst, h, s); rerr != nil {
			logger.Error("Could not restore %s: %v", shortID(s.PreCommit), rerr)
		}
		return nil, err
	}
	return s, nil
}

// MarkBad records that commit, or the commit under test when empty,
// shows the regression.
func (m *Manager) MarkBad(ctx context.Context, inst *instance.Instance, h History, commit string) (*Session, error) {
	return m.mark(ctx, inst, h, commit, false)
}

// MarkGood records that commit, or the commit under test when empty, does
// not show the regression.
func (m *Manager) MarkGood(ctx context.Context, inst *instance.Instance, h History, commit string) (*Session, error) {
	return m.mark(ctx, inst, h, commit, true)
}

func (m *Manager) mark(ctx context.Context, inst *instance.Instance, h History, commit string, good bool) (*Session, error) {
	s, err := m.Active(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if s == nil || s.Status != StatusActive {
		return nil, fmt.Errorf("%s: %w", inst.Label(), ErrNoSession)
	}
	if commit == "" {
		commit = s.Current
	} else if commit, err = h.ResolveCommit(ctx, inst.Webroot, commit); err != nil {
		return nil, err
	}
	idx := slices.Index(s.Commits, commit)
	if idx < s.Lo || idx > s.Hi {
		return nil, fmt.Errorf("commit %s is outside the remaining range", shortID(commit))
	}

	if good {
		if idx == s.Hi {
			return nil, fmt.Errorf("commit %s was given as bad", shortID(commit))
		}
		s.Lo = idx + 1
	} else {
		s.Hi = idx
	}
	s.Tested = append(s.Tested, Step{Commit: commit, Good: good, At: m.clock.Now().UTC()})
	if err := m.advance(ctx, inst, h, s); err != nil {
		return nil, err
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// advance checks out the next commit to test, or the culprit once the
// window holds a single commit.
func (m *Manager) advance(ctx context.Context, inst *instance.Instance, h History, s *Session) error {
	logger := m.logger.WithInstance(inst.ID, inst.Name)
	next := s.Commits[s.Lo+(s.Hi-s.Lo)/2]
	if s.Lo == s.Hi {
		next = s.Commits[s.Lo]
	}
	if err := h.CheckoutCommit(ctx, inst.Webroot, next); err != nil {
		return fmt.Errorf("checkout %s: %w", shortID(next), err)
	}
	s.Current = next
	s.UpdatedAt = m.clock.Now().UTC()
	if s.Lo == s.Hi {
		s.Status = StatusGoodFound
		s.Culprit = next
		logger.Info("First bad commit is %s", next)
		return nil
	}
	logger.Step("Testing %s (%d candidate(s) left)", shortID(next), s.Remaining())
	return nil
}

// Finish restores the pre-session checkout and closes the session. It does
// nothing when no session is open.
func (m *Manager) Finish(ctx context.Context, inst *instance.Instance, h History) (*Session, error) {
	s, err := m.Active(ctx, inst.ID)
	if err != nil || s == nil {
		return nil, err
	}
	if err := m.restore(ctx, inst, h, s); err != nil {
		return nil, err
	}
	if s.Status == StatusActive {
		s.Status = StatusReset
	}
	s.FinishedAt = m.clock.Now().UTC()
	s.UpdatedAt = s.FinishedAt
	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, err
	}
	m.logger.WithInstance(inst.ID, inst.Name).Info("Bisect finished, back on %s", shortID(s.PreCommit))
	return s, nil
}

func (m *Manager) restore(ctx context.Context, inst *instance.Instance, h History, s *Session) error {
	target := s.PreCommit
	if s.PreBranch != "" {
		if head, err := h.ResolveCommit(ctx, inst.Webroot, s.PreBranch); err == nil && head == s.PreCommit {
			target = s.PreBranch
		}
	}
	if err := h.CheckoutCommit(ctx, inst.Webroot, target); err != nil {
		return fmt.Errorf("restore %s: %w", target, err)
	}
	return nil
}
