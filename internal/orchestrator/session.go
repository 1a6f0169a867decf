package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/tis24dev/cmsfleet/internal/bisect"
	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
	"github.com/tis24dev/cmsfleet/internal/vcs"
)

// conn is an open connection to one instance with its code tree adapter.
// The adapter may be missing, for example a git tree behind FTP; repoErr
// says why.
type conn struct {
	inst    *instance.Instance
	access  transport.Access
	sh      transport.ShellExecutor
	repo    vcs.VCS
	repoErr error
	logger  *logging.Logger
}

func (c *conn) Close() {
	if err := c.access.Close(); err != nil {
		c.logger.Debug("Closing access: %v", err)
	}
}

// needRepo returns the adapter of a versioned tree or the reason there
// is none.
func (c *conn) needRepo() (vcs.VCS, error) {
	if c.repoErr != nil {
		return nil, c.repoErr
	}
	if !c.repo.Kind().IsVersioned() {
		return nil, fmt.Errorf("%s is not under version control", c.inst.Label())
	}
	return c.repo, nil
}

// skipDirs are the paths a checksum walk leaves out.
func (c *conn) skipDirs() []string {
	var out []string
	if c.repo != nil {
		out = append(out, c.repo.MetadataDirs()...)
	}
	return append(out, c.inst.Ignore...)
}

func (o *Orchestrator) connect(ctx context.Context, inst *instance.Instance) (*conn, error) {
	access, err := o.deps.Registry.Open(inst)
	if err != nil {
		return nil, err
	}
	c := &conn{inst: inst, access: access, logger: o.logger.WithInstance(inst.ID, inst.Name)}
	c.sh, _ = transport.AsShell(access)

	kind := inst.VCSType
	if kind == "" {
		if kind, err = vcs.DetectType(ctx, access, inst.Webroot); err != nil {
			c.Close()
			return nil, err
		}
	}
	c.repo, c.repoErr = o.vcsFor(kind, c.sh)
	return c, nil
}

func (o *Orchestrator) vcsFor(kind types.VCSType, sh transport.ShellExecutor) (vcs.VCS, error) {
	return o.deps.VCS(kind, sh, vcs.Options{RepositoryURL: o.repositoryURL(kind), Logger: o.logger})
}

// guard refuses to touch an instance that is being bisected.
func (o *Orchestrator) guard(ctx context.Context, inst *instance.Instance) error {
	s, err := o.deps.Bisect.Active(ctx, inst.ID)
	if err != nil {
		return err
	}
	if s != nil {
		return &instance.LockConflictError{InstanceID: inst.ID, Err: instance.ErrBisectActive}
	}
	return nil
}

// mutate runs fn with the instance locked and connected. The bisect
// guard runs under the lock, before the connection, so a refused
// operation changes nothing and no session can open in between.
func (o *Orchestrator) mutate(ctx context.Context, inst *instance.Instance, fn func(ctx context.Context, c *conn) error) error {
	return o.deps.Registry.WithLock(ctx, inst, o.owner, func(ctx context.Context) error {
		if err := o.guard(ctx, inst); err != nil {
			return err
		}
		c, err := o.connect(ctx, inst)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(ctx, c)
	})
}

// recordVersion captures the checksum baseline of the current revision
// and appends it to the version history. A baseline failure is returned
// as a warning because the code change itself already happened.
func (o *Orchestrator) recordVersion(ctx context.Context, c *conn, repo vcs.VCS, branch, revision string) (warning error, err error) {
	if _, cerr := o.deps.Checksums.Capture(ctx, c.inst, c.access, repo, revision); cerr != nil {
		warning = stepErr("baseline", cerr)
		c.logger.Warning("No checksum baseline for %q: %v", revision, cerr)
	}
	v := &instance.Version{
		InstanceID: c.inst.ID,
		Type:       repo.Kind(),
		Branch:     branch,
		Revision:   revision,
		Date:       o.clock.Now().UTC(),
		Manifest:   revision,
	}
	if err := o.deps.Registry.RecordVersion(ctx, v); err != nil {
		return warning, stepErr("record version", err)
	}
	return warning, nil
}

var errNoHistory = errors.New("bisect needs a git working copy reachable over a shell")

// history returns the bisect view of the instance tree.
func (c *conn) history() (bisect.History, error) {
	repo, err := c.needRepo()
	if err != nil {
		return nil, err
	}
	h, ok := repo.(bisect.History)
	if !ok {
		return nil, errNoHistory
	}
	return h, nil
}
