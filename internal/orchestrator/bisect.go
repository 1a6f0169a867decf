package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/tis24dev/cmsfleet/internal/bisect"
	"github.com/tis24dev/cmsfleet/internal/instance"
)

// BisectStart opens a search on instance id between good and bad. An
// empty bad means the current checkout; an empty good takes the newest
// recorded version that differs from it.
func (o *Orchestrator) BisectStart(ctx context.Context, id int64, bad, good string) (*bisect.Session, error) {
	return o.bisectStep(ctx, id, func(ctx context.Context, inst *instance.Instance, h bisect.History) (*bisect.Session, error) {
		if good == "" {
			var err error
			if good, err = o.defaultGood(ctx, inst, h, bad); err != nil {
				return nil, err
			}
		}
		return o.deps.Bisect.Start(ctx, inst, h, bad, good)
	})
}

// BisectGood marks commit, or the commit under test, as good.
func (o *Orchestrator) BisectGood(ctx context.Context, id int64, commit string) (*bisect.Session, error) {
	return o.bisectStep(ctx, id, func(ctx context.Context, inst *instance.Instance, h bisect.History) (*bisect.Session, error) {
		return o.deps.Bisect.MarkGood(ctx, inst, h, commit)
	})
}

// BisectBad marks commit, or the commit under test, as bad.
func (o *Orchestrator) BisectBad(ctx context.Context, id int64, commit string) (*bisect.Session, error) {
	return o.bisectStep(ctx, id, func(ctx context.Context, inst *instance.Instance, h bisect.History) (*bisect.Session, error) {
		return o.deps.Bisect.MarkBad(ctx, inst, h, commit)
	})
}

// BisectFinish restores the pre-session checkout. Without an open session
// it returns nil and touches nothing.
func (o *Orchestrator) BisectFinish(ctx context.Context, id int64) (*bisect.Session, error) {
	if s, err := o.deps.Bisect.Active(ctx, id); err != nil || s == nil {
		return nil, err
	}
	return o.bisectStep(ctx, id, func(ctx context.Context, inst *instance.Instance, h bisect.History) (*bisect.Session, error) {
		return o.deps.Bisect.Finish(ctx, inst, h)
	})
}

// BisectStatus returns the open session of an instance, or nil.
func (o *Orchestrator) BisectStatus(ctx context.Context, id int64) (*bisect.Session, error) {
	return o.deps.Bisect.Active(ctx, id)
}

func (o *Orchestrator) bisectStep(ctx context.Context, id int64, fn func(context.Context, *instance.Instance, bisect.History) (*bisect.Session, error)) (*bisect.Session, error) {
	inst, err := o.deps.Registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var s *bisect.Session
	err = o.deps.Registry.WithLock(ctx, inst, o.owner, func(ctx context.Context) error {
		c, err := o.connect(ctx, inst)
		if err != nil {
			return err
		}
		defer c.Close()
		h, err := c.history()
		if err != nil {
			return err
		}
		s, err = fn(ctx, inst, h)
		return err
	})
	if err == nil && s != nil {
		o.logger.WithInstance(inst.ID, inst.Name).Info("%s", s.String())
	}
	return s, err
}

// defaultGood walks the version history from the newest entry and returns
// the first revision that differs from bad.
func (o *Orchestrator) defaultGood(ctx context.Context, inst *instance.Instance, h bisect.History, bad string) (string, error) {
	ref := bad
	if ref == "" {
		ref = "HEAD"
	}
	badCommit, err := h.ResolveCommit(ctx, inst.Webroot, ref)
	if err != nil {
		return "", fmt.Errorf("bad commit: %w", err)
	}
	versions, err := o.deps.Registry.Versions(ctx, inst.ID)
	if err != nil {
		return "", err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		rev := versions[i].Revision
		if rev == "" {
			continue
		}
		resolved, err := h.ResolveCommit(ctx, inst.Webroot, rev)
		if err != nil || resolved == badCommit {
			continue
		}
		return resolved, nil
	}
	return "", errors.New("no good commit given and no earlier version recorded")
}
