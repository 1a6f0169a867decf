package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tis24dev/cmsfleet/internal/instance"
)

// selection is how batch commands pick instances.
type selection struct {
	all  bool
	tags []string
}

func (s *selection) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&s.all, "all", false, "Select every registered instance")
	cmd.Flags().StringArrayVar(&s.tags, "tag", nil, "Select instances carrying key=value (repeatable, all must match)")
}

// resolve turns ids, names and filters into instance ids in selection
// order. Explicit arguments keep their order; fleet selections are sorted
// by id.
func (s *selection) resolve(ctx context.Context, reg *instance.Manager, args []string) ([]int64, error) {
	filters, err := parseTags(s.tags)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 && s.all {
		return nil, errors.New("--all cannot be combined with explicit instances")
	}
	if len(args) == 0 && !s.all && len(filters) == 0 {
		return nil, errors.New("no instance selected; pass ids or names, --all or --tag")
	}

	var list []*instance.Instance
	if len(args) == 0 {
		if list, err = reg.List(ctx); err != nil {
			return nil, err
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	} else {
		for _, arg := range args {
			inst, err := lookup(ctx, reg, arg)
			if err != nil {
				return nil, err
			}
			list = append(list, inst)
		}
	}

	seen := map[int64]bool{}
	var ids []int64
	for _, inst := range list {
		if seen[inst.ID] || !matchTags(inst, filters) {
			continue
		}
		seen[inst.ID] = true
		ids = append(ids, inst.ID)
	}
	if len(ids) == 0 {
		return nil, errors.New("selection matches no instance")
	}
	return ids, nil
}

// lookup accepts an instance id or name.
func lookup(ctx context.Context, reg *instance.Manager, ref string) (*instance.Instance, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return reg.Get(ctx, id)
	}
	return reg.FindByName(ctx, ref)
}

func lookupID(ctx context.Context, reg *instance.Manager, ref string) (int64, error) {
	inst, err := lookup(ctx, reg, ref)
	if err != nil {
		return 0, err
	}
	return inst.ID, nil
}

func parseTags(values []string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, v := range values {
		key, value, ok := strings.Cut(v, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("tag %q must be key=value", v)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

func matchTags(inst *instance.Instance, filters map[string]string) bool {
	for k, v := range filters {
		if inst.Tags[k] != v {
			return false
		}
	}
	return true
}
