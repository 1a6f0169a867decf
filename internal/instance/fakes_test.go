package instance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	instances map[int64]*Instance
	versions  []*Version
	patches   []*Patch
}

func newMemStore() *memStore {
	return &memStore{instances: make(map[int64]*Instance)}
}

func clone(inst *Instance) *Instance {
	c := *inst
	c.Tags = make(map[string]string, len(inst.Tags))
	for k, v := range inst.Tags {
		c.Tags[k] = v
	}
	return &c
}

func (s *memStore) CreateInstance(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	inst.ID = s.nextID
	s.instances[inst.ID] = clone(inst)
	return nil
}

func (s *memStore) UpdateInstance(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	c := clone(inst)
	c.Lock = cur.Lock
	c.Tags = cur.Tags
	s.instances[inst.ID] = c
	return nil
}

func (s *memStore) DeleteInstance(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return ErrNotFound
	}
	delete(s.instances, id)
	return nil
}

func (s *memStore) GetInstance(_ context.Context, id int64) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	return clone(inst), nil
}

func (s *memStore) ListInstances(_ context.Context) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Instance
	for _, inst := range s.instances {
		out = append(out, clone(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) AcquireLock(_ context.Context, id int64, owner string, since time.Time) (Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return Lock{}, false, ErrNotFound
	}
	if inst.Lock.Held {
		return inst.Lock, false, nil
	}
	inst.Lock = Lock{Held: true, Owner: owner, Since: since}
	return inst.Lock, true, nil
}

func (s *memStore) ReleaseLock(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[id]; ok {
		inst.Lock = Lock{}
	}
	return nil
}

func (s *memStore) GetLock(_ context.Context, id int64) (Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return Lock{}, ErrNotFound
	}
	return inst.Lock, nil
}

func (s *memStore) SaveVersion(_ context.Context, v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.ID = int64(len(s.versions) + 1)
	c := *v
	s.versions = append(s.versions, &c)
	return nil
}

func (s *memStore) LatestVersion(ctx context.Context, instanceID int64) (*Version, error) {
	all, _ := s.ListVersions(ctx, instanceID)
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return all[len(all)-1], nil
}

func (s *memStore) ListVersions(_ context.Context, instanceID int64) ([]*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Version
	for _, v := range s.versions {
		if v.InstanceID == instanceID {
			c := *v
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memStore) AddPatch(_ context.Context, p *Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = int64(len(s.patches) + 1)
	c := *p
	s.patches = append(s.patches, &c)
	return nil
}

func (s *memStore) ListPatches(_ context.Context, instanceID int64) ([]*Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Patch
	for _, p := range s.patches {
		if p.InstanceID == instanceID {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memStore) SetTag(_ context.Context, instanceID int64, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrNotFound
	}
	if inst.Tags == nil {
		inst.Tags = map[string]string{}
	}
	inst.Tags[key] = value
	return nil
}

func (s *memStore) RemoveTag(_ context.Context, instanceID int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[instanceID]; ok {
		delete(inst.Tags, key)
	}
	return nil
}
