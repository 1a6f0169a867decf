package instance

import (
	"context"
	"time"
)

// Store persists the registry. Implementations must make AcquireLock a
// single atomic check-and-set visible to every process sharing the store.
type Store interface {
	CreateInstance(ctx context.Context, inst *Instance) error
	UpdateInstance(ctx context.Context, inst *Instance) error
	DeleteInstance(ctx context.Context, id int64) error
	GetInstance(ctx context.Context, id int64) (*Instance, error)
	ListInstances(ctx context.Context) ([]*Instance, error)

	// AcquireLock sets the lock when it is free or already held by owner.
	// It returns the lock as stored and whether it was free before.
	AcquireLock(ctx context.Context, id int64, owner string, since time.Time) (Lock, bool, error)
	ReleaseLock(ctx context.Context, id int64) error
	GetLock(ctx context.Context, id int64) (Lock, error)

	SaveVersion(ctx context.Context, v *Version) error
	LatestVersion(ctx context.Context, instanceID int64) (*Version, error)
	ListVersions(ctx context.Context, instanceID int64) ([]*Version, error)

	AddPatch(ctx context.Context, p *Patch) error
	ListPatches(ctx context.Context, instanceID int64) ([]*Patch, error)

	SetTag(ctx context.Context, instanceID int64, key, value string) error
	RemoveTag(ctx context.Context, instanceID int64, key string) error
}
