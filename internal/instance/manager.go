package instance

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/mutex/v2"

	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/vcs"
)

// releaseTimeout bounds the unlock that runs after the caller's context
// is already cancelled.
const releaseTimeout = 30 * time.Second

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Logger      *logging.Logger
	Clock       clock.Clock
	LockTimeout time.Duration
	// BlankMarkers are webroot-relative paths whose presence means an
	// application is installed. Defaults to index.php.
	BlankMarkers []string
}

// Manager implements registry and lock operations over a Store.
type Manager struct {
	store   Store
	open    transport.Factory
	logger  *logging.Logger
	clock   clock.Clock
	timeout time.Duration
	markers []string
	acquire func(mutex.Spec) (mutex.Releaser, error)
}

// NewManager returns a Manager. open is used to reach instances for the
// remote side of locking and for detection.
func NewManager(store Store, open transport.Factory, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if len(opts.BlankMarkers) == 0 {
		opts.BlankMarkers = []string{"index.php"}
	}
	return &Manager{
		store:   store,
		open:    open,
		logger:  opts.Logger,
		clock:   opts.Clock,
		timeout: opts.LockTimeout,
		markers: opts.BlankMarkers,
		acquire: mutex.Acquire,
	}
}

// Open returns an Access for inst. The caller closes it.
func (m *Manager) Open(inst *Instance) (transport.Access, error) {
	return m.open(inst.Access)
}

// Get loads one instance.
func (m *Manager) Get(ctx context.Context, id int64) (*Instance, error) {
	return m.store.GetInstance(ctx, id)
}

// List returns every registered instance.
func (m *Manager) List(ctx context.Context) ([]*Instance, error) {
	return m.store.ListInstances(ctx)
}

// FindByName returns the instance registered under name.
func (m *Manager) FindByName(ctx context.Context, name string) (*Instance, error) {
	all, err := m.store.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	for _, inst := range all {
		if inst.Name == name {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("instance %q: %w", name, ErrNotFound)
}

// HasDuplicate reports whether another registered instance has the same
// access descriptor and webroot as candidate.
func (m *Manager) HasDuplicate(ctx context.Context, candidate *Instance) (bool, *Instance, error) {
	all, err := m.store.ListInstances(ctx)
	if err != nil {
		return false, nil, err
	}
	for _, inst := range all {
		if inst.ID == candidate.ID && candidate.ID != 0 {
			continue
		}
		if SameSite(inst, candidate) {
			return true, inst, nil
		}
	}
	return false, nil, nil
}

// Register validates and stores a new instance.
func (m *Manager) Register(ctx context.Context, inst *Instance) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	dup, other, err := m.HasDuplicate(ctx, inst)
	if err != nil {
		return err
	}
	if dup {
		return fmt.Errorf("%s at %s matches %s: %w", inst.Name, inst.Webroot, other.Label(), ErrDuplicate)
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = m.clock.Now().UTC()
	}
	if err := m.store.CreateInstance(ctx, inst); err != nil {
		return fmt.Errorf("register %s: %w", inst.Name, err)
	}
	m.logger.Info("Registered instance %s (%s)", inst.Label(), inst.Access.Key())
	return nil
}

// Edit stores changed fields of an existing instance.
func (m *Manager) Edit(ctx context.Context, inst *Instance) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	dup, other, err := m.HasDuplicate(ctx, inst)
	if err != nil {
		return err
	}
	if dup {
		return fmt.Errorf("%s would match %s: %w", inst.Name, other.Label(), ErrDuplicate)
	}
	return m.store.UpdateInstance(ctx, inst)
}

// Delete removes an instance from the registry. A locked instance is
// refused.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	lock, err := m.store.GetLock(ctx, id)
	if err != nil {
		return err
	}
	if lock.Held {
		return &LockConflictError{InstanceID: id, Owner: lock.Owner, Since: lock.Since, Err: ErrLocked}
	}
	return m.store.DeleteInstance(ctx, id)
}

// LatestVersion returns the most recently recorded version, or ErrNotFound.
func (m *Manager) LatestVersion(ctx context.Context, id int64) (*Version, error) {
	return m.store.LatestVersion(ctx, id)
}

// RecordVersion appends v to the instance history.
func (m *Manager) RecordVersion(ctx context.Context, v *Version) error {
	if v.Date.IsZero() {
		v.Date = m.clock.Now().UTC()
	}
	if v.Manifest == "" {
		v.Manifest = v.Revision
	}
	return m.store.SaveVersion(ctx, v)
}

// Versions lists the recorded history, oldest first.
func (m *Manager) Versions(ctx context.Context, id int64) ([]*Version, error) {
	return m.store.ListVersions(ctx, id)
}

// AddPatch records a locally applied change.
func (m *Manager) AddPatch(ctx context.Context, p *Patch) error {
	if p.AppliedAt.IsZero() {
		p.AppliedAt = m.clock.Now().UTC()
	}
	return m.store.AddPatch(ctx, p)
}

// ListPatches lists the patches applied to an instance.
func (m *Manager) ListPatches(ctx context.Context, id int64) ([]*Patch, error) {
	return m.store.ListPatches(ctx, id)
}

// SetTag sets a key/value tag on an instance.
func (m *Manager) SetTag(ctx context.Context, id int64, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("tag key is required")
	}
	return m.store.SetTag(ctx, id, key, value)
}

// RemoveTag deletes a tag. Removing an absent tag is not an error.
func (m *Manager) RemoveTag(ctx context.Context, id int64, key string) error {
	return m.store.RemoveTag(ctx, id, key)
}

// RunOwner returns a lock owner unique to one run. label stays readable
// as the prefix; the suffix keeps two runs with the same label apart, so
// the same-owner shortcut of Lock only ever matches re-entry within a run.
func RunOwner(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "cmsfleet"
	}
	return label + "/" + uuid.NewString()
}

func mutexName(id int64) string {
	return fmt.Sprintf("cmsfleet-instance-%d", id)
}

// Lock puts inst in maintenance for owner. Locking an instance already
// held by owner returns the existing lock without touching the remote
// side; a lock held by someone else yields *LockConflictError. Pipeline
// runs pass a RunOwner token, so owner equality means the same run.
func (m *Manager) Lock(ctx context.Context, inst *Instance, owner string) (Lock, error) {
	lock, _, err := m.lock(ctx, inst, owner)
	return lock, err
}

func (m *Manager) lock(ctx context.Context, inst *Instance, owner string) (Lock, bool, error) {
	if owner == "" {
		return Lock{}, false, errors.New("lock owner is required")
	}

	// The store update is atomic on its own; the process mutex keeps the
	// remote indicator in step with it when two runs race.
	releaser, err := m.acquire(mutex.Spec{
		Name:    mutexName(inst.ID),
		Clock:   m.clock,
		Delay:   250 * time.Millisecond,
		Timeout: m.timeout,
		Cancel:  ctx.Done(),
	})
	if err != nil {
		return Lock{}, false, fmt.Errorf("serialize lock of %s: %w", inst.Label(), err)
	}
	defer releaser.Release()

	lock, fresh, err := m.store.AcquireLock(ctx, inst.ID, owner, m.clock.Now().UTC())
	if err != nil {
		return Lock{}, false, err
	}
	if lock.Owner != owner {
		return lock, false, &LockConflictError{InstanceID: inst.ID, Owner: lock.Owner, Since: lock.Since, Err: ErrLocked}
	}
	if !fresh {
		m.logger.Debug("Instance %s already locked by %s", inst.Label(), owner)
		inst.Lock = lock
		return lock, false, nil
	}

	if err := m.writeIndicator(ctx, inst, lock); err != nil {
		if rerr := m.store.ReleaseLock(context.WithoutCancel(ctx), inst.ID); rerr != nil {
			m.logger.Warning("Could not roll back lock of %s: %v", inst.Label(), rerr)
		}
		return Lock{}, false, err
	}
	inst.Lock = lock
	m.logger.Step("Locked %s", inst.Label())
	return lock, true, nil
}

func (m *Manager) writeIndicator(ctx context.Context, inst *Instance, lock Lock) error {
	access, err := m.open(inst.Access)
	if err != nil {
		return err
	}
	defer access.Close()
	body := fmt.Sprintf("owner=%s\nsince=%s\n", lock.Owner, lock.Since.Format(time.RFC3339))
	if err := access.WriteFile(ctx, inst.MaintenancePath(), []byte(body)); err != nil {
		return fmt.Errorf("write maintenance indicator: %w", err)
	}
	return nil
}

// Unlock leaves maintenance. Unlocking a free instance does nothing.
func (m *Manager) Unlock(ctx context.Context, inst *Instance) error {
	lock, err := m.store.GetLock(ctx, inst.ID)
	if err != nil {
		return err
	}
	if !lock.Held {
		inst.Lock = Lock{}
		return nil
	}

	access, err := m.open(inst.Access)
	if err != nil {
		return err
	}
	defer access.Close()
	if err := access.RemoveFile(ctx, inst.MaintenancePath()); err != nil {
		return fmt.Errorf("remove maintenance indicator: %w", err)
	}
	if err := m.store.ReleaseLock(ctx, inst.ID); err != nil {
		return err
	}
	inst.Lock = Lock{}
	m.logger.Step("Unlocked %s", inst.Label())
	return nil
}

// WithLock runs fn while holding the instance lock. The lock is released
// on every exit path, including a panic in fn or cancellation of ctx. A
// lock that owner already held before the call is left in place.
func (m *Manager) WithLock(ctx context.Context, inst *Instance, owner string, fn func(ctx context.Context) error) (err error) {
	_, fresh, err := m.lock(ctx, inst, owner)
	if err != nil {
		return err
	}
	if fresh {
		defer func() {
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			if uerr := m.Unlock(uctx, inst); uerr != nil {
				m.logger.Error("Failed to unlock %s: %v", inst.Label(), uerr)
				if err == nil {
					err = uerr
				}
			}
		}()
	}
	return fn(ctx)
}

// IsBlank reports whether no application is installed in the webroot.
func (m *Manager) IsBlank(ctx context.Context, inst *Instance) (bool, error) {
	access, err := m.open(inst.Access)
	if err != nil {
		return false, err
	}
	defer access.Close()
	for _, marker := range m.markers {
		ok, err := access.FileExists(ctx, path.Join(inst.Webroot, marker))
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	return true, nil
}

// Detect inspects a live instance for its PHP runtime and the way its code
// is managed. PHP detection needs the shell capability and is skipped
// without it.
func (m *Manager) Detect(ctx context.Context, inst *Instance) (Detected, error) {
	access, err := m.open(inst.Access)
	if err != nil {
		return Detected{}, err
	}
	defer access.Close()

	var det Detected
	det.VCSType, err = vcs.DetectType(ctx, access, inst.Webroot)
	if err != nil {
		return det, err
	}

	sh, ok := transport.AsShell(access)
	if !ok {
		m.logger.Skip("PHP detection on %s: no shell access", inst.Label())
		return det, nil
	}
	phpPath := inst.PHPPath
	if phpPath == "" {
		res, err := sh.ShellExec(ctx, "command -v php")
		if err != nil {
			return det, fmt.Errorf("locate php: %w", err)
		}
		phpPath = strings.TrimSpace(res.Stdout)
	}
	res, err := transport.RunArgs(ctx, sh, phpPath, "-r", "echo PHP_VERSION;")
	if err != nil {
		return det, fmt.Errorf("php version: %w", err)
	}
	det.PHPPath = phpPath
	det.PHPVersion = strings.TrimSpace(res.Stdout)
	return det, nil
}

// ApplyDetected copies detection results into inst and stores it.
func (m *Manager) ApplyDetected(ctx context.Context, inst *Instance, det Detected) error {
	if det.PHPPath != "" {
		inst.PHPPath = det.PHPPath
	}
	if det.PHPVersion != "" {
		inst.PHPVersion = det.PHPVersion
	}
	if det.VCSType != "" {
		inst.VCSType = det.VCSType
	}
	return m.store.UpdateInstance(ctx, inst)
}

// ForceUnlock clears the local lock record without contacting the
// instance. It is the escape hatch for an unreachable host.
func (m *Manager) ForceUnlock(ctx context.Context, id int64) error {
	m.logger.Warning("Force-unlocking instance %d; the remote maintenance indicator is left as is", id)
	return m.store.ReleaseLock(ctx, id)
}
