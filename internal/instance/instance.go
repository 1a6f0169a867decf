// Package instance holds the fleet registry: instances, their recorded
// versions, patches and tags, and the maintenance lock that serializes
// mutating operations.
package instance

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
)

// MaintenanceFile is created in the webroot while an instance is locked.
const MaintenanceFile = ".cmsfleet-maintenance"

var (
	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate reports an instance that already exists under another id.
	ErrDuplicate = errors.New("instance already registered")
	// ErrLocked is the reason of a LockConflictError on a held lock.
	ErrLocked = errors.New("instance is locked")
	// ErrBisectActive is the reason of a LockConflictError while a bisect
	// session is in progress.
	ErrBisectActive = errors.New("bisect session in progress")
)

// DBConfig is how the instance database is reached from the instance host.
type DBConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Name          string `yaml:"name"`
	User          string `yaml:"user"`
	CredentialRef string `yaml:"credential"`
}

// Lock is the local record of the maintenance lock.
type Lock struct {
	Held  bool
	Owner string
	Since time.Time
}

// Instance is one managed installation.
type Instance struct {
	ID          int64
	Name        string
	Access      transport.Descriptor
	Webroot     string
	WebURL      string
	TempDir     string
	BackupUser  string
	BackupGroup string
	BackupPerm  string
	VCSType     types.VCSType
	PHPPath     string
	PHPVersion  string
	DB          DBConfig
	Lock        Lock
	Tags        map[string]string
	// Ignore lists path patterns, relative to the webroot, left out of
	// backups and checksum checks on top of the global list.
	Ignore    []string
	CreatedAt time.Time
}

// Label is the short human form used in logs.
func (i *Instance) Label() string {
	return fmt.Sprintf("%d-%s", i.ID, i.Name)
}

// MaintenancePath is the absolute path of the remote lock indicator.
func (i *Instance) MaintenancePath() string {
	return path.Join(i.Webroot, MaintenanceFile)
}

// Validate checks the fields every instance needs.
func (i *Instance) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return errors.New("instance name is required")
	}
	if !path.IsAbs(i.Webroot) {
		return fmt.Errorf("webroot %q must be an absolute path", i.Webroot)
	}
	switch i.Access.Type {
	case types.AccessLocal:
	case types.AccessSSH, types.AccessFTP:
		if i.Access.Host == "" {
			return fmt.Errorf("%s access requires a host", i.Access.Type)
		}
	default:
		return fmt.Errorf("unsupported access type %q", i.Access.Type)
	}
	switch i.VCSType {
	case "", types.VCSGit, types.VCSSvn, types.VCSSrc:
	default:
		return fmt.Errorf("unsupported vcs type %q", i.VCSType)
	}
	return nil
}

// SameSite reports whether a and b point at the same physical site.
func SameSite(a, b *Instance) bool {
	return a.Access.Key() == b.Access.Key() && path.Clean(a.Webroot) == path.Clean(b.Webroot)
}

// Version is a captured (type, branch, revision) state of an instance.
type Version struct {
	ID         int64
	InstanceID int64
	Type       types.VCSType
	Branch     string
	Revision   string
	Date       time.Time
	// Manifest names the checksum manifest captured for this version,
	// keyed by revision.
	Manifest string
}

// Patch tracks an out-of-band change applied to an instance.
type Patch struct {
	ID         int64
	InstanceID int64
	Package    string
	URL        string
	AppliedAt  time.Time
}

// Detected is what Detect learns about a live instance.
type Detected struct {
	PHPPath    string
	PHPVersion string
	VCSType    types.VCSType
}

// LockConflictError is returned when a mutating operation cannot take the
// instance lock. No state was changed.
type LockConflictError struct {
	InstanceID int64
	Owner      string
	Since      time.Time
	Err        error
}

func (e *LockConflictError) Error() string {
	if errors.Is(e.Err, ErrBisectActive) {
		return fmt.Sprintf("instance %d: %v", e.InstanceID, e.Err)
	}
	return fmt.Sprintf("instance %d is locked by %s since %s", e.InstanceID, e.Owner, e.Since.Format(time.RFC3339))
}

func (e *LockConflictError) Unwrap() error {
	return e.Err
}
