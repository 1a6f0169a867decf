// Package archive creates and restores instance snapshots: a tar stream of
// the webroot plus an optional database dump, compressed and optionally
// encrypted, with every member validated before anything is written.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tis24dev/cmsfleet/internal/types"
)

var (
	// ErrNotBlank is returned when restoring into an instance that already
	// has an application installed.
	ErrNotBlank = errors.New("destination instance is not blank")
	// ErrIntegrity matches every *IntegrityError.
	ErrIntegrity = errors.New("archive integrity check failed")
	// ErrSystemMismatch is returned when the archive was captured on a
	// different runtime than the destination runs.
	ErrSystemMismatch = errors.New("archive runtime does not match destination")
)

// Archive is the record of one snapshot file.
type Archive struct {
	ID          string
	InstanceID  int64
	Path        string
	CreatedAt   time.Time
	Compression types.CompressionType
	Encrypted   bool
	Mode        types.BackupMode
	Size        int64
	Branch      string
	Revision    string
}

// Store persists archive records.
type Store interface {
	SaveArchive(ctx context.Context, a *Archive) error
	GetArchive(ctx context.Context, id string) (*Archive, error)
	// ListArchives returns the archives of an instance, oldest first.
	ListArchives(ctx context.Context, instanceID int64) ([]*Archive, error)
	DeleteArchive(ctx context.Context, id string) error
}

// IntegrityError reports a corrupt, truncated or malicious archive.
type IntegrityError struct {
	Archive string
	Entry   string
	Reason  string
}

func (e *IntegrityError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("archive %s: %s", e.Archive, e.Reason)
	}
	return fmt.Sprintf("archive %s: entry %q: %s", e.Archive, e.Entry, e.Reason)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// Metadata is stored as the first member of every archive.
type Metadata struct {
	InstanceID int64            `yaml:"instance_id"`
	Instance   string           `yaml:"instance"`
	Webroot    string           `yaml:"webroot"`
	Mode       types.BackupMode `yaml:"mode"`
	VCS        types.VCSType    `yaml:"vcs,omitempty"`
	Branch     string           `yaml:"branch,omitempty"`
	Revision   string           `yaml:"revision,omitempty"`
	PHPVersion string           `yaml:"php_version,omitempty"`
	Database   bool             `yaml:"database"`
	// Ignore is the pattern list the backup left out; a forced restore
	// keeps matching destination paths.
	Ignore    []string  `yaml:"ignore,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

const (
	metaDir  = ".cmsfleet"
	metaName = metaDir + "/archive.yaml"
	dumpName = metaDir + "/database.sql"
)
