package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tis24dev/cmsfleet/internal/archive"
	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/types"
)

const archiveColumns = `id, instance_id, path, created_at, compression, encrypted, mode, size, branch, revision`

func scanArchive(r rowScanner) (*archive.Archive, error) {
	a := &archive.Archive{}
	var created, compression, mode string
	var encrypted int
	if err := r.Scan(&a.ID, &a.InstanceID, &a.Path, &created, &compression, &encrypted, &mode, &a.Size, &a.Branch, &a.Revision); err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(created)
	a.Compression = types.CompressionType(compression)
	a.Mode = types.BackupMode(mode)
	a.Encrypted = encrypted != 0
	return a, nil
}

// SaveArchive records a new archive.
func (s *Store) SaveArchive(ctx context.Context, a *archive.Archive) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO archives (`+archiveColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.InstanceID, a.Path, formatTime(a.CreatedAt), string(a.Compression), boolInt(a.Encrypted),
		string(a.Mode), a.Size, a.Branch, a.Revision)
	if isForeignKey(err) {
		return fmt.Errorf("archive %s: instance %d: %w", a.ID, a.InstanceID, instance.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("record archive %s: %w", a.ID, err)
	}
	return nil
}

// GetArchive loads one archive record.
func (s *Store) GetArchive(ctx context.Context, id string) (*archive.Archive, error) {
	a, err := scanArchive(s.db.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM archives WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archive %s: %w", id, instance.ErrNotFound)
	}
	return a, err
}

// ListArchives returns the archives of an instance, oldest first.
func (s *Store) ListArchives(ctx context.Context, instanceID int64) ([]*archive.Archive, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+archiveColumns+` FROM archives
		WHERE instance_id = ? ORDER BY created_at, id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*archive.Archive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteArchive removes an archive record. The file is the caller's.
func (s *Store) DeleteArchive(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM archives WHERE id = ?`, id)
	return err
}
