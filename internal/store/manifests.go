package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tis24dev/cmsfleet/internal/checksum"
	"github.com/tis24dev/cmsfleet/internal/instance"
)

// SaveManifest stores m. A manifest already captured for the same
// instance and revision is never replaced.
func (s *Store) SaveManifest(ctx context.Context, m *checksum.Manifest) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO manifests (instance_id, revision, source) VALUES (?, ?, ?)`,
			m.InstanceID, m.Revision, m.Source)
		switch {
		case isUnique(err):
			return fmt.Errorf("instance %d at %q: %w", m.InstanceID, m.Revision, checksum.ErrManifestExists)
		case isForeignKey(err):
			return fmt.Errorf("instance %d: %w", m.InstanceID, instance.ErrNotFound)
		}
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO manifest_files (instance_id, revision, path, hash) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for p, h := range m.Files {
			if _, err := stmt.ExecContext(ctx, m.InstanceID, m.Revision, p, h); err != nil {
				return fmt.Errorf("manifest entry %s: %w", p, err)
			}
		}
		return nil
	})
}

// LoadManifest returns the manifest of an instance at revision.
func (s *Store) LoadManifest(ctx context.Context, instanceID int64, revision string) (*checksum.Manifest, error) {
	m := &checksum.Manifest{InstanceID: instanceID, Revision: revision, Files: map[string]string{}}
	err := s.db.QueryRowContext(ctx, `SELECT source FROM manifests WHERE instance_id = ? AND revision = ?`,
		instanceID, revision).Scan(&m.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("manifest of instance %d at %q: %w", instanceID, revision, instance.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT path, hash FROM manifest_files WHERE instance_id = ? AND revision = ?`,
		instanceID, revision)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p, h string
		if err := rows.Scan(&p, &h); err != nil {
			return nil, err
		}
		m.Files[p] = h
	}
	return m, rows.Err()
}
