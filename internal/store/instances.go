package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/types"
)

const instanceColumns = `id, name, access_type, host, port, user, credential_ref, webroot, weburl,
	tempdir, backup_user, backup_group, backup_perm, vcs_type, php_path, php_version,
	db_host, db_port, db_name, db_user, db_credential, lock_held, lock_owner, lock_since, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (*instance.Instance, error) {
	inst := &instance.Instance{}
	var held int
	var since, created string
	err := r.Scan(&inst.ID, &inst.Name, &inst.Access.Type, &inst.Access.Host, &inst.Access.Port,
		&inst.Access.User, &inst.Access.CredentialRef, &inst.Webroot, &inst.WebURL,
		&inst.TempDir, &inst.BackupUser, &inst.BackupGroup, &inst.BackupPerm, &inst.VCSType,
		&inst.PHPPath, &inst.PHPVersion, &inst.DB.Host, &inst.DB.Port, &inst.DB.Name,
		&inst.DB.User, &inst.DB.CredentialRef, &held, &inst.Lock.Owner, &since, &created)
	if err != nil {
		return nil, err
	}
	inst.Lock.Held = held != 0
	inst.Lock.Since = parseTime(since)
	inst.CreatedAt = parseTime(created)
	return inst, nil
}

func instanceArgs(inst *instance.Instance) []any {
	return []any{inst.Name, inst.Access.Type, inst.Access.Host, inst.Access.Port,
		inst.Access.User, inst.Access.CredentialRef, inst.Webroot, inst.WebURL,
		inst.TempDir, inst.BackupUser, inst.BackupGroup, inst.BackupPerm, inst.VCSType,
		inst.PHPPath, inst.PHPVersion, inst.DB.Host, inst.DB.Port, inst.DB.Name,
		inst.DB.User, inst.DB.CredentialRef}
}

// CreateInstance inserts inst with its tags and ignore list and sets its ID.
func (s *Store) CreateInstance(ctx context.Context, inst *instance.Instance) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		args := append(instanceArgs(inst), formatTime(inst.CreatedAt))
		res, err := tx.ExecContext(ctx, `INSERT INTO instances (name, access_type, host, port, user,
			credential_ref, webroot, weburl, tempdir, backup_user, backup_group, backup_perm,
			vcs_type, php_path, php_version, db_host, db_port, db_name, db_user, db_credential,
			created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for k, v := range inst.Tags {
			if _, err := tx.ExecContext(ctx, `INSERT INTO tags (instance_id, key, value) VALUES (?, ?, ?)`, id, k, v); err != nil {
				return err
			}
		}
		if err := replaceIgnore(ctx, tx, id, inst.Ignore); err != nil {
			return err
		}
		inst.ID = id
		return nil
	})
}

// UpdateInstance stores the descriptive fields and ignore list of inst.
// The lock and tags have their own operations and are left alone.
func (s *Store) UpdateInstance(ctx context.Context, inst *instance.Instance) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		args := append(instanceArgs(inst), inst.ID)
		res, err := tx.ExecContext(ctx, `UPDATE instances SET name = ?, access_type = ?, host = ?,
			port = ?, user = ?, credential_ref = ?, webroot = ?, weburl = ?, tempdir = ?,
			backup_user = ?, backup_group = ?, backup_perm = ?, vcs_type = ?, php_path = ?,
			php_version = ?, db_host = ?, db_port = ?, db_name = ?, db_user = ?, db_credential = ?
			WHERE id = ?`, args...)
		if err != nil {
			return err
		}
		if err := expectRow(res, "instance", inst.ID); err != nil {
			return err
		}
		return replaceIgnore(ctx, tx, inst.ID, inst.Ignore)
	})
}

func replaceIgnore(ctx context.Context, tx *sql.Tx, id int64, patterns []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM ignore_patterns WHERE instance_id = ?`, id); err != nil {
		return err
	}
	for _, p := range patterns {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO ignore_patterns (instance_id, pattern) VALUES (?, ?)`, id, p); err != nil {
			return err
		}
	}
	return nil
}

func expectRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, instance.ErrNotFound)
	}
	return nil
}

// DeleteInstance removes an instance and, through foreign keys, its
// history, archives records, manifests and sessions.
func (s *Store) DeleteInstance(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, "instance", id)
}

// GetInstance loads one instance with its tags and ignore list.
func (s *Store) GetInstance(ctx context.Context, id int64) (*instance.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %d: %w", id, instance.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadExtras(ctx, []*instance.Instance{inst}); err != nil {
		return nil, err
	}
	return inst, nil
}

// ListInstances returns every instance ordered by id.
func (s *Store) ListInstances(ctx context.Context) ([]*instance.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*instance.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, s.loadExtras(ctx, out)
}

func (s *Store) loadExtras(ctx context.Context, list []*instance.Instance) error {
	byID := make(map[int64]*instance.Instance, len(list))
	for _, inst := range list {
		inst.Tags = map[string]string{}
		byID[inst.ID] = inst
	}
	rows, err := s.db.QueryContext(ctx, `SELECT instance_id, key, value FROM tags`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int64
		var k, v string
		if err := rows.Scan(&id, &k, &v); err != nil {
			rows.Close()
			return err
		}
		if inst, ok := byID[id]; ok {
			inst.Tags[k] = v
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT instance_id, pattern FROM ignore_patterns ORDER BY instance_id, pattern`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var p string
		if err := rows.Scan(&id, &p); err != nil {
			return err
		}
		if inst, ok := byID[id]; ok {
			inst.Ignore = append(inst.Ignore, p)
		}
	}
	return rows.Err()
}

// AcquireLock takes the lock with a conditional update, so two processes
// sharing the database cannot both see it free.
func (s *Store) AcquireLock(ctx context.Context, id int64, owner string, since time.Time) (instance.Lock, bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET lock_held = 1, lock_owner = ?, lock_since = ?
		WHERE id = ? AND lock_held = 0`, owner, formatTime(since), id)
	if err != nil {
		return instance.Lock{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return instance.Lock{}, false, err
	}
	lock, err := s.GetLock(ctx, id)
	return lock, n == 1, err
}

// ReleaseLock clears the lock record.
func (s *Store) ReleaseLock(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE instances SET lock_held = 0, lock_owner = '', lock_since = '' WHERE id = ?`, id)
	return err
}

// GetLock returns the stored lock of an instance.
func (s *Store) GetLock(ctx context.Context, id int64) (instance.Lock, error) {
	var held int
	var lock instance.Lock
	var since string
	err := s.db.QueryRowContext(ctx, `SELECT lock_held, lock_owner, lock_since FROM instances WHERE id = ?`, id).
		Scan(&held, &lock.Owner, &since)
	if errors.Is(err, sql.ErrNoRows) {
		return instance.Lock{}, fmt.Errorf("instance %d: %w", id, instance.ErrNotFound)
	}
	if err != nil {
		return instance.Lock{}, err
	}
	lock.Held = held != 0
	lock.Since = parseTime(since)
	return lock, nil
}

// SaveVersion appends a version to the instance history.
func (s *Store) SaveVersion(ctx context.Context, v *instance.Version) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO versions (instance_id, type, branch, revision, date, manifest)
		VALUES (?, ?, ?, ?, ?, ?)`, v.InstanceID, v.Type, v.Branch, v.Revision, formatTime(v.Date), v.Manifest)
	if err != nil {
		return err
	}
	v.ID, err = res.LastInsertId()
	return err
}

// LatestVersion returns the most recent version of an instance.
func (s *Store) LatestVersion(ctx context.Context, instanceID int64) (*instance.Version, error) {
	list, err := s.ListVersions(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("versions of instance %d: %w", instanceID, instance.ErrNotFound)
	}
	return list[len(list)-1], nil
}

// ListVersions returns the history of an instance, oldest first.
func (s *Store) ListVersions(ctx context.Context, instanceID int64) ([]*instance.Version, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, instance_id, type, branch, revision, date, manifest
		FROM versions WHERE instance_id = ? ORDER BY date, id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*instance.Version
	for rows.Next() {
		v := &instance.Version{}
		var date string
		var kind string
		if err := rows.Scan(&v.ID, &v.InstanceID, &kind, &v.Branch, &v.Revision, &date, &v.Manifest); err != nil {
			return nil, err
		}
		v.Type = types.VCSType(kind)
		v.Date = parseTime(date)
		out = append(out, v)
	}
	return out, rows.Err()
}

// AddPatch records a patch.
func (s *Store) AddPatch(ctx context.Context, p *instance.Patch) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO patches (instance_id, package, url, applied_at) VALUES (?, ?, ?, ?)`,
		p.InstanceID, p.Package, p.URL, formatTime(p.AppliedAt))
	if err != nil {
		return err
	}
	p.ID, err = res.LastInsertId()
	return err
}

// ListPatches returns the patches of an instance in application order.
func (s *Store) ListPatches(ctx context.Context, instanceID int64) ([]*instance.Patch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, instance_id, package, url, applied_at
		FROM patches WHERE instance_id = ? ORDER BY applied_at, id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*instance.Patch
	for rows.Next() {
		p := &instance.Patch{}
		var applied string
		if err := rows.Scan(&p.ID, &p.InstanceID, &p.Package, &p.URL, &applied); err != nil {
			return nil, err
		}
		p.AppliedAt = parseTime(applied)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetTag inserts or replaces a tag.
func (s *Store) SetTag(ctx context.Context, instanceID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO tags (instance_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (instance_id, key) DO UPDATE SET value = excluded.value`, instanceID, key, value)
	if isForeignKey(err) {
		return fmt.Errorf("instance %d: %w", instanceID, instance.ErrNotFound)
	}
	return err
}

// RemoveTag deletes a tag if present.
func (s *Store) RemoveTag(ctx context.Context, instanceID int64, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE instance_id = ? AND key = ?`, instanceID, key)
	return err
}
