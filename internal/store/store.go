// Package store persists the fleet registry, archives, checksum manifests
// and bisect sessions in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/tis24dev/cmsfleet/internal/archive"
	"github.com/tis24dev/cmsfleet/internal/checksum"
	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/pkg/utils"
)

// migrations are applied in order; PRAGMA user_version records how many
// already ran.
var migrations = []string{
	`CREATE TABLE instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		access_type TEXT NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		user TEXT NOT NULL DEFAULT '',
		credential_ref TEXT NOT NULL DEFAULT '',
		webroot TEXT NOT NULL,
		weburl TEXT NOT NULL DEFAULT '',
		tempdir TEXT NOT NULL DEFAULT '',
		backup_user TEXT NOT NULL DEFAULT '',
		backup_group TEXT NOT NULL DEFAULT '',
		backup_perm TEXT NOT NULL DEFAULT '',
		vcs_type TEXT NOT NULL DEFAULT '',
		php_path TEXT NOT NULL DEFAULT '',
		php_version TEXT NOT NULL DEFAULT '',
		db_host TEXT NOT NULL DEFAULT '',
		db_port INTEGER NOT NULL DEFAULT 0,
		db_name TEXT NOT NULL DEFAULT '',
		db_user TEXT NOT NULL DEFAULT '',
		db_credential TEXT NOT NULL DEFAULT '',
		lock_held INTEGER NOT NULL DEFAULT 0,
		lock_owner TEXT NOT NULL DEFAULT '',
		lock_since TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE TABLE tags (
		instance_id INTEGER NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (instance_id, key)
	);
	CREATE TABLE versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id INTEGER NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		revision TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL,
		manifest TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE patches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id INTEGER NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		package TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		applied_at TEXT NOT NULL
	);`,

	`CREATE TABLE archives (
		id TEXT PRIMARY KEY,
		instance_id INTEGER NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		path TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		compression TEXT NOT NULL,
		encrypted INTEGER NOT NULL DEFAULT 0,
		mode TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		branch TEXT NOT NULL DEFAULT '',
		revision TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX archives_instance ON archives(instance_id, created_at);
	CREATE TABLE manifests (
		instance_id INTEGER NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		revision TEXT NOT NULL,
		source TEXT NOT NULL,
		PRIMARY KEY (instance_id, revision)
	);
	CREATE TABLE manifest_files (
		instance_id INTEGER NOT NULL,
		revision TEXT NOT NULL,
		path TEXT NOT NULL,
		hash TEXT NOT NULL,
		PRIMARY KEY (instance_id, revision, path),
		FOREIGN KEY (instance_id, revision) REFERENCES manifests(instance_id, revision) ON DELETE CASCADE
	);`,

	`CREATE TABLE ignore_patterns (
		instance_id INTEGER NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		pattern TEXT NOT NULL,
		PRIMARY KEY (instance_id, pattern)
	);
	CREATE TABLE bisect_sessions (
		id TEXT PRIMARY KEY,
		instance_id INTEGER NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		good TEXT NOT NULL,
		bad TEXT NOT NULL,
		pre_commit TEXT NOT NULL,
		pre_branch TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		commits TEXT NOT NULL,
		lo INTEGER NOT NULL,
		hi INTEGER NOT NULL,
		current_commit TEXT NOT NULL DEFAULT '',
		culprit TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		finished_at TEXT
	);
	CREATE UNIQUE INDEX bisect_open ON bisect_sessions(instance_id) WHERE finished_at IS NULL;
	CREATE TABLE bisect_steps (
		session_id TEXT NOT NULL REFERENCES bisect_sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		commit_id TEXT NOT NULL,
		good INTEGER NOT NULL,
		at TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);`,
}

// Store is the SQLite implementation of the instance, archive, checksum
// and bisect stores.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens or creates the database at path and brings its schema up to
// date.
func Open(ctx context.Context, path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	if path != ":memory:" {
		if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// Transactions must not interleave with statements on other
	// connections of the same process.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		err := s.tx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		s.logger.Debug("Applied schema migration %d", i+1)
	}
	return nil
}

func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUnique(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKey(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ instance.Store = (*Store)(nil)
	_ archive.Store  = (*Store)(nil)
	_ checksum.Store = (*Store)(nil)
)
