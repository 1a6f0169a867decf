package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tis24dev/cmsfleet/internal/bisect"
	"github.com/tis24dev/cmsfleet/internal/instance"
)

const sessionColumns = `id, instance_id, good, bad, pre_commit, pre_branch, status, commits, lo, hi,
	current_commit, culprit, started_at, updated_at, finished_at`

// SaveSession inserts or updates a bisect session and its steps. The
// partial unique index on open sessions rejects a second open session.
func (s *Store) SaveSession(ctx context.Context, sess *bisect.Session) error {
	var finished sql.NullString
	if !sess.FinishedAt.IsZero() {
		finished = sql.NullString{String: formatTime(sess.FinishedAt), Valid: true}
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO bisect_sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET status = excluded.status, lo = excluded.lo, hi = excluded.hi,
				current_commit = excluded.current_commit, culprit = excluded.culprit,
				updated_at = excluded.updated_at, finished_at = excluded.finished_at`,
			sess.ID, sess.InstanceID, sess.Good, sess.Bad, sess.PreCommit, sess.PreBranch, string(sess.Status),
			strings.Join(sess.Commits, "\n"), sess.Lo, sess.Hi, sess.Current, sess.Culprit,
			formatTime(sess.StartedAt), formatTime(sess.UpdatedAt), finished)
		if isUnique(err) {
			return &instance.LockConflictError{InstanceID: sess.InstanceID, Owner: "bisect", Err: instance.ErrBisectActive}
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM bisect_steps WHERE session_id = ?`, sess.ID); err != nil {
			return err
		}
		for i, step := range sess.Tested {
			if _, err := tx.ExecContext(ctx, `INSERT INTO bisect_steps (session_id, seq, commit_id, good, at) VALUES (?, ?, ?, ?, ?)`,
				sess.ID, i, step.Commit, boolInt(step.Good), formatTime(step.At)); err != nil {
				return err
			}
		}
		return nil
	})
}

// OpenSession returns the unfinished session of an instance.
func (s *Store) OpenSession(ctx context.Context, instanceID int64) (*bisect.Session, error) {
	list, err := s.sessions(ctx, `WHERE instance_id = ? AND finished_at IS NULL`, instanceID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("bisect session of instance %d: %w", instanceID, instance.ErrNotFound)
	}
	return list[0], nil
}

// ListSessions returns every session of an instance, oldest first.
func (s *Store) ListSessions(ctx context.Context, instanceID int64) ([]*bisect.Session, error) {
	return s.sessions(ctx, `WHERE instance_id = ?`, instanceID)
}

func (s *Store) sessions(ctx context.Context, where string, args ...any) ([]*bisect.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM bisect_sessions `+where+` ORDER BY started_at, id`, args...)
	if err != nil {
		return nil, err
	}
	var out []*bisect.Session
	for rows.Next() {
		sess := &bisect.Session{}
		var status, commits, started, updated string
		var finished sql.NullString
		if err := rows.Scan(&sess.ID, &sess.InstanceID, &sess.Good, &sess.Bad, &sess.PreCommit, &sess.PreBranch,
			&status, &commits, &sess.Lo, &sess.Hi, &sess.Current, &sess.Culprit, &started, &updated, &finished); err != nil {
			rows.Close()
			return nil, err
		}
		sess.Status = bisect.Status(status)
		if commits != "" {
			sess.Commits = strings.Split(commits, "\n")
		}
		sess.StartedAt = parseTime(started)
		sess.UpdatedAt = parseTime(updated)
		if finished.Valid {
			sess.FinishedAt = parseTime(finished.String)
		}
		out = append(out, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sess := range out {
		if err := s.loadSteps(ctx, sess); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadSteps(ctx context.Context, sess *bisect.Session) error {
	rows, err := s.db.QueryContext(ctx, `SELECT commit_id, good, at FROM bisect_steps WHERE session_id = ? ORDER BY seq`, sess.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var step bisect.Step
		var good int
		var at string
		if err := rows.Scan(&step.Commit, &good, &at); err != nil {
			return err
		}
		step.Good = good != 0
		step.At = parseTime(at)
		sess.Tested = append(sess.Tested, step)
	}
	return rows.Err()
}

var _ bisect.Store = (*Store)(nil)
