package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/courseloop/courseloop/store"
)

func (d *DB) CreateTeachingSession(ctx context.Context, create *store.TeachingSession) (*store.TeachingSession, error) {
	if err := insertTeachingSession(ctx, d.db, create); err != nil {
		return nil, err
	}
	return create, nil
}

func insertTeachingSession(ctx context.Context, e execer, create *store.TeachingSession) error {
	snapshot, err := marshalJSON(create.Snapshot)
	if err != nil {
		return err
	}

	fields := []string{"id", "learner_id", "profile_id", "profile_snapshot", "state", "created_ts", "updated_ts"}
	args := []any{create.ID, create.LearnerID, create.ProfileID, snapshot, create.State.String(), create.CreatedTs, create.UpdatedTs}
	stmt := `INSERT INTO teaching_session (` + strings.Join(fields, ", ") + `) VALUES (` + placeholders(len(args)) + `)`
	if _, err := e.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to create teaching_session")
	}
	return nil
}

// CreateSessionPlan writes the session and its screens in one transaction so
// a failed screen insert never strands a session without its lesson plan.
func (d *DB) CreateSessionPlan(ctx context.Context, session *store.TeachingSession, screens []*store.ScreenState) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin tx")
	}
	defer tx.Rollback()

	if err := insertTeachingSession(ctx, tx, session); err != nil {
		return err
	}
	for _, screen := range screens {
		if err := insertScreenState(ctx, tx, screen); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit")
}

func (d *DB) ListTeachingSessions(ctx context.Context, find *store.FindTeachingSession) ([]*store.TeachingSession, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.LearnerID != nil {
		where, args = append(where, "learner_id = "+placeholder(len(args)+1)), append(args, *find.LearnerID)
	}
	if find.State != nil {
		where, args = append(where, "state = "+placeholder(len(args)+1)), append(args, find.State.String())
	}

	query := `SELECT id, learner_id, profile_id, profile_snapshot, state, created_ts, updated_ts
		FROM teaching_session WHERE ` + strings.Join(where, " AND ") + ` ORDER BY updated_ts DESC`
	if find.Limit > 0 {
		query += " LIMIT " + placeholder(len(args)+1)
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list teaching_sessions")
	}
	defer rows.Close()

	list := make([]*store.TeachingSession, 0)
	for rows.Next() {
		s, err := scanTeachingSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate teaching_sessions")
	}
	return list, nil
}

func (d *DB) UpdateTeachingSession(ctx context.Context, update *store.UpdateTeachingSession) (*store.TeachingSession, error) {
	set, args := []string{}, []any{}

	if update.State != nil {
		set, args = append(set, "state = "+placeholder(len(args)+1)), append(args, update.State.String())
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE teaching_session SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, learner_id, profile_id, profile_snapshot, state, created_ts, updated_ts`
	row := d.db.QueryRowContext(ctx, stmt, args...)
	s, err := scanTeachingSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("teaching_session not found")
		}
		return nil, errors.Wrap(err, "failed to update teaching_session")
	}
	return s, nil
}

func (d *DB) DeleteTeachingSession(ctx context.Context, delete *store.DeleteTeachingSession) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM interaction WHERE session_id = $1`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete interactions")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM screen_state WHERE session_id = $1`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete screen_states")
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM teaching_session WHERE id = $1`, delete.ID)
	if err != nil {
		return errors.Wrap(err, "failed to delete teaching_session")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errors.New("teaching_session not found")
	}
	return errors.Wrap(tx.Commit(), "failed to commit")
}

func (d *DB) CleanupAbandonedSessions(ctx context.Context, beforeTs int64) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM interaction WHERE session_id IN (SELECT id FROM teaching_session WHERE state = $1 AND updated_ts < $2)`,
		store.SessionAbandoned.String(), beforeTs); err != nil {
		return 0, errors.Wrap(err, "failed to delete interactions")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM screen_state WHERE session_id IN (SELECT id FROM teaching_session WHERE state = $1 AND updated_ts < $2)`,
		store.SessionAbandoned.String(), beforeTs); err != nil {
		return 0, errors.Wrap(err, "failed to delete screen_states")
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM teaching_session WHERE state = $1 AND updated_ts < $2`,
		store.SessionAbandoned.String(), beforeTs)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete sessions")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit")
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTeachingSession(row rowScanner) (*store.TeachingSession, error) {
	s := &store.TeachingSession{}
	var snapshot, state string
	if err := row.Scan(&s.ID, &s.LearnerID, &s.ProfileID, &snapshot, &state, &s.CreatedTs, &s.UpdatedTs); err != nil {
		return nil, err
	}
	s.State = store.SessionState(state)
	if err := unmarshalJSON(snapshot, &s.Snapshot); err != nil {
		return nil, err
	}
	return s, nil
}
