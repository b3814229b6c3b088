package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/courseloop/courseloop/store"
)

const screenStateColumns = "id, session_id, screen_type, phase, topic, objective, concepts, prerequisites, constraints, progress, created_ts, updated_ts"

func (d *DB) CreateScreenState(ctx context.Context, create *store.ScreenState) (*store.ScreenState, error) {
	if err := insertScreenState(ctx, d.db, create); err != nil {
		return nil, err
	}
	return create, nil
}

func insertScreenState(ctx context.Context, e execer, create *store.ScreenState) error {
	concepts, err := marshalJSON(create.Concepts)
	if err != nil {
		return err
	}
	prereqs, err := marshalJSON(create.Prerequisites)
	if err != nil {
		return err
	}
	constraints, err := marshalJSON(create.Constraints)
	if err != nil {
		return err
	}
	progress, err := marshalJSON(create.Progress)
	if err != nil {
		return err
	}

	args := []any{
		create.ID, create.SessionID, string(create.Type), create.Phase.String(),
		create.Topic, create.Objective, concepts, prereqs, constraints, progress,
		create.CreatedTs, create.UpdatedTs,
	}
	stmt := `INSERT INTO screen_state (` + screenStateColumns + `) VALUES (` + placeholders(len(args)) + `)`
	if _, err := e.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to create screen_state")
	}
	return nil
}

func (d *DB) ListScreenStates(ctx context.Context, find *store.FindScreenState) ([]*store.ScreenState, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.SessionID != nil {
		where, args = append(where, "session_id = "+placeholder(len(args)+1)), append(args, *find.SessionID)
	}
	if find.Phase != nil {
		where, args = append(where, "phase = "+placeholder(len(args)+1)), append(args, find.Phase.String())
	}

	query := `SELECT ` + screenStateColumns + ` FROM screen_state WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts ASC`
	if find.Limit > 0 {
		query += " LIMIT " + placeholder(len(args)+1)
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list screen_states")
	}
	defer rows.Close()

	list := make([]*store.ScreenState, 0)
	for rows.Next() {
		s, err := scanScreenState(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate screen_states")
	}
	return list, nil
}

func (d *DB) UpdateScreenState(ctx context.Context, update *store.UpdateScreenState) (*store.ScreenState, error) {
	set, args, err := screenStateSetClause(update)
	if err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE screen_state SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING ` + screenStateColumns
	row := d.db.QueryRowContext(ctx, stmt, args...)
	s, err := scanScreenState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("screen_state not found")
		}
		return nil, errors.Wrap(err, "failed to update screen_state")
	}
	return s, nil
}

func screenStateSetClause(update *store.UpdateScreenState) ([]string, []any, error) {
	set, args := []string{}, []any{}
	if update.Phase != nil {
		set, args = append(set, "phase = "+placeholder(len(args)+1)), append(args, update.Phase.String())
	}
	if update.Progress != nil {
		progress, err := marshalJSON(update.Progress)
		if err != nil {
			return nil, nil, err
		}
		set, args = append(set, "progress = "+placeholder(len(args)+1)), append(args, progress)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}
	return set, args, nil
}

func scanScreenState(row rowScanner) (*store.ScreenState, error) {
	s := &store.ScreenState{}
	var screenType, phase, concepts, prereqs, constraints, progress string
	if err := row.Scan(&s.ID, &s.SessionID, &screenType, &phase, &s.Topic, &s.Objective,
		&concepts, &prereqs, &constraints, &progress, &s.CreatedTs, &s.UpdatedTs); err != nil {
		return nil, err
	}
	s.Type = store.ScreenType(screenType)
	s.Phase = store.ScreenPhase(phase)
	if err := unmarshalJSON(concepts, &s.Concepts); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(prereqs, &s.Prerequisites); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(constraints, &s.Constraints); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(progress, &s.Progress); err != nil {
		return nil, err
	}
	return s, nil
}
