package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/courseloop/courseloop/store"
)

const interactionColumns = "id, session_id, screen_id, epoch, input, state, result_text, violations, created_ts, updated_ts"

func (d *DB) CreateInteraction(ctx context.Context, create *store.Interaction) (*store.Interaction, error) {
	violations, err := marshalJSON(create.Violations)
	if err != nil {
		return nil, err
	}

	args := []any{
		create.ID, create.SessionID, create.ScreenID, create.Epoch, create.Input,
		create.State.String(), create.ResultText, violations, create.CreatedTs, create.UpdatedTs,
	}
	stmt := `INSERT INTO interaction (` + interactionColumns + `) VALUES (` + placeholders(len(args)) + `)`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "failed to create interaction")
	}
	return create, nil
}

func (d *DB) ListInteractions(ctx context.Context, find *store.FindInteraction) ([]*store.Interaction, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.SessionID != nil {
		where, args = append(where, "session_id = "+placeholder(len(args)+1)), append(args, *find.SessionID)
	}
	if find.ScreenID != nil {
		where, args = append(where, "screen_id = "+placeholder(len(args)+1)), append(args, *find.ScreenID)
	}
	if find.State != nil {
		where, args = append(where, "state = "+placeholder(len(args)+1)), append(args, find.State.String())
	}

	query := `SELECT ` + interactionColumns + ` FROM interaction WHERE ` + strings.Join(where, " AND ") + ` ORDER BY epoch ASC`
	if find.Limit > 0 {
		query += " LIMIT " + placeholder(len(args)+1)
		args = append(args, find.Limit)
		if find.Offset > 0 {
			query += " OFFSET " + placeholder(len(args)+1)
			args = append(args, find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list interactions")
	}
	defer rows.Close()

	list := make([]*store.Interaction, 0)
	for rows.Next() {
		it, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate interactions")
	}
	return list, nil
}

func (d *DB) UpdateInteraction(ctx context.Context, update *store.UpdateInteraction) (*store.Interaction, error) {
	set, args, err := interactionSetClause(update)
	if err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE interaction SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING ` + interactionColumns
	row := d.db.QueryRowContext(ctx, stmt, args...)
	it, err := scanInteraction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("interaction not found")
		}
		return nil, errors.Wrap(err, "failed to update interaction")
	}
	return it, nil
}

// CommitInteraction applies the interaction's terminal state, the screen
// progress, and the learner memory in one transaction.
func (d *DB) CommitInteraction(ctx context.Context, commit *store.InteractionCommit) error {
	if commit.Interaction == nil || !commit.Interaction.State.IsTerminal() {
		return errors.New("commit requires an interaction in a terminal state")
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin tx")
	}
	defer tx.Rollback()

	violations, err := marshalJSON(commit.Interaction.Violations)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE interaction SET state = ?, result_text = ?, violations = ?, updated_ts = ? WHERE id = ?`,
		commit.Interaction.State.String(), commit.Interaction.ResultText, violations,
		commit.Interaction.UpdatedTs, commit.Interaction.ID); err != nil {
		return errors.Wrap(err, "failed to finalize interaction")
	}

	if commit.Screen != nil {
		progress, err := marshalJSON(commit.Screen.Progress)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE screen_state SET phase = ?, progress = ?, updated_ts = ? WHERE id = ?`,
			commit.Screen.Phase.String(), progress, commit.Screen.UpdatedTs, commit.Screen.ID); err != nil {
			return errors.Wrap(err, "failed to update screen progress")
		}
	}

	if commit.Memory != nil {
		memory, err := marshalJSON(commit.Memory)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO learner_memory (learner_id, memory, updated_ts) VALUES (?, ?, ?)
			ON CONFLICT (learner_id) DO UPDATE SET memory = excluded.memory, updated_ts = excluded.updated_ts`,
			commit.Memory.LearnerID, memory, commit.Memory.UpdatedTs); err != nil {
			return errors.Wrap(err, "failed to upsert learner memory")
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit interaction")
}

func interactionSetClause(update *store.UpdateInteraction) ([]string, []any, error) {
	set, args := []string{}, []any{}
	if update.State != nil {
		set, args = append(set, "state = "+placeholder(len(args)+1)), append(args, update.State.String())
	}
	if update.ResultText != nil {
		set, args = append(set, "result_text = "+placeholder(len(args)+1)), append(args, *update.ResultText)
	}
	if update.Violations != nil {
		violations, err := marshalJSON(update.Violations)
		if err != nil {
			return nil, nil, err
		}
		set, args = append(set, "violations = "+placeholder(len(args)+1)), append(args, violations)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}
	return set, args, nil
}

func scanInteraction(row rowScanner) (*store.Interaction, error) {
	it := &store.Interaction{}
	var state, violations string
	if err := row.Scan(&it.ID, &it.SessionID, &it.ScreenID, &it.Epoch, &it.Input,
		&state, &it.ResultText, &violations, &it.CreatedTs, &it.UpdatedTs); err != nil {
		return nil, err
	}
	it.State = store.InteractionState(state)
	if err := unmarshalJSON(violations, &it.Violations); err != nil {
		return nil, err
	}
	return it, nil
}
