package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/courseloop/courseloop/store"
)

const instructorProfileColumns = "id, display_name, style, tone, persona, require_verification, created_ts, updated_ts"

func (d *DB) CreateInstructorProfile(ctx context.Context, create *store.InstructorProfile) (*store.InstructorProfile, error) {
	args := []any{
		create.ID, create.DisplayName, create.Style, create.Tone, create.Persona,
		create.RequireVerification, create.CreatedTs, create.UpdatedTs,
	}
	stmt := `INSERT INTO instructor_profile (` + instructorProfileColumns + `) VALUES (` + placeholders(len(args)) + `)`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "failed to create instructor_profile")
	}
	return create, nil
}

func (d *DB) ListInstructorProfiles(ctx context.Context, find *store.FindInstructorProfile) ([]*store.InstructorProfile, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}

	query := `SELECT ` + instructorProfileColumns + ` FROM instructor_profile WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts ASC`
	if find.Limit > 0 {
		query += " LIMIT " + placeholder(len(args)+1)
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list instructor_profiles")
	}
	defer rows.Close()

	list := make([]*store.InstructorProfile, 0)
	for rows.Next() {
		p := &store.InstructorProfile{}
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Style, &p.Tone, &p.Persona,
			&p.RequireVerification, &p.CreatedTs, &p.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan instructor_profile")
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate instructor_profiles")
	}
	return list, nil
}

func (d *DB) UpdateInstructorProfile(ctx context.Context, update *store.UpdateInstructorProfile) (*store.InstructorProfile, error) {
	set, args := []string{}, []any{}

	if update.DisplayName != nil {
		set, args = append(set, "display_name = "+placeholder(len(args)+1)), append(args, *update.DisplayName)
	}
	if update.Style != nil {
		set, args = append(set, "style = "+placeholder(len(args)+1)), append(args, *update.Style)
	}
	if update.Tone != nil {
		set, args = append(set, "tone = "+placeholder(len(args)+1)), append(args, *update.Tone)
	}
	if update.Persona != nil {
		set, args = append(set, "persona = "+placeholder(len(args)+1)), append(args, *update.Persona)
	}
	if update.RequireVerification != nil {
		set, args = append(set, "require_verification = "+placeholder(len(args)+1)), append(args, *update.RequireVerification)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE instructor_profile SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING ` + instructorProfileColumns
	p := &store.InstructorProfile{}
	err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&p.ID, &p.DisplayName, &p.Style, &p.Tone,
		&p.Persona, &p.RequireVerification, &p.CreatedTs, &p.UpdatedTs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("instructor_profile not found")
		}
		return nil, errors.Wrap(err, "failed to update instructor_profile")
	}
	return p, nil
}
