package postgres

import (
	"context"
	"database/sql"
	"time"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/courseloop/courseloop/internal/profile"
	"github.com/courseloop/courseloop/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL connection for the given profile.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil {
		return nil, errors.New("profile is nil")
	}

	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database: %s", profile.DSN)
	}

	// Small pool: each session serializes its own writes anyway.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(2 * time.Hour)
	db.SetConnMaxIdleTime(15 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping database")
	}

	return &DB{db: db, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

const latestSchema = `
CREATE TABLE IF NOT EXISTS teaching_session (
	id TEXT PRIMARY KEY,
	learner_id TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	profile_snapshot JSONB NOT NULL,
	state TEXT NOT NULL,
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_learner ON teaching_session (learner_id);

CREATE TABLE IF NOT EXISTS screen_state (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	screen_type TEXT NOT NULL,
	phase TEXT NOT NULL,
	topic TEXT NOT NULL DEFAULT '',
	objective TEXT NOT NULL DEFAULT '',
	concepts JSONB NOT NULL DEFAULT '[]',
	prerequisites JSONB NOT NULL DEFAULT '[]',
	constraints JSONB NOT NULL DEFAULT '{}',
	progress JSONB NOT NULL DEFAULT '{}',
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_screen_session ON screen_state (session_id);

CREATE TABLE IF NOT EXISTS interaction (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	screen_id TEXT NOT NULL,
	epoch BIGINT NOT NULL,
	input TEXT NOT NULL,
	state TEXT NOT NULL,
	result_text TEXT NOT NULL DEFAULT '',
	violations JSONB NOT NULL DEFAULT '[]',
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interaction_session ON interaction (session_id);

CREATE TABLE IF NOT EXISTS learner_memory (
	learner_id TEXT PRIMARY KEY,
	memory JSONB NOT NULL,
	updated_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS instructor_profile (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	style TEXT NOT NULL,
	tone TEXT NOT NULL,
	persona TEXT NOT NULL,
	require_verification BOOLEAN NOT NULL DEFAULT FALSE,
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS interaction_cost (
	id BIGSERIAL PRIMARY KEY,
	interaction_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	prompt_chars INTEGER NOT NULL,
	response_chars INTEGER NOT NULL,
	generations INTEGER NOT NULL,
	estimated_cost DOUBLE PRECISION NOT NULL,
	latency_ms BIGINT NOT NULL,
	created_ts BIGINT NOT NULL
);
`

// Migrate creates the schema when missing.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, latestSchema); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}
