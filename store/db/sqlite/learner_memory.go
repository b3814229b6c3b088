package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/courseloop/courseloop/store"
)

func (d *DB) GetLearnerMemory(ctx context.Context, learnerID string) (*store.LearnerMemory, error) {
	var data string
	err := d.db.QueryRowContext(ctx,
		`SELECT memory FROM learner_memory WHERE learner_id = ?`, learnerID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get learner_memory")
	}

	memory := &store.LearnerMemory{}
	if err := unmarshalJSON(data, memory); err != nil {
		return nil, err
	}
	// Older rows may predate the idempotency set.
	if memory.AppliedInteractions == nil {
		memory.AppliedInteractions = map[string]bool{}
	}
	if memory.Concepts == nil {
		memory.Concepts = map[string]store.ConceptMastery{}
	}
	if memory.Misconceptions == nil {
		memory.Misconceptions = map[string]store.Misconception{}
	}
	return memory, nil
}

func (d *DB) UpsertLearnerMemory(ctx context.Context, memory *store.LearnerMemory) (*store.LearnerMemory, error) {
	data, err := marshalJSON(memory)
	if err != nil {
		return nil, err
	}
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO learner_memory (learner_id, memory, updated_ts) VALUES (?, ?, ?)
		ON CONFLICT (learner_id) DO UPDATE SET memory = excluded.memory, updated_ts = excluded.updated_ts`,
		memory.LearnerID, data, memory.UpdatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to upsert learner_memory")
	}
	return memory, nil
}
