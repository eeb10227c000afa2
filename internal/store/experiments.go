package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nhr-fau/benchmonitor/internal/model"
)

// CreateExperiment inserts a new experiment row with the state carried
// in e.State.
func (s *Store) CreateExperiment(ctx context.Context, e model.Experiment) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO experiments
			(id, post_id, name, operator, part, refrigerant, state, start_time,
			 batch_size, agg_interval_sec, checkpoint_interval_sec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.PostID), e.Name, e.Operator, e.Part, e.Refrigerant,
		string(e.State), e.StartTime, e.BatchSize, e.AggIntervalSeconds, e.CheckpointIntervalSec,
	)
	if err != nil {
		return fmt.Errorf("store: create experiment %s: %w", e.ID, err)
	}
	return nil
}

// UpdateExperimentState transitions an experiment's persisted state,
// stamping end_time when leaving the active lifecycle.
func (s *Store) UpdateExperimentState(ctx context.Context, id string, state model.ExperimentState, endTime *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE experiments
		SET state = ?, end_time = COALESCE(?, end_time), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		string(state), endTime, id,
	)
	if err != nil {
		return fmt.Errorf("store: update experiment state %s: %w", id, err)
	}
	return nil
}

type experimentRow struct {
	ID                    string         `db:"id"`
	PostID                string         `db:"post_id"`
	Name                  string         `db:"name"`
	Operator              sql.NullString `db:"operator"`
	Part                  sql.NullString `db:"part"`
	Refrigerant           sql.NullString `db:"refrigerant"`
	State                 string         `db:"state"`
	StartTime             time.Time      `db:"start_time"`
	EndTime               sql.NullTime   `db:"end_time"`
	BatchSize             int            `db:"batch_size"`
	AggIntervalSeconds    int            `db:"agg_interval_sec"`
	CheckpointIntervalSec int            `db:"checkpoint_interval_sec"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
	Tag                   sql.NullString `db:"tag"`
}

func (r experimentRow) toModel() model.Experiment {
	e := model.Experiment{
		ID:                    r.ID,
		PostID:                model.PostID(r.PostID),
		Name:                  r.Name,
		Operator:              r.Operator.String,
		Part:                  r.Part.String,
		Refrigerant:           r.Refrigerant.String,
		State:                 model.ExperimentState(r.State),
		StartTime:             r.StartTime,
		BatchSize:             r.BatchSize,
		AggIntervalSeconds:    r.AggIntervalSeconds,
		CheckpointIntervalSec: r.CheckpointIntervalSec,
	}
	if r.EndTime.Valid {
		e.EndTime = &r.EndTime.Time
	}
	return e
}

// GetExperiment fetches one experiment by id.
func (s *Store) GetExperiment(ctx context.Context, id string) (model.Experiment, bool, error) {
	var row experimentRow
	err := s.DB.GetContext(ctx, &row, `SELECT * FROM experiments WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return model.Experiment{}, false, nil
	}
	if err != nil {
		return model.Experiment{}, false, fmt.Errorf("store: get experiment %s: %w", id, err)
	}
	return row.toModel(), true, nil
}

// ActiveExperimentForPost finds the experiment in Running or Paused
// state for a post, used by crash recovery on startup.
func (s *Store) ActiveExperimentForPost(ctx context.Context, post model.PostID) (model.Experiment, bool, error) {
	var row experimentRow
	err := s.DB.GetContext(ctx, &row, `
		SELECT * FROM experiments
		WHERE post_id = ? AND state IN ('Running', 'Paused')
		ORDER BY start_time DESC LIMIT 1`,
		string(post),
	)
	if err == sql.ErrNoRows {
		return model.Experiment{}, false, nil
	}
	if err != nil {
		return model.Experiment{}, false, fmt.Errorf("store: active experiment for post %s: %w", post, err)
	}
	return row.toModel(), true, nil
}

// ListExperimentsForPost lists every experiment recorded for a post,
// most recent first.
func (s *Store) ListExperimentsForPost(ctx context.Context, post model.PostID) ([]model.Experiment, error) {
	var rows []experimentRow
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT * FROM experiments WHERE post_id = ? ORDER BY start_time DESC`,
		string(post),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list experiments for post %s: %w", post, err)
	}
	out := make([]model.Experiment, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}
