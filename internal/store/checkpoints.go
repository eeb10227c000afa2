package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nhr-fau/benchmonitor/internal/model"
)

// SaveCheckpoint upserts the checkpoint row for an experiment, called
// from the maintenance loop's periodic checkpoint tick.
func (s *Store) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO checkpoints (experiment_id, checkpoint_time, last_sample_timestamp, last_sample_id, queue_state_json, statistics_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (experiment_id) DO UPDATE SET
			checkpoint_time = excluded.checkpoint_time,
			last_sample_timestamp = excluded.last_sample_timestamp,
			last_sample_id = excluded.last_sample_id,
			queue_state_json = excluded.queue_state_json,
			statistics_json = excluded.statistics_json`,
		cp.ExperimentID, cp.CheckpointTime, cp.LastSampleTime, cp.LastSampleID, cp.QueueStateJSON, cp.StatisticsJSON,
	)
	if err != nil {
		return fmt.Errorf("store: save checkpoint for %s: %w", cp.ExperimentID, err)
	}
	return nil
}

type checkpointRow struct {
	ExperimentID        string       `db:"experiment_id"`
	CheckpointTime      string       `db:"checkpoint_time"`
	LastSampleTimestamp sql.NullString `db:"last_sample_timestamp"`
	LastSampleID        sql.NullInt64  `db:"last_sample_id"`
	QueueStateJSON      sql.NullString `db:"queue_state_json"`
	StatisticsJSON      sql.NullString `db:"statistics_json"`
}

// LatestCheckpoint returns the most recent checkpoint for an
// experiment, if any.
func (s *Store) LatestCheckpoint(ctx context.Context, experimentID string) (model.Checkpoint, bool, error) {
	var row checkpointRow
	err := s.DB.GetContext(ctx, &row, `SELECT * FROM checkpoints WHERE experiment_id = ?`, experimentID)
	if err == sql.ErrNoRows {
		return model.Checkpoint{}, false, nil
	}
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("store: latest checkpoint for %s: %w", experimentID, err)
	}
	return model.Checkpoint{
		ExperimentID:   row.ExperimentID,
		QueueStateJSON: row.QueueStateJSON.String,
		StatisticsJSON: row.StatisticsJSON.String,
	}, true, nil
}

// WALCheckpoint issues a passive WAL checkpoint, which never blocks
// ongoing writers (spec §4.8's "must never block ongoing writes").
func (s *Store) WALCheckpoint(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE)`)
	return err
}

// RecoverCrashedExperiments atomically moves every Running/Paused
// experiment to Recovered on the first begin_monitoring after process
// start (spec §4.9's crash recovery pass). Returns the ids moved.
func (s *Store) RecoverCrashedExperiments(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.DB.SelectContext(ctx, &ids,
		`SELECT id FROM experiments WHERE state IN ('Running', 'Paused')`); err != nil {
		return nil, fmt.Errorf("store: find crashed experiments: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE experiments SET state = 'Recovered', updated_at = CURRENT_TIMESTAMP WHERE state IN ('Running', 'Paused')`); err != nil {
		return nil, fmt.Errorf("store: recover crashed experiments: %w", err)
	}
	return ids, nil
}

// InsertSystemEvent records a non-channel-specific operational event
// (e.g. "experiment finalized", "decoder resync storm").
func (s *Store) InsertSystemEvent(ctx context.Context, experimentID *string, eventType string, severity model.Severity, message, source string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO system_events (experiment_id, timestamp, event_type, severity, message, source)
		VALUES (?, CURRENT_TIMESTAMP, ?, ?, ?, ?)`,
		experimentID, eventType, severity.String(), message, source,
	)
	if err != nil {
		return fmt.Errorf("store: insert system event: %w", err)
	}
	return nil
}
