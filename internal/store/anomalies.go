package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nhr-fau/benchmonitor/internal/model"
)

// InsertAnomalyEvent persists a newly opened event and returns its
// persisted row id.
func (s *Store) InsertAnomalyEvent(ctx context.Context, experimentID string, ev model.AnomalyEvent) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO anomaly_events
			(experiment_id, timestamp, channel_index, channel_name, anomaly_type, severity, value, threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		experimentID, ev.OpenedAt, ev.ChannelIndex, ev.ChannelName, string(ev.Kind), ev.Severity.String(), ev.Value, ev.Threshold,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert anomaly event: %w", err)
	}
	return res.LastInsertId()
}

// CloseAnomalyEvent closes the most recent open event for a
// (experiment, channel, kind), matching the detector's
// open-then-close identity. The in-memory event id minted by the
// detector is not the store's row id (the detector has no visibility
// into storage), so closure is correlated by the still-open row
// instead.
func (s *Store) CloseAnomalyEvent(ctx context.Context, experimentID string, channelIndex int, kind model.AnomalyKind, closedAt string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE anomaly_events
		SET closed_at = ?, duration_sec = (julianday(?) - julianday(timestamp)) * 86400
		WHERE experiment_id = ? AND channel_index = ? AND anomaly_type = ? AND closed_at IS NULL
		ORDER BY timestamp DESC LIMIT 1`,
		closedAt, closedAt, experimentID, channelIndex, string(kind),
	)
	if err != nil {
		return fmt.Errorf("store: close anomaly event: %w", err)
	}
	return nil
}

// AcknowledgeAnomalyEvent marks an event acknowledged (spec §4.5's
// acknowledge operation).
func (s *Store) AcknowledgeAnomalyEvent(ctx context.Context, eventID int64, user string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE anomaly_events
		SET is_acknowledged = 1, acknowledged_at = CURRENT_TIMESTAMP, acknowledged_by = ?
		WHERE id = ?`,
		user, eventID,
	)
	if err != nil {
		return fmt.Errorf("store: acknowledge anomaly event %d: %w", eventID, err)
	}
	return nil
}

type anomalyEventRow struct {
	ID             int64          `db:"id"`
	Timestamp      string         `db:"timestamp"`
	ChannelIndex   int            `db:"channel_index"`
	ChannelName    string         `db:"channel_name"`
	AnomalyType    string         `db:"anomaly_type"`
	Severity       string         `db:"severity"`
	Value          sql.NullFloat64 `db:"value"`
	Threshold      sql.NullFloat64 `db:"threshold"`
	ClosedAt       sql.NullString `db:"closed_at"`
	IsAcknowledged bool           `db:"is_acknowledged"`
	AcknowledgedBy sql.NullString `db:"acknowledged_by"`
}

// ListAnomalyEvents returns every event recorded for an experiment,
// most recent first.
func (s *Store) ListAnomalyEvents(ctx context.Context, experimentID string) ([]model.AnomalyEvent, error) {
	var rows []anomalyEventRow
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT id, timestamp, channel_index, channel_name, anomaly_type, severity, value, threshold,
		       closed_at, is_acknowledged, acknowledged_by
		FROM anomaly_events WHERE experiment_id = ? ORDER BY timestamp DESC`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list anomaly events for %s: %w", experimentID, err)
	}

	out := make([]model.AnomalyEvent, len(rows))
	for i, r := range rows {
		e := model.AnomalyEvent{
			ID:             r.ID,
			ExperimentID:   experimentID,
			ChannelIndex:   r.ChannelIndex,
			ChannelName:    r.ChannelName,
			Kind:           model.AnomalyKind(r.AnomalyType),
			AcknowledgedBy: r.AcknowledgedBy.String,
		}
		if r.Value.Valid {
			v := r.Value.Float64
			e.Value = &v
		}
		if r.Threshold.Valid {
			v := r.Threshold.Float64
			e.Threshold = &v
		}
		out[i] = e
	}
	return out, nil
}
