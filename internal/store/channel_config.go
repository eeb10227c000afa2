package store

import (
	"context"
	"fmt"

	"github.com/nhr-fau/benchmonitor/internal/model"
)

// SaveChannelConfig persists the channel configuration snapshot for an
// experiment at Start.
func (s *Store) SaveChannelConfig(ctx context.Context, experimentID string, channels []model.ChannelDef, enabled map[int]bool) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save channel config: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO channel_config
			(experiment_id, channel_index, name, group_name, type, min_limit, max_limit, enabled, high_precision, agg_interval_sec)
		VALUES (?, ?, ?, ?, 'analog', ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: save channel config: prepare: %w", err)
	}
	defer stmt.Close()

	for _, ch := range channels {
		interval := 20
		if ch.HighPrecision {
			interval = 10
		}
		en := enabled == nil || enabled[ch.Index]
		if _, err := stmt.ExecContext(ctx, experimentID, ch.Index, ch.Name, string(ch.Group),
			ch.LowerLimit, ch.UpperLimit, en, ch.HighPrecision, interval); err != nil {
			return fmt.Errorf("store: save channel config for %s channel %d: %w", experimentID, ch.Index, err)
		}
	}
	return tx.Commit()
}

// PostChannelAssignment replaces the set of channel indices assigned
// to a post.
func (s *Store) PostChannelAssignment(ctx context.Context, post model.PostID, channels []int) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM post_channel_assignment WHERE post_id = ?`, string(post)); err != nil {
		return err
	}
	for _, ch := range channels {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO post_channel_assignment (post_id, channel_index) VALUES (?, ?)`,
			string(post), ch); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PostChannelAssignments returns the channel indices currently
// assigned to a post.
func (s *Store) PostChannelAssignments(ctx context.Context, post model.PostID) ([]int, error) {
	var out []int
	err := s.DB.SelectContext(ctx, &out,
		`SELECT channel_index FROM post_channel_assignment WHERE post_id = ? ORDER BY channel_index`,
		string(post))
	return out, err
}

// SetPostChannelSelection records which assigned channels are actively
// selected for recording.
func (s *Store) SetPostChannelSelection(ctx context.Context, post model.PostID, channel int, selected bool) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO post_channel_selection (post_id, channel_index, is_selected, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (post_id, channel_index) DO UPDATE SET
			is_selected = excluded.is_selected, updated_at = excluded.updated_at`,
		string(post), channel, selected)
	return err
}

// PostChannelSelection returns the selection flags for every channel
// assigned to a post; channels with no explicit selection row default
// to selected.
func (s *Store) PostChannelSelection(ctx context.Context, post model.PostID) (map[int]bool, error) {
	assigned, err := s.PostChannelAssignments(ctx, post)
	if err != nil {
		return nil, err
	}
	out := make(map[int]bool, len(assigned))
	for _, ch := range assigned {
		out[ch] = true
	}

	type row struct {
		ChannelIndex int  `db:"channel_index"`
		IsSelected   bool `db:"is_selected"`
	}
	var rows []row
	if err := s.DB.SelectContext(ctx, &rows,
		`SELECT channel_index, is_selected FROM post_channel_selection WHERE post_id = ?`,
		string(post)); err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.ChannelIndex] = r.IsSelected
	}
	return out, nil
}

// UpsertUIChannelConfig stores a runtime override of registry defaults
// for one channel.
func (s *Store) UpsertUIChannelConfig(ctx context.Context, cfg model.ChannelUIConfig) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO ui_channel_config (channel_index, min_limit, max_limit, alias, high_precision, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (channel_index) DO UPDATE SET
			min_limit = excluded.min_limit, max_limit = excluded.max_limit,
			alias = excluded.alias, high_precision = excluded.high_precision,
			updated_at = excluded.updated_at`,
		cfg.ChannelIndex, cfg.MinLimit, cfg.MaxLimit, cfg.Alias, cfg.HighPrecision)
	return err
}

// UIChannelConfigs returns every stored UI override, keyed by channel
// index.
func (s *Store) UIChannelConfigs(ctx context.Context) (map[int]model.ChannelUIConfig, error) {
	type row struct {
		ChannelIndex  int     `db:"channel_index"`
		MinLimit      *float64 `db:"min_limit"`
		MaxLimit      *float64 `db:"max_limit"`
		Alias         string  `db:"alias"`
		HighPrecision bool    `db:"high_precision"`
	}
	var rows []row
	if err := s.DB.SelectContext(ctx, &rows, `SELECT channel_index, min_limit, max_limit, alias, high_precision FROM ui_channel_config`); err != nil {
		return nil, err
	}
	out := make(map[int]model.ChannelUIConfig, len(rows))
	for _, r := range rows {
		out[r.ChannelIndex] = model.ChannelUIConfig{
			ChannelIndex:  r.ChannelIndex,
			MinLimit:      r.MinLimit,
			MaxLimit:      r.MaxLimit,
			Alias:         r.Alias,
			HighPrecision: r.HighPrecision,
		}
	}
	return out, nil
}
