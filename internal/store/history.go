package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/nhr-fau/benchmonitor/internal/model"
)

// HistoryFilter narrows a channel-history read. Zero values mean "no
// constraint" for that field.
type HistoryFilter struct {
	ExperimentID string
	ChannelIndex *int
	From         *string
	To           *string
	Aggregated   bool // true reads agg_samples_20s, false reads raw_samples
	Limit        uint64
}

// ChannelHistoryPoint is one row of either raw or aggregated history.
type ChannelHistoryPoint struct {
	Timestamp    string
	ChannelIndex int
	Value        *float64 // raw reads populate this
	Min          *float64
	Max          *float64
	Avg          *float64
	Quality      *model.QualityFlag
}

// ChannelHistory builds and runs a dynamic query over raw_samples or
// agg_samples_20s using squirrel, in the style of the teacher's
// BuildWhereClause/SecurityCheck query-builder pipeline
// (internal/repository/jobQuery.go) trimmed to this domain's simpler,
// unauthenticated read surface (spec §1's "no authentication").
func (s *Store) ChannelHistory(ctx context.Context, f HistoryFilter) ([]ChannelHistoryPoint, error) {
	table := "raw_samples"
	if f.Aggregated {
		table = "agg_samples_20s"
	}

	cols := []string{"timestamp", "channel_index"}
	if f.Aggregated {
		cols = append(cols, "min", "max", "avg", "quality_flag")
	} else {
		cols = append(cols, "value")
	}

	query := sq.Select(cols...).From(table).Where(sq.Eq{"experiment_id": f.ExperimentID}).OrderBy("timestamp ASC")

	if f.ChannelIndex != nil {
		query = query.Where(sq.Eq{"channel_index": *f.ChannelIndex})
	}
	if f.From != nil {
		query = query.Where(sq.GtOrEq{"timestamp": *f.From})
	}
	if f.To != nil {
		query = query.Where(sq.LtOrEq{"timestamp": *f.To})
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build history query: %w", err)
	}

	rows, err := s.DB.QueryxContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("store: run history query: %w", err)
	}
	defer rows.Close()

	var out []ChannelHistoryPoint
	for rows.Next() {
		p := ChannelHistoryPoint{}
		if f.Aggregated {
			var q int
			if err := rows.Scan(&p.Timestamp, &p.ChannelIndex, &p.Min, &p.Max, &p.Avg, &q); err != nil {
				return nil, fmt.Errorf("store: scan aggregated history row: %w", err)
			}
			qf := model.QualityFlag(q)
			p.Quality = &qf
		} else {
			if err := rows.Scan(&p.Timestamp, &p.ChannelIndex, &p.Value); err != nil {
				return nil, fmt.Errorf("store: scan raw history row: %w", err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ExperimentFilter narrows the experiment listing used by the read
// API's "experiments for post" endpoint.
type ExperimentFilter struct {
	PostID *model.PostID
	State  *model.ExperimentState
	Limit  uint64
}

// ListExperiments returns experiments matching an optional filter,
// most recent first.
func (s *Store) ListExperiments(ctx context.Context, f ExperimentFilter) ([]model.Experiment, error) {
	query := sq.Select("*").From("experiments").OrderBy("start_time DESC")
	if f.PostID != nil {
		query = query.Where(sq.Eq{"post_id": string(*f.PostID)})
	}
	if f.State != nil {
		query = query.Where(sq.Eq{"state": string(*f.State)})
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build experiment list query: %w", err)
	}

	var rows []experimentRow
	if err := s.DB.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("store: list experiments: %w", err)
	}
	out := make([]model.Experiment, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}
