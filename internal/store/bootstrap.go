package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/nhr-fau/benchmonitor/internal/benchlog"
	"github.com/nhr-fau/benchmonitor/internal/model"
	"github.com/nhr-fau/benchmonitor/internal/registry"
)

// BackfillExperimentPostIDs implements spec §4.8's bootstrap backfill:
// experiments with a null post_id are assigned a post by, in order,
// majority of their raw channel indices' registry groups, majority of
// their stored channel_config groups, or a substring search over the
// experiment name. Ambiguity leaves post_id null.
func (s *Store) BackfillExperimentPostIDs(ctx context.Context, reg *registry.Registry) error {
	var ids []string
	if err := s.DB.SelectContext(ctx, &ids, `SELECT id FROM experiments WHERE post_id IS NULL`); err != nil {
		return err
	}

	for _, id := range ids {
		post, ok := s.inferPostFromRawSamples(ctx, id, reg)
		if !ok {
			post, ok = s.inferPostFromChannelConfig(ctx, id)
		}
		if !ok {
			post, ok = inferPostFromName(id, s.experimentName(ctx, id))
		}
		if !ok {
			continue
		}
		if _, err := s.DB.ExecContext(ctx, `UPDATE experiments SET post_id = ? WHERE id = ?`, string(post), id); err != nil {
			return err
		}
		benchlog.Infof("store: backfilled post_id=%s for experiment %s", post, id)
	}
	return nil
}

func (s *Store) experimentName(ctx context.Context, id string) string {
	var name sql.NullString
	_ = s.DB.GetContext(ctx, &name, `SELECT name FROM experiments WHERE id = ?`, id)
	return name.String
}

func groupToPost(g model.ChannelGroup) (model.PostID, bool) {
	switch g {
	case model.GroupPostA:
		return model.PostA, true
	case model.GroupPostB:
		return model.PostB, true
	case model.GroupPostC:
		return model.PostC, true
	default:
		return "", false
	}
}

// majorityPost picks the post with the strict plurality of votes;
// ties are ambiguous and return ok=false.
func majorityPost(counts map[model.PostID]int) (model.PostID, bool) {
	var best model.PostID
	bestCount := -1
	tie := false
	for p, c := range counts {
		switch {
		case c > bestCount:
			best, bestCount, tie = p, c, false
		case c == bestCount:
			tie = true
		}
	}
	if bestCount <= 0 || tie {
		return "", false
	}
	return best, true
}

func (s *Store) inferPostFromRawSamples(ctx context.Context, experimentID string, reg *registry.Registry) (model.PostID, bool) {
	var indices []int
	if err := s.DB.SelectContext(ctx, &indices,
		`SELECT DISTINCT channel_index FROM raw_samples WHERE experiment_id = ?`, experimentID); err != nil {
		return "", false
	}
	counts := map[model.PostID]int{}
	for _, idx := range indices {
		def, ok := reg.Lookup(idx)
		if !ok {
			continue
		}
		if p, ok := groupToPost(def.Group); ok {
			counts[p]++
		}
	}
	return majorityPost(counts)
}

func (s *Store) inferPostFromChannelConfig(ctx context.Context, experimentID string) (model.PostID, bool) {
	var groups []string
	if err := s.DB.SelectContext(ctx, &groups,
		`SELECT DISTINCT group_name FROM channel_config WHERE experiment_id = ?`, experimentID); err != nil {
		return "", false
	}
	counts := map[model.PostID]int{}
	for _, g := range groups {
		if p, ok := groupToPost(model.ChannelGroup(g)); ok {
			counts[p]++
		}
	}
	return majorityPost(counts)
}

func inferPostFromName(experimentID, name string) (model.PostID, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "post a") || strings.Contains(lower, "posta"):
		return model.PostA, true
	case strings.Contains(lower, "post b") || strings.Contains(lower, "postb"):
		return model.PostB, true
	case strings.Contains(lower, "post c") || strings.Contains(lower, "postc"):
		return model.PostC, true
	default:
		return "", false
	}
}
