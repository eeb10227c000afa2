package coordinator

import (
	"context"

	"github.com/nhr-fau/benchmonitor/internal/model"
	"github.com/nhr-fau/benchmonitor/internal/store"
)

// ChannelHistory wraps store.ChannelHistory (spec §4.9's "channel
// history per experiment and cross-experiment").
func (c *Coordinator) ChannelHistory(ctx context.Context, f store.HistoryFilter) ([]store.ChannelHistoryPoint, error) {
	return c.st.ChannelHistory(ctx, f)
}

// ExperimentsForPost wraps store.ListExperimentsForPost (spec §4.9's
// "experiment list per post with optional filters").
func (c *Coordinator) ExperimentsForPost(ctx context.Context, post model.PostID) ([]model.Experiment, error) {
	return c.st.ListExperimentsForPost(ctx, post)
}

// ListExperiments wraps store.ListExperiments with a general filter.
func (c *Coordinator) ListExperiments(ctx context.Context, f store.ExperimentFilter) ([]model.Experiment, error) {
	return c.st.ListExperiments(ctx, f)
}

// AnomalyEvents wraps store.ListAnomalyEvents (spec §4.9's "event list
// per experiment").
func (c *Coordinator) AnomalyEvents(ctx context.Context, experimentID string) ([]model.AnomalyEvent, error) {
	return c.st.ListAnomalyEvents(ctx, experimentID)
}

// AcknowledgeAnomaly acknowledges a persisted event by id.
func (c *Coordinator) AcknowledgeAnomaly(ctx context.Context, eventID int64, user string) error {
	return c.st.AcknowledgeAnomalyEvent(ctx, eventID, user)
}

// DataRange wraps store.DataRange (spec §4.9's "data range per
// experiment").
func (c *Coordinator) DataRange(ctx context.Context, experimentID string) (start, end *string, err error) {
	return c.st.DataRange(ctx, experimentID)
}

// UIChannelConfigs wraps store.UIChannelConfigs.
func (c *Coordinator) UIChannelConfigs(ctx context.Context) (map[int]model.ChannelUIConfig, error) {
	return c.st.UIChannelConfigs(ctx)
}

// SetUIChannelConfig wraps store.UpsertUIChannelConfig. Changes take
// effect on the next start_post call, since rules are snapshotted at
// Start (spec §4.9's configure()-style "next monitoring cycle"
// semantics).
func (c *Coordinator) SetUIChannelConfig(ctx context.Context, cfg model.ChannelUIConfig) error {
	return c.st.UpsertUIChannelConfig(ctx, cfg)
}

// RoutingTables returns the currently assigned and selected channels
// for every post, read back from the store rather than in-memory
// Coordinator state so that the result matches what survives a
// restart (spec §4.9's "routing tables" read operation).
func (c *Coordinator) RoutingTables(ctx context.Context) (*model.RoutingTable, error) {
	rt := &model.RoutingTable{}
	for _, id := range model.Posts {
		assigned, err := c.st.PostChannelAssignments(ctx, id)
		if err != nil {
			return nil, err
		}
		selection, err := c.st.PostChannelSelection(ctx, id)
		if err != nil {
			return nil, err
		}
		entries := make([]model.RoutingEntry, 0, len(assigned))
		for _, ch := range assigned {
			entries = append(entries, model.RoutingEntry{PostID: id, Channel: ch, Selected: selection[ch]})
		}
		rt.SetForPost(id, entries)
	}
	return rt, nil
}

// SetChannelSelection updates whether an assigned channel is actively
// selected for recording (spec §3's "Routing table" selection flag).
// Forbidden while any post is Running (spec §3's routing-table editing
// rule); the error names the first Running post found.
func (c *Coordinator) SetChannelSelection(ctx context.Context, post model.PostID, channel int, selected bool) error {
	if _, err := c.post(post); err != nil {
		return err
	}
	for _, id := range model.Posts {
		if c.posts[id].Running() {
			return errPostRunning(id)
		}
	}
	return c.st.SetPostChannelSelection(ctx, post, channel, selected)
}
