// Package router fans a decoded sample out to every recording post
// subscribed to its channel (spec §4.4). It is the hot path: lookups
// are lock-free reads of an atomically-swapped routing table, and no
// lock is ever held across the downstream aggregator/detector calls.
package router

import (
	"sync/atomic"

	"github.com/nhr-fau/benchmonitor/internal/model"
)

// PostSink receives samples routed to one post. PostSink is implemented by
// internal/coordinator's per-post context.
type PostSink interface {
	// Running reports whether this post should currently receive
	// samples (Running and not Paused).
	Running() bool
	OnSample(s model.Sample)
}

type routingTable struct {
	// channelToPosts[channelIndex] lists the posts subscribed to that
	// channel. A slice, not a map, since channel indices are dense
	// 0..133 (internal/registry).
	channelToPosts [][]model.PostID
}

// Router dispatches samples to registered post sinks according to the
// current routing table. The Coordinator calls SetRoutes on every post
// start, pause, resume and stop, also while other posts are Running;
// because the table is swapped atomically, a concurrent Dispatch sees
// either the old or the new table in full.
type Router struct {
	table   atomic.Pointer[routingTable]
	posts   map[model.PostID]PostSink
	dropped atomic.Int64
}

// New returns a Router sized for numChannels channel indices (134 in
// the current deployment) with no routes configured.
func New(numChannels int) *Router {
	r := &Router{posts: make(map[model.PostID]PostSink, 3)}
	empty := &routingTable{channelToPosts: make([][]model.PostID, numChannels)}
	r.table.Store(empty)
	return r
}

// DroppedSamples returns the running count of samples that reached
// Dispatch but were not delivered to any post, either because the
// channel has no subscribers or every subscriber was not
// Running-and-not-Paused. Exposed for internal/telemetry.
func (r *Router) DroppedSamples() int64 {
	return r.dropped.Load()
}

// RegisterPost associates a post id with the sink that should receive
// its samples. Call once per post at startup.
func (r *Router) RegisterPost(id model.PostID, sink PostSink) {
	r.posts[id] = sink
}

// SetRoutes atomically replaces the channel→posts table from a routing
// table built by the caller (internal/coordinator). Safe to call while
// Dispatch runs on another goroutine.
func (r *Router) SetRoutes(numChannels int, rt *model.RoutingTable) {
	next := &routingTable{channelToPosts: make([][]model.PostID, numChannels)}
	for _, p := range model.Posts {
		for _, entry := range rt.ForPost(p) {
			if !entry.Selected {
				continue
			}
			if entry.Channel < 0 || entry.Channel >= numChannels {
				continue
			}
			next.channelToPosts[entry.Channel] = append(next.channelToPosts[entry.Channel], p)
		}
	}
	r.table.Store(next)
}

// Dispatch routes one sample to every subscribed, running post.
// Samples whose channel index has no subscribers are dropped silently
// (spec §4.4). The sample is copied per target so no two posts share
// mutable state.
func (r *Router) Dispatch(s model.Sample) {
	t := r.table.Load()
	if s.ChannelIndex < 0 || s.ChannelIndex >= len(t.channelToPosts) {
		r.dropped.Add(1)
		return
	}
	targets := t.channelToPosts[s.ChannelIndex]
	if len(targets) == 0 {
		r.dropped.Add(1)
		return
	}
	delivered := false
	for _, postID := range targets {
		sink, ok := r.posts[postID]
		if !ok {
			continue
		}
		if !sink.Running() {
			continue
		}
		sink.OnSample(s)
		delivered = true
	}
	if !delivered {
		r.dropped.Add(1)
	}
}
