// Package coordinator implements the per-post experiment state
// machine of spec §4.9: lifecycle commands, detector/aggregator
// installation, routing table ownership, crash recovery, and the
// thin history/read wrappers over internal/store. It is the one
// component that touches every other subsystem, mirroring the
// teacher's job-state-field-plus-explicit-transition-methods idiom
// from internal/repository/job.go adapted to three independent,
// concurrently runnable state machines instead of one.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nhr-fau/benchmonitor/internal/aggregator"
	"github.com/nhr-fau/benchmonitor/internal/batchwriter"
	"github.com/nhr-fau/benchmonitor/internal/benchlog"
	"github.com/nhr-fau/benchmonitor/internal/clock"
	"github.com/nhr-fau/benchmonitor/internal/detector"
	"github.com/nhr-fau/benchmonitor/internal/model"
	"github.com/nhr-fau/benchmonitor/internal/registry"
	"github.com/nhr-fau/benchmonitor/internal/router"
	"github.com/nhr-fau/benchmonitor/internal/store"
)

// Sender sends a raw command frame to the bench over the transport.
// Satisfied by *transport.Client; narrowed to the one method the
// Coordinator needs so tests can supply a recording fake.
type Sender interface {
	Send(b []byte) error
}

// startRecordingCmd / stopRecordingCmd are the fixed 8-byte global
// recording commands of spec §6.
var (
	startRecordingCmd = []byte{0x00, 0x00, 0x00, 0x04, 0x00, 0x15, 0x01, 0x01}
	stopRecordingCmd  = []byte{0x00, 0x00, 0x00, 0x04, 0x00, 0x15, 0x00, 0x00}
)

// relayTrailer is the fixed per-(post index, on/off) trailer byte of
// spec §6's 20-byte relay control packet.
var relayTrailer = map[byte]map[bool]byte{
	'1': {true: 0x0E, false: 0x0F},
	'2': {true: 0x0D, false: 0x0C},
	'3': {true: 0x0C, false: 0x0D},
}

var postIndexByte = map[model.PostID]byte{
	model.PostA: '1',
	model.PostB: '2',
	model.PostC: '3',
}

// buildRelayPacket builds the fixed 20-byte relay-control packet for
// one post (spec §6).
func buildRelayPacket(post model.PostID, on bool) []byte {
	idx := postIndexByte[post]
	state := byte(0x00)
	if on {
		state = 0x01
	}
	trailer := relayTrailer[idx][on]
	return []byte{
		0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x04, 'D', 'O', '0', idx, state, trailer,
	}
}

// postContext holds everything the Coordinator owns for a single
// post. It implements router.PostSink directly.
type postContext struct {
	id model.PostID

	mu         sync.RWMutex
	state      model.ExperimentState
	experiment model.Experiment
	channels   []int

	det *detector.Detector
	agg *aggregator.Aggregator

	tickCount int64

	// countedAnomalies tallies events where model.IsCounted reports
	// true, i.e. the operator-facing anomaly count of spec §9's second
	// Open Question. Reset to 0 at the start of every experiment.
	countedAnomalies atomic.Int64
}

func (p *postContext) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == model.StateRunning
}

func (p *postContext) OnSample(s model.Sample) {
	p.mu.RLock()
	agg, det := p.agg, p.det
	p.mu.RUnlock()
	if agg == nil {
		return
	}
	agg.AddSample(s)
	if det != nil {
		det.CheckValue(s.ChannelIndex, s.Value, s.Valid, s.Timestamp)
	}
}

func (p *postContext) snapshot() (model.ExperimentState, model.Experiment) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state, p.experiment
}

// detectorSink adapts a post's anomaly output to the store and batch
// writer: every opened/closed event is persisted, and events for which
// model.IsCounted reports true are additionally tallied toward the
// post's operator-facing anomaly counter (spec §9's second Open
// Question: limit violations warn but do not count; NoData, DeltaSpike,
// QualityBad and QualityDegraded do; Restored events never count).
type detectorSink struct {
	c            *Coordinator
	postID       model.PostID
	experimentID string
}

func (d detectorSink) OnAnomalyEvent(ev model.AnomalyEvent) {
	d.c.recordAnomalyEvent(d.experimentID, d.postID, ev)
}

// AnomalyPublisher optionally fans an anomaly event out to external
// dashboards (internal/eventbus), additive to the store write that
// always happens regardless (spec §4.5).
type AnomalyPublisher interface {
	PublishAnomalyEvent(experimentID string, postID model.PostID, ev model.AnomalyEvent)
}

// Coordinator owns the three post state machines, the shared router,
// and the command-sending path to the bench.
type Coordinator struct {
	reg    *registry.Registry
	st     *store.Store
	rt     *router.Router
	bw     *batchwriter.Writer
	sender Sender
	clk    clock.Clock
	pub    AnomalyPublisher

	mu        sync.Mutex
	posts     map[model.PostID]*postContext
	recovered bool // guards the one-time crash-recovery pass
}

// SetAnomalyPublisher wires an optional external fan-out for anomaly
// events. Called once at startup; nil disables fan-out.
func (c *Coordinator) SetAnomalyPublisher(pub AnomalyPublisher) {
	c.pub = pub
}

// New wires a Coordinator over already-constructed subsystems. Each
// post's context is registered with rt immediately so the router has
// a PostSink to look up even before any post is started (Running()
// reports false until start_post).
func New(reg *registry.Registry, st *store.Store, rt *router.Router, bw *batchwriter.Writer, sender Sender, clk clock.Clock) *Coordinator {
	c := &Coordinator{
		reg:    reg,
		st:     st,
		rt:     rt,
		bw:     bw,
		sender: sender,
		clk:    clk,
		posts:  make(map[model.PostID]*postContext, 3),
	}
	for _, id := range model.Posts {
		pc := &postContext{id: id, state: model.StateIdle}
		c.posts[id] = pc
		rt.RegisterPost(id, pc)
	}
	return c
}

func errPostRunning(id model.PostID) error {
	return fmt.Errorf("coordinator: post %s is Running, routing edits are forbidden", id)
}

func (c *Coordinator) post(id model.PostID) (*postContext, error) {
	pc, ok := c.posts[id]
	if !ok {
		return nil, fmt.Errorf("coordinator: unknown post %q", id)
	}
	return pc, nil
}

// BeginMonitoring runs the one-time crash recovery pass. It is
// idempotent: subsequent calls are no-ops. The transport's own
// connect/reset sequencing happens one layer up in cmd/benchmonitor,
// since the Coordinator takes a narrowed Sender and has no reason to
// own reconnect policy.
func (c *Coordinator) BeginMonitoring(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if c.recovered {
		c.mu.Unlock()
		return nil, nil
	}
	c.recovered = true
	c.mu.Unlock()

	ids, err := c.st.RecoverCrashedExperiments(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: crash recovery: %w", err)
	}
	if len(ids) > 0 {
		benchlog.Warnf("coordinator: recovered %d experiment(s) from a prior crash: %v", len(ids), ids)
	}
	return ids, nil
}

// anyRunningExcept reports whether any post other than skip (if set)
// is currently Running. Must be called without holding any post's own
// lock.
func (c *Coordinator) anyRunningExcept(skip model.PostID) bool {
	for id, pc := range c.posts {
		if id == skip {
			continue
		}
		if pc.Running() {
			return true
		}
	}
	return false
}

// StartPost implements spec §4.9's start_post. Forbidden unless the
// post is Idle. Installs fresh detector rules (registry defaults
// overridden by UI config) and a fresh aggregator, updates the router,
// and — if this is the first post to go Running — sends the global
// start-recording command.
func (c *Coordinator) StartPost(ctx context.Context, postID model.PostID, exp model.Experiment, channelIndices []int) error {
	pc, err := c.post(postID)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	if pc.state != model.StateIdle {
		pc.mu.Unlock()
		return fmt.Errorf("coordinator: post %s is not Idle (state=%s)", postID, pc.state)
	}
	pc.mu.Unlock()

	now := c.clk.Now()
	exp.PostID = postID
	exp.State = model.StateRunning
	exp.StartTime = now
	if exp.BatchSize <= 0 {
		exp.BatchSize = 500
	}
	if exp.AggIntervalSeconds <= 0 {
		exp.AggIntervalSeconds = 20
	}
	if exp.CheckpointIntervalSec <= 0 {
		exp.CheckpointIntervalSec = 30
	}

	if err := c.st.CreateExperiment(ctx, exp); err != nil {
		return fmt.Errorf("coordinator: start post %s: %w", postID, err)
	}

	uiOverrides, err := c.st.UIChannelConfigs(ctx)
	if err != nil {
		benchlog.Warnf("coordinator: loading UI channel overrides failed, using registry defaults: %v", err)
		uiOverrides = nil
	}

	rules := make(map[int]detector.Rule, len(channelIndices))
	names := make(map[int]string, len(channelIndices))
	intervals := make(map[int]int64, len(channelIndices))
	defs := make([]model.ChannelDef, 0, len(channelIndices))
	enabled := make(map[int]bool, len(channelIndices))

	for _, idx := range channelIndices {
		def, ok := c.reg.Lookup(idx)
		if !ok {
			continue
		}
		defs = append(defs, def)
		enabled[idx] = true
		names[idx] = def.Name

		minLimit, maxLimit := def.LowerLimit, def.UpperLimit
		highPrecision := def.HighPrecision
		if ov, ok := uiOverrides[idx]; ok {
			if ov.MinLimit != nil {
				minLimit = ov.MinLimit
			}
			if ov.MaxLimit != nil {
				maxLimit = ov.MaxLimit
			}
			highPrecision = ov.HighPrecision
		}

		interval := int64(20)
		if highPrecision {
			interval = 10
		}
		intervals[idx] = interval

		rules[idx] = detector.Rule{
			Enabled:       true,
			MinLimit:      minLimit,
			MaxLimit:      maxLimit,
			Hysteresis:    defaultHysteresis(minLimit, maxLimit),
			Debounce:      3,
			NoDataTimeout: 10 * time.Second,
		}
	}

	if err := c.st.SaveChannelConfig(ctx, exp.ID, defs, enabled); err != nil {
		benchlog.Errorf("coordinator: persisting channel config for %s failed: %v", exp.ID, err)
	}
	if err := c.st.PostChannelAssignment(ctx, postID, channelIndices); err != nil {
		benchlog.Errorf("coordinator: persisting post channel assignment for %s failed: %v", postID, err)
	}

	det := detector.New(c.clk, detectorSink{c: c, postID: postID, experimentID: exp.ID})
	det.Configure(rules, names)
	agg := aggregator.New(intervals)

	pc.mu.Lock()
	pc.state = model.StateRunning
	pc.experiment = exp
	pc.channels = channelIndices
	pc.det = det
	pc.agg = agg
	pc.tickCount = 0
	pc.countedAnomalies.Store(0)
	pc.mu.Unlock()

	c.rebuildRoutes()

	wasAnyRunning := c.anyRunningExcept(postID)
	if !wasAnyRunning && c.sender != nil {
		if err := c.sender.Send(startRecordingCmd); err != nil {
			benchlog.Warnf("coordinator: sending start-recording command failed: %v", err)
		}
	}
	return nil
}

// defaultHysteresis picks a hysteresis band of 1% of the limit span,
// or a small fixed fallback when only one bound is set.
func defaultHysteresis(min, max *float64) float64 {
	if min != nil && max != nil {
		span := *max - *min
		if span > 0 {
			return span * 0.01
		}
	}
	return 0.1
}

// rebuildRoutes recomputes the full routing table from every post's
// currently assigned channels and pushes it to the Router. Spec §4.4
// requires this to happen only while no post is mid-mutation; the
// Coordinator is the sole writer of post state, so holding no lock
// across this call is safe — routes are rebuilt from a fresh snapshot
// of pc.channels under each post's own lock.
func (c *Coordinator) rebuildRoutes() {
	rt := &model.RoutingTable{}
	numChannels := c.reg.Len()
	for _, id := range model.Posts {
		pc := c.posts[id]
		pc.mu.RLock()
		channels := append([]int(nil), pc.channels...)
		running := pc.state == model.StateRunning
		pc.mu.RUnlock()

		entries := make([]model.RoutingEntry, 0, len(channels))
		for _, ch := range channels {
			entries = append(entries, model.RoutingEntry{PostID: id, Channel: ch, Selected: running})
		}
		rt.SetForPost(id, entries)
	}
	c.rt.SetRoutes(numChannels, rt)
}

// PausePost flips the post's Paused flag (spec §4.9's pause_post).
func (c *Coordinator) PausePost(ctx context.Context, postID model.PostID) error {
	pc, err := c.post(postID)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	if pc.state != model.StateRunning {
		pc.mu.Unlock()
		return fmt.Errorf("coordinator: post %s is not Running (state=%s)", postID, pc.state)
	}
	pc.state = model.StatePaused
	expID := pc.experiment.ID
	pc.mu.Unlock()

	c.rebuildRoutes()
	if err := c.st.UpdateExperimentState(ctx, expID, model.StatePaused, nil); err != nil {
		benchlog.Errorf("coordinator: persisting pause for %s failed: %v", expID, err)
	}
	return nil
}

// ResumePost clears the post's Paused flag (spec §4.9's resume_post).
func (c *Coordinator) ResumePost(ctx context.Context, postID model.PostID) error {
	pc, err := c.post(postID)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	if pc.state != model.StatePaused {
		pc.mu.Unlock()
		return fmt.Errorf("coordinator: post %s is not Paused (state=%s)", postID, pc.state)
	}
	pc.state = model.StateRunning
	expID := pc.experiment.ID
	pc.mu.Unlock()

	c.rebuildRoutes()
	if err := c.st.UpdateExperimentState(ctx, expID, model.StateRunning, nil); err != nil {
		benchlog.Errorf("coordinator: persisting resume for %s failed: %v", expID, err)
	}
	return nil
}

// StopPost implements spec §4.9's stop_post: removes the post from the
// router, flushes its aggregator unconditionally, persists every
// remaining aggregate, and finalizes the experiment. If no post
// remains Running afterward, sends the global stop-recording command.
func (c *Coordinator) StopPost(ctx context.Context, postID model.PostID) error {
	pc, err := c.post(postID)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	if pc.state != model.StateRunning && pc.state != model.StatePaused {
		st := pc.state
		pc.mu.Unlock()
		return fmt.Errorf("coordinator: post %s cannot be stopped from state %s", postID, st)
	}
	exp := pc.experiment
	agg := pc.agg
	pc.state = model.StateIdle
	pc.channels = nil
	pc.det = nil
	pc.agg = nil
	pc.mu.Unlock()

	c.rebuildRoutes()

	if agg != nil {
		final := agg.Flush(exp.ID)
		if len(final) > 0 {
			if err := c.st.InsertAggregates(ctx, final); err != nil {
				benchlog.Errorf("coordinator: persisting final aggregates for %s failed: %v", exp.ID, err)
			}
		}
	}
	c.bw.Flush()

	now := c.clk.Now()
	if err := c.st.UpdateExperimentState(ctx, exp.ID, model.StateFinalized, &now); err != nil {
		benchlog.Errorf("coordinator: finalizing experiment %s failed: %v", exp.ID, err)
	}
	if err := c.st.InsertSystemEvent(ctx, &exp.ID, "experiment_finalized", model.SeverityInfo,
		fmt.Sprintf("experiment %s on post %s finalized", exp.ID, postID), "coordinator"); err != nil {
		benchlog.Warnf("coordinator: recording finalize system event failed: %v", err)
	}

	if !c.anyRunningExcept("") && c.sender != nil {
		if err := c.sender.Send(stopRecordingCmd); err != nil {
			benchlog.Warnf("coordinator: sending stop-recording command failed: %v", err)
		}
	}
	return nil
}

// SetPostPower builds and sends the fixed 20-byte relay-control packet
// for a post (spec §4.9/§6).
func (c *Coordinator) SetPostPower(postID model.PostID, on bool) error {
	if _, err := c.post(postID); err != nil {
		return err
	}
	if c.sender == nil {
		return fmt.Errorf("coordinator: no sender configured")
	}
	return c.sender.Send(buildRelayPacket(postID, on))
}

// RunningPosts returns the ids of every post currently Running or
// Paused, for the maintenance loop's per-post sweep (spec §4.10).
func (c *Coordinator) RunningPosts() []model.PostID {
	var out []model.PostID
	for _, id := range model.Posts {
		pc := c.posts[id]
		pc.mu.RLock()
		active := pc.state == model.StateRunning || pc.state == model.StatePaused
		pc.mu.RUnlock()
		if active {
			out = append(out, id)
		}
	}
	return out
}

// SweepAggregates implements one post's share of spec §4.10's
// "every five ticks" step: drains ready aggregates, runs
// check_aggregate on each, persists the batch, then runs
// check_timeouts. Safe to call on a post that has since stopped (it
// becomes a no-op).
func (c *Coordinator) SweepAggregates(ctx context.Context, postID model.PostID, now time.Time) {
	pc, err := c.post(postID)
	if err != nil {
		return
	}
	pc.mu.RLock()
	agg, det, expID := pc.agg, pc.det, pc.experiment.ID
	pc.mu.RUnlock()
	if agg == nil || det == nil {
		return
	}

	ready := agg.Ready(expID, now)
	if len(ready) > 0 {
		for _, a := range ready {
			det.CheckAggregate(a.ChannelIndex, a)
		}
		if err := c.st.InsertAggregates(ctx, ready); err != nil {
			benchlog.Errorf("coordinator: persisting aggregates for %s failed: %v", expID, err)
		}
	}
	det.CheckTimeouts(now)
}

// Checkpoint implements one post's share of spec §4.10's "every 30
// ticks" step.
func (c *Coordinator) Checkpoint(ctx context.Context, postID model.PostID, now time.Time) {
	pc, err := c.post(postID)
	if err != nil {
		return
	}
	pc.mu.RLock()
	expID := pc.experiment.ID
	pc.mu.RUnlock()
	if expID == "" {
		return
	}

	cp := model.Checkpoint{
		ExperimentID:   expID,
		CheckpointTime: now,
		LastSampleTime: now,
	}
	if err := c.st.SaveCheckpoint(ctx, cp); err != nil {
		benchlog.Errorf("coordinator: checkpointing %s failed: %v", expID, err)
	}
	if err := c.st.WALCheckpoint(ctx); err != nil {
		benchlog.Warnf("coordinator: WAL checkpoint failed: %v", err)
	}
}

// ActiveAnomalyCount returns the number of currently open anomaly
// events for a post, for internal/telemetry's per-post gauge. Returns
// 0 for an Idle post.
func (c *Coordinator) ActiveAnomalyCount(postID model.PostID) int {
	pc, err := c.post(postID)
	if err != nil {
		return 0
	}
	pc.mu.RLock()
	det := pc.det
	pc.mu.RUnlock()
	if det == nil {
		return 0
	}
	return det.ActiveCount()
}

// CountedAnomalyCount returns the running tally of operator-facing
// anomaly occurrences for a post's current experiment (spec §9's
// second Open Question), for internal/telemetry and internal/readapi.
// Returns 0 for an Idle post or one with no counted events yet.
func (c *Coordinator) CountedAnomalyCount(postID model.PostID) int {
	pc, err := c.post(postID)
	if err != nil {
		return 0
	}
	return int(pc.countedAnomalies.Load())
}

// State returns the live state and experiment snapshot for a post.
func (c *Coordinator) State(postID model.PostID) (model.ExperimentState, model.Experiment, error) {
	pc, err := c.post(postID)
	if err != nil {
		return "", model.Experiment{}, err
	}
	state, exp := pc.snapshot()
	return state, exp, nil
}

// recordAnomalyEvent persists a detector-emitted event. Opens a new
// row for any event whose opened-at equals its implicit "just fired"
// nature; Restored kinds close the matching open row instead of
// inserting a new one, matching the detector's open/close identity
// (spec §4.5).
func (c *Coordinator) recordAnomalyEvent(experimentID string, postID model.PostID, ev model.AnomalyEvent) {
	if c.pub != nil {
		c.pub.PublishAnomalyEvent(experimentID, postID, ev)
	}
	if model.IsCounted(ev.Kind) {
		if pc, err := c.post(postID); err == nil {
			pc.countedAnomalies.Add(1)
		}
	}
	ctx := context.Background()
	closedAt := ev.OpenedAt.Format(time.RFC3339Nano)
	switch ev.Kind {
	case "":
		// A kind-less close notice from the detector: no row is
		// inserted; stored rows are closed only by Restored events.
	case model.KindDataRestored:
		if err := c.st.CloseAnomalyEvent(ctx, experimentID, ev.ChannelIndex, model.KindNoData, closedAt); err != nil {
			benchlog.Errorf("coordinator: closing anomaly event: %v", err)
		}
	case model.KindLimitsRestored:
		// Exactly one of MinViolation/MaxViolation is open when
		// LimitsRestored fires (spec §4.5's mutual-exclusion
		// invariant on active_min/active_max); closing whichever one
		// has no open row is a harmless no-op.
		if err := c.st.CloseAnomalyEvent(ctx, experimentID, ev.ChannelIndex, model.KindMinViolation, closedAt); err != nil {
			benchlog.Errorf("coordinator: closing anomaly event: %v", err)
		}
		if err := c.st.CloseAnomalyEvent(ctx, experimentID, ev.ChannelIndex, model.KindMaxViolation, closedAt); err != nil {
			benchlog.Errorf("coordinator: closing anomaly event: %v", err)
		}
	default:
		if _, err := c.st.InsertAnomalyEvent(ctx, experimentID, ev); err != nil {
			benchlog.Errorf("coordinator: inserting anomaly event: %v", err)
		}
	}
}
