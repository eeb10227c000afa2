// Package detector implements the per-post anomaly detector of spec
// §4.5: threshold rules with hysteresis and debounce, rate-of-change
// spike detection, no-data timeouts, and a typed severity/counted
// classification for every emitted event. Lock discipline mirrors the
// teacher's per-subsystem mutex idiom: check_value (router thread) and
// check_timeouts (maintenance loop) share one lock; check_aggregate
// reads no mutable per-channel state and runs unlocked.
package detector

import (
	"sync"
	"time"

	"github.com/nhr-fau/benchmonitor/internal/clock"
	"github.com/nhr-fau/benchmonitor/internal/model"
)

// Rule is the per-channel configuration supplied by the Coordinator at
// Start. A zero-value Rule with Enabled=false is ignored entirely.
type Rule struct {
	Enabled       bool
	MinLimit      *float64
	MaxLimit      *float64
	Hysteresis    float64
	Debounce      int // default 3
	MaxDelta      *float64
	NoDataTimeout time.Duration // default 10s, zero means disabled
}

func (r Rule) debounce() int {
	if r.Debounce <= 0 {
		return 3
	}
	return r.Debounce
}

type channelState struct {
	lastValue       float64
	haveLastValue   bool
	lastSeenTime    time.Time
	minStreak       int
	maxStreak       int
	activeMin       bool
	activeMax       bool
	activeNoData    bool
	minEventID      int64
	maxEventID      int64
	noDataEventID   int64
}

// EventSink receives every emitted anomaly event (open or close). The
// Coordinator wires this to the batch writer / store and the anomaly
// counter.
type EventSink interface {
	OnAnomalyEvent(ev model.AnomalyEvent)
}

// Detector holds per-channel rule and state for one post.
type Detector struct {
	clk   clock.Clock
	sink  EventSink
	names map[int]string // channel index -> display name, for event messages

	mu     sync.Mutex
	rules  map[int]Rule
	state  map[int]*channelState
	nextID int64
}

// New returns a Detector using clk for timestamps, emitting events to
// sink.
func New(clk clock.Clock, sink EventSink) *Detector {
	return &Detector{
		clk:   clk,
		sink:  sink,
		names: make(map[int]string),
		rules: make(map[int]Rule),
		state: make(map[int]*channelState),
	}
}

// Configure loads the rule set at Start. Every channel named here gets
// state initialised with last_seen_time = now, so a channel that never
// produces data can still trip NoData (spec §4.5).
func (d *Detector) Configure(rules map[int]Rule, names map[int]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clk.Now()
	d.rules = rules
	d.names = names
	d.state = make(map[int]*channelState, len(rules))
	for ch, rule := range rules {
		if !rule.Enabled {
			continue
		}
		d.state[ch] = &channelState{lastSeenTime: now}
	}
}

func (d *Detector) nameOf(ch int) string {
	if n, ok := d.names[ch]; ok {
		return n
	}
	return ""
}

// CheckValue implements spec §4.5's check_value. Called from the
// router's dispatch path.
func (d *Detector) CheckValue(ch int, v float64, valid bool, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rule, ok := d.rules[ch]
	if !ok || !rule.Enabled {
		return
	}
	st := d.state[ch]
	if st == nil {
		st = &channelState{lastSeenTime: t}
		d.state[ch] = st
	}

	if !valid {
		// Sentinel/"not a number" samples still update last_seen_time
		// (the channel is producing data, just not valid data) but are
		// excluded from limit/delta checks, which operate on real
		// values only.
		st.lastSeenTime = t
		d.closeNoDataLocked(ch, st, t)
		return
	}

	if rule.MinLimit != nil {
		d.checkMinLocked(ch, rule, st, v, t)
	}
	if rule.MaxLimit != nil {
		d.checkMaxLocked(ch, rule, st, v, t)
	}
	if rule.MaxDelta != nil && st.haveLastValue {
		delta := v - st.lastValue
		if delta < 0 {
			delta = -delta
		}
		if delta > *rule.MaxDelta {
			d.emitLocked(ch, model.KindDeltaSpike, &v, nil, &delta, t)
		}
	}

	st.lastValue = v
	st.haveLastValue = true
	st.lastSeenTime = t

	d.closeNoDataLocked(ch, st, t)
}

func (d *Detector) checkMinLocked(ch int, rule Rule, st *channelState, v float64, t time.Time) {
	min := *rule.MinLimit
	if v < min-rule.Hysteresis {
		st.minStreak++
		if st.minStreak >= rule.debounce() && !st.activeMin {
			st.activeMin = true
			st.minEventID = d.emitLocked(ch, model.KindMinViolation, &v, rule.MinLimit, nil, t)
		}
		return
	}
	if v >= min-rule.Hysteresis && st.activeMin {
		st.activeMin = false
		st.minStreak = 0
		d.closeEventLocked(st.minEventID, t)
		if !st.activeMax {
			d.emitLocked(ch, model.KindLimitsRestored, &v, nil, nil, t)
		}
		return
	}
	st.minStreak = 0
}

func (d *Detector) checkMaxLocked(ch int, rule Rule, st *channelState, v float64, t time.Time) {
	max := *rule.MaxLimit
	if v > max+rule.Hysteresis {
		st.maxStreak++
		if st.maxStreak >= rule.debounce() && !st.activeMax {
			st.activeMax = true
			st.maxEventID = d.emitLocked(ch, model.KindMaxViolation, &v, rule.MaxLimit, nil, t)
		}
		return
	}
	if v <= max+rule.Hysteresis && st.activeMax {
		st.activeMax = false
		st.maxStreak = 0
		d.closeEventLocked(st.maxEventID, t)
		if !st.activeMin {
			d.emitLocked(ch, model.KindLimitsRestored, &v, nil, nil, t)
		}
		return
	}
	st.maxStreak = 0
}

func (d *Detector) closeNoDataLocked(ch int, st *channelState, t time.Time) {
	if !st.activeNoData {
		return
	}
	st.activeNoData = false
	d.closeEventLocked(st.noDataEventID, t)
	d.emitLocked(ch, model.KindDataRestored, nil, nil, nil, t)
}

// CheckAggregate implements spec §4.5's check_aggregate. Reads no
// mutable per-channel state, so it runs without the lock.
func (d *Detector) CheckAggregate(ch int, agg model.AggregatedValue) {
	switch agg.Quality {
	case model.QualityDegraded:
		d.emit(ch, model.KindQualityDegraded, nil, nil, nil, agg.WindowEnd)
	case model.QualityBad:
		d.emit(ch, model.KindQualityBad, nil, nil, nil, agg.WindowEnd)
	}
}

// ActiveCount returns the number of currently open events across every
// channel, for internal/telemetry's per-post anomaly-active gauge.
func (d *Detector) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, st := range d.state {
		if st.activeMin {
			n++
		}
		if st.activeMax {
			n++
		}
		if st.activeNoData {
			n++
		}
	}
	return n
}

// CheckTimeouts implements spec §4.5's check_timeouts, called from the
// maintenance loop's periodic sweep.
func (d *Detector) CheckTimeouts(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for ch, rule := range d.rules {
		if !rule.Enabled || rule.NoDataTimeout <= 0 {
			continue
		}
		st := d.state[ch]
		if st == nil {
			continue
		}
		elapsed := now.Sub(st.lastSeenTime)
		if elapsed > rule.NoDataTimeout && !st.activeNoData {
			st.activeNoData = true
			st.noDataEventID = d.emitLocked(ch, model.KindNoData, nil, nil, nil, now)
		} else if elapsed <= rule.NoDataTimeout && st.activeNoData {
			st.activeNoData = false
			d.closeEventLocked(st.noDataEventID, now)
			d.emitLocked(ch, model.KindDataRestored, nil, nil, nil, now)
		}
	}
}

// Acknowledge is a no-op on the detector: it neither marks nor closes
// anything. Acknowledgement is persisted by the store layer (it owns
// event identity, see Coordinator.AcknowledgeAnomaly); Detector only
// tracks which of its own in-flight events are still open for the
// purposes of the invariant "at most one active event per (channel,
// kind)".
func (d *Detector) Acknowledge(eventID int64, user string, t time.Time) {
	// The detector keeps no per-event ledger beyond the currently-open
	// ids per channel; acknowledgement is persisted by the store
	// (internal/store), which owns AnomalyEvent rows.
	_ = eventID
	_ = user
	_ = t
}

func (d *Detector) emitLocked(ch int, kind model.AnomalyKind, value, threshold, delta *float64, t time.Time) int64 {
	d.nextID++
	id := d.nextID
	ev := model.AnomalyEvent{
		ID:           id,
		ChannelIndex: ch,
		ChannelName:  d.nameOf(ch),
		Kind:         kind,
		Severity:     model.SeverityOf(kind),
		Value:        value,
		Threshold:    threshold,
		Delta:        delta,
		OpenedAt:     t,
	}
	if d.sink != nil {
		d.sink.OnAnomalyEvent(ev)
	}
	return id
}

func (d *Detector) closeEventLocked(id int64, t time.Time) {
	if d.sink == nil || id == 0 {
		return
	}
	closed := t
	d.sink.OnAnomalyEvent(model.AnomalyEvent{ID: id, ClosedAt: &closed})
}

// emit is the unlocked counterpart used by CheckAggregate; it never
// touches channelState, only issues a fresh standalone event id.
func (d *Detector) emit(ch int, kind model.AnomalyKind, value, threshold, delta *float64, t time.Time) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.mu.Unlock()

	ev := model.AnomalyEvent{
		ID:           id,
		ChannelIndex: ch,
		ChannelName:  d.nameOf(ch),
		Kind:         kind,
		Severity:     model.SeverityOf(kind),
		Value:        value,
		Threshold:    threshold,
		Delta:        delta,
		OpenedAt:     t,
	}
	if d.sink != nil {
		d.sink.OnAnomalyEvent(ev)
	}
}
