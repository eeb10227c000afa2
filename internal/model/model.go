// Package model holds the data types shared across the acquisition
// pipeline: samples, channel definitions, experiments, aggregates,
// anomaly events, checkpoints and routing tables (spec §3).
package model

import "time"

// PostID identifies one of the three independent recording posts.
type PostID string

const (
	PostA PostID = "A"
	PostB PostID = "B"
	PostC PostID = "C"
)

// Posts lists all three posts in a fixed, stable order. Preferred over
// a map[string]... wherever an API would otherwise return a
// dictionary keyed by post id (spec §9, "Dictionary-returning read
// APIs").
var Posts = [3]PostID{PostA, PostB, PostC}

func (p PostID) Valid() bool {
	return p == PostA || p == PostB || p == PostC
}

// ChannelGroup classifies a channel's ownership for the purposes of
// the decoder's position→index permutation and post backfill (spec
// §4.1, §4.8).
type ChannelGroup string

const (
	GroupPostA  ChannelGroup = "PostA"
	GroupPostB  ChannelGroup = "PostB"
	GroupPostC  ChannelGroup = "PostC"
	GroupCommon ChannelGroup = "Common"
	GroupSystem ChannelGroup = "System"
)

// ChannelDef is an immutable catalogue entry for one of the 134
// channels (spec §3 "Channel definition").
type ChannelDef struct {
	Index          int
	Name           string
	Unit           string
	Group          ChannelGroup
	LowerLimit     *float64
	UpperLimit     *float64
	HighPrecision  bool
}

// SentinelThreshold is the bound at or below which a wire value is the
// invalid-reading sentinel. Samples keep the literal value and carry the
// "not a number" marking in Sample.Valid instead of a math.NaN value,
// so call sites (decoder, router, detector, aggregator) test Valid
// rather than math.IsNaN.
const SentinelThreshold = -90.0

// Sample is one decoded (channel, value, timestamp) triple (spec §3).
// Value carries the literal wire value, including the -99 sentinel,
// for legacy storage parity; Valid reports whether it should be
// treated as "not a number" by detector/aggregator logic.
type Sample struct {
	ChannelIndex int
	Value        float64
	Timestamp    time.Time
	Valid        bool
}

// NewSample builds a Sample, applying the sentinel rule: any value
// <= SentinelThreshold is flagged invalid (spec §3).
func NewSample(channelIndex int, value float64, ts time.Time) Sample {
	return Sample{
		ChannelIndex: channelIndex,
		Value:        value,
		Timestamp:    ts,
		Valid:        value > SentinelThreshold,
	}
}

// ExperimentState is the per-post lifecycle state (spec §3, §4.9).
type ExperimentState string

const (
	StateIdle      ExperimentState = "Idle"
	StateRunning   ExperimentState = "Running"
	StatePaused    ExperimentState = "Paused"
	StateStopped   ExperimentState = "Stopped"
	StateFinalized ExperimentState = "Finalized"
	StateRecovered ExperimentState = "Recovered"
)

// Experiment is one recording run on one post (spec §3 "Experiment").
type Experiment struct {
	ID                    string
	PostID                PostID
	Name                  string
	Operator              string
	Part                  string
	Refrigerant           string
	State                 ExperimentState
	StartTime             time.Time
	EndTime               *time.Time
	BatchSize             int
	AggIntervalSeconds    int
	CheckpointIntervalSec int
}

// QualityFlag classifies an aggregation window's validity (spec §3).
type QualityFlag int

const (
	QualityBad      QualityFlag = -1
	QualityDegraded QualityFlag = 0
	QualityOK       QualityFlag = 1
)

// AggregatedValue is one completed tumbling-window aggregate for one
// channel (spec §3 "Aggregated value").
type AggregatedValue struct {
	ExperimentID  string
	ChannelIndex  int
	WindowSeconds int64
	WindowStart   time.Time
	WindowEnd     time.Time
	Min           float64
	Max           float64
	Avg           float64
	First         float64
	Last          float64
	SampleCount   int64
	InvalidCount  int64
	TotalCount    int64
	StdDev        *float64
	Quality       QualityFlag
}

// AnomalyKind enumerates the detector's event kinds (spec §3, §4.5).
type AnomalyKind string

const (
	KindMinViolation     AnomalyKind = "MinViolation"
	KindMaxViolation     AnomalyKind = "MaxViolation"
	KindDeltaSpike       AnomalyKind = "DeltaSpike"
	KindNoData           AnomalyKind = "NoData"
	KindQualityDegraded  AnomalyKind = "QualityDegraded"
	KindQualityBad       AnomalyKind = "QualityBad"
	KindDataRestored     AnomalyKind = "DataRestored"
	KindLimitsRestored   AnomalyKind = "LimitsRestored"
)

// Severity is a typed replacement for the stringly-typed severities
// named in the original source (spec §9, third Open Question).
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "Info"
	case SeverityWarning:
		return "Warning"
	case SeverityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// SeverityOf is the single place that maps an anomaly kind to its
// fixed severity (spec §4.5 "Severity assignment is fixed by event
// kind").
func SeverityOf(kind AnomalyKind) Severity {
	switch kind {
	case KindMinViolation, KindMaxViolation, KindDeltaSpike, KindQualityDegraded:
		return SeverityWarning
	case KindNoData, KindQualityBad:
		return SeverityCritical
	case KindDataRestored, KindLimitsRestored:
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// IsCounted reports whether kind should increment the operator-facing
// anomaly counter. Per spec §9's second Open Question, limit
// violations are Warnings that do NOT count; only NoData, DeltaSpike,
// QualityBad and QualityDegraded do. Restored events never count.
func IsCounted(kind AnomalyKind) bool {
	switch kind {
	case KindNoData, KindDeltaSpike, KindQualityBad, KindQualityDegraded:
		return true
	default:
		return false
	}
}

// AnomalyEvent is one opened/closed anomaly occurrence (spec §3
// "Anomaly event").
type AnomalyEvent struct {
	ID             int64
	ExperimentID   string
	ChannelIndex   int
	ChannelName    string
	Kind           AnomalyKind
	Severity       Severity
	Value          *float64
	Threshold      *float64
	Delta          *float64
	Message        string
	OpenedAt       time.Time
	ClosedAt       *time.Time
	AcknowledgedAt *time.Time
	AcknowledgedBy string
}

// Active reports whether the event is still open.
func (e AnomalyEvent) Active() bool { return e.ClosedAt == nil }

// Checkpoint is a persisted coordinator progress summary (spec §3
// "Checkpoint").
type Checkpoint struct {
	ExperimentID       string
	CheckpointTime     time.Time
	LastSampleTime     time.Time
	LastSampleID       int64
	QueueStateJSON     string
	StatisticsJSON     string
}

// RoutingEntry is one (post, channel) assignment/selection pair (spec
// §3 "Routing table").
type RoutingEntry struct {
	PostID   PostID
	Channel  int
	Selected bool
}

// RoutingTable maps each post to its ordered, deduplicated channel
// list plus per-channel selection flags.
type RoutingTable struct {
	A []RoutingEntry
	B []RoutingEntry
	C []RoutingEntry
}

// ForPost returns the entries for a given post id.
func (t *RoutingTable) ForPost(p PostID) []RoutingEntry {
	switch p {
	case PostA:
		return t.A
	case PostB:
		return t.B
	case PostC:
		return t.C
	default:
		return nil
	}
}

// SetForPost replaces the entries for a given post id.
func (t *RoutingTable) SetForPost(p PostID, entries []RoutingEntry) {
	switch p {
	case PostA:
		t.A = entries
	case PostB:
		t.B = entries
	case PostC:
		t.C = entries
	}
}

// ChannelUIConfig overrides registry defaults at runtime (spec §3
// "Channel UI config").
type ChannelUIConfig struct {
	ChannelIndex  int
	MinLimit      *float64
	MaxLimit      *float64
	Alias         string
	HighPrecision bool
}
