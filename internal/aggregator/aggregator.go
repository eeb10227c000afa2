// Package aggregator implements the per-post, per-channel tumbling
// window aggregation of spec §4.6. Each channel keeps an ordered map
// of window_start to an accumulating Window; values slices are drawn
// from a sync.Pool, the teacher's pooling strategy for reducing GC
// pressure on the hot sample-ingest path (pkg/metricstore/buffer.go).
package aggregator

import (
	"math"
	"sync"
	"time"

	"github.com/nhr-fau/benchmonitor/internal/model"
)

// valuesPool recycles the float64 slices backing each Window's sample
// values. Non-standard-capacity slices (grown beyond the default) are
// simply not returned to the pool, mirroring the teacher's "only
// pool the common case" rule.
var valuesPool = sync.Pool{
	New: func() any {
		s := make([]float64, 0, defaultWindowCap)
		return &s
	},
}

const defaultWindowCap = 64

func getValues() *[]float64 {
	return valuesPool.Get().(*[]float64)
}

func putValues(v *[]float64) {
	if cap(*v) != defaultWindowCap {
		return
	}
	*v = (*v)[:0]
	valuesPool.Put(v)
}

// Window accumulates one tumbling window's worth of samples for one
// channel.
type window struct {
	start         time.Time
	intervalSec   int64
	values        *[]float64
	sum           float64
	sumOfSquares  float64
	invalidCount  int64
}

// graceBuffer is the fixed delay after a window's nominal end before
// Ready() will release it, giving in-flight/out-of-order samples a
// chance to arrive (spec §4.6).
const graceBuffer = 2 * time.Second

// Aggregator holds tumbling-window state for every channel of one
// post.
type Aggregator struct {
	mu       sync.Mutex
	windows  map[int]map[int64]*window // channel -> window_start unix seconds -> window
	interval map[int]int64             // channel -> interval_seconds
}

// New returns an empty Aggregator. intervalSeconds maps each
// configured channel index to its tumbling-window width (10s for
// high-precision channels, 20s otherwise, per spec §4.6).
func New(intervalSeconds map[int]int64) *Aggregator {
	return &Aggregator{
		windows:  make(map[int]map[int64]*window),
		interval: intervalSeconds,
	}
}

func windowStart(t time.Time, intervalSec int64) time.Time {
	ticks := t.Unix()
	floored := (ticks / intervalSec) * intervalSec
	return time.Unix(floored, 0).UTC()
}

// AddSample implements spec §4.6's add_sample. Invalid ("not a
// number") samples only increment invalid_count; valid samples are
// appended and fold into the running sum/sum-of-squares. No window is
// ever evicted here.
func (a *Aggregator) AddSample(s model.Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	intervalSec, ok := a.interval[s.ChannelIndex]
	if !ok {
		intervalSec = 20
	}

	byStart := a.windows[s.ChannelIndex]
	if byStart == nil {
		byStart = make(map[int64]*window)
		a.windows[s.ChannelIndex] = byStart
	}

	start := windowStart(s.Timestamp, intervalSec)
	key := start.Unix()
	w := byStart[key]
	if w == nil {
		w = &window{start: start, intervalSec: intervalSec, values: getValues()}
		byStart[key] = w
	}

	if !s.Valid {
		w.invalidCount++
		return
	}

	*w.values = append(*w.values, s.Value)
	w.sum += s.Value
	w.sumOfSquares += s.Value * s.Value
}

// Ready implements spec §4.6's ready(): returns and removes every
// window whose start+interval+graceBuffer has already elapsed relative
// to now. Windows with zero valid samples are discarded without being
// returned.
func (a *Aggregator) Ready(experimentID string, now time.Time) []model.AggregatedValue {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []model.AggregatedValue
	for ch, byStart := range a.windows {
		for key, w := range byStart {
			end := w.start.Add(time.Duration(w.intervalSec) * time.Second)
			if !now.After(end.Add(graceBuffer)) {
				continue
			}
			delete(byStart, key)
			if len(*w.values) == 0 {
				putValues(w.values)
				continue
			}
			out = append(out, buildAggregate(experimentID, ch, w, end))
			putValues(w.values)
		}
	}
	return out
}

// Flush implements spec §4.6's flush(): returns and removes every
// window unconditionally, used on post Stop.
func (a *Aggregator) Flush(experimentID string) []model.AggregatedValue {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []model.AggregatedValue
	for ch, byStart := range a.windows {
		for key, w := range byStart {
			end := w.start.Add(time.Duration(w.intervalSec) * time.Second)
			if len(*w.values) > 0 {
				out = append(out, buildAggregate(experimentID, ch, w, end))
			}
			putValues(w.values)
			delete(byStart, key)
		}
	}
	return out
}

func buildAggregate(experimentID string, ch int, w *window, end time.Time) model.AggregatedValue {
	values := *w.values
	count := int64(len(values))
	total := count + w.invalidCount

	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	avg := w.sum / float64(count)
	variance := w.sumOfSquares/float64(count) - avg*avg
	if variance < 0 {
		variance = 0
	}
	stddev := math.Sqrt(variance)

	var quality model.QualityFlag
	ratio := float64(w.invalidCount) / float64(total)
	switch {
	case ratio > 0.5:
		quality = model.QualityBad
	case ratio > 0.1:
		quality = model.QualityDegraded
	default:
		quality = model.QualityOK
	}

	return model.AggregatedValue{
		ExperimentID:  experimentID,
		ChannelIndex:  ch,
		WindowSeconds: w.intervalSec,
		WindowStart:   w.start,
		WindowEnd:     end,
		Min:           min,
		Max:           max,
		Avg:           avg,
		First:         values[0],
		Last:          values[count-1],
		SampleCount:   count,
		InvalidCount:  w.invalidCount,
		TotalCount:    total,
		StdDev:        &stddev,
		Quality:       quality,
	}
}
