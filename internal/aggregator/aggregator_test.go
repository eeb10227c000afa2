package aggregator

import (
	"testing"
	"time"

	"github.com/nhr-fau/benchmonitor/internal/model"
)

func TestAddSampleAndReadyBasic(t *testing.T) {
	a := New(map[int]int64{0: 20})
	base := time.Unix(1000, 0).UTC()

	a.AddSample(model.NewSample(0, 1, base))
	a.AddSample(model.NewSample(0, 3, base.Add(5*time.Second)))
	a.AddSample(model.NewSample(0, 2, base.Add(10*time.Second)))

	// Not ready yet: window end + grace hasn't elapsed.
	out := a.Ready("exp1", base.Add(15*time.Second))
	if len(out) != 0 {
		t.Fatalf("expected no ready windows yet, got %d", len(out))
	}

	windowEnd := windowStart(base, 20).Add(20 * time.Second)
	out = a.Ready("exp1", windowEnd.Add(3*time.Second))
	if len(out) != 1 {
		t.Fatalf("expected one ready window, got %d", len(out))
	}
	agg := out[0]
	if agg.SampleCount != 3 || agg.Min != 1 || agg.Max != 3 || agg.First != 1 || agg.Last != 2 {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
	if agg.Avg != 2 {
		t.Fatalf("expected avg 2, got %v", agg.Avg)
	}
	if agg.Quality != model.QualityOK {
		t.Fatalf("expected QualityOK, got %v", agg.Quality)
	}
}

func TestInvalidSamplesOnlyIncrementInvalidCount(t *testing.T) {
	a := New(map[int]int64{0: 20})
	base := time.Unix(2000, 0).UTC()

	a.AddSample(model.NewSample(0, -99, base))
	a.AddSample(model.NewSample(0, 5, base.Add(time.Second)))

	end := windowStart(base, 20).Add(20 * time.Second)
	out := a.Ready("exp1", end.Add(3*time.Second))
	if len(out) != 1 {
		t.Fatalf("expected 1 window, got %d", len(out))
	}
	agg := out[0]
	if agg.SampleCount != 1 || agg.InvalidCount != 1 || agg.TotalCount != 2 {
		t.Fatalf("unexpected counts: %+v", agg)
	}
}

func TestWindowWithZeroValidSamplesIsDiscarded(t *testing.T) {
	a := New(map[int]int64{0: 20})
	base := time.Unix(3000, 0).UTC()
	a.AddSample(model.NewSample(0, -99, base))

	end := windowStart(base, 20).Add(20 * time.Second)
	out := a.Ready("exp1", end.Add(3*time.Second))
	if len(out) != 0 {
		t.Fatalf("window with zero valid samples must be discarded silently, got %d", len(out))
	}
}

func TestQualityThresholds(t *testing.T) {
	a := New(map[int]int64{0: 20})
	base := time.Unix(4000, 0).UTC()

	// 4 valid, 6 invalid -> invalid ratio 0.6 > 0.5 -> Bad.
	for i := 0; i < 4; i++ {
		a.AddSample(model.NewSample(0, 1, base.Add(time.Duration(i)*time.Second)))
	}
	for i := 0; i < 6; i++ {
		a.AddSample(model.NewSample(0, -99, base.Add(time.Duration(i)*time.Second)))
	}
	end := windowStart(base, 20).Add(20 * time.Second)
	out := a.Ready("exp1", end.Add(3*time.Second))
	if len(out) != 1 || out[0].Quality != model.QualityBad {
		t.Fatalf("expected QualityBad, got %+v", out)
	}
}

func TestFlushReturnsAllWindowsUnconditionally(t *testing.T) {
	a := New(map[int]int64{0: 20})
	base := time.Unix(5000, 0).UTC()
	a.AddSample(model.NewSample(0, 1, base))

	out := a.Flush("exp1")
	if len(out) != 1 {
		t.Fatalf("flush should return the in-progress window, got %d", len(out))
	}
	// After Flush the state is gone.
	out2 := a.Flush("exp1")
	if len(out2) != 0 {
		t.Fatalf("second flush should be empty, got %d", len(out2))
	}
}

func TestHighPrecisionIntervalIsTenSeconds(t *testing.T) {
	a := New(map[int]int64{7: 10})
	base := time.Unix(6000, 0).UTC()
	a.AddSample(model.NewSample(7, 1, base))

	end := windowStart(base, 10).Add(10 * time.Second)
	out := a.Ready("exp1", end.Add(3*time.Second))
	if len(out) != 1 || out[0].WindowSeconds != 10 {
		t.Fatalf("expected a 10s window, got %+v", out)
	}
}
