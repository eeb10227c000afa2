package batchwriter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nhr-fau/benchmonitor/internal/model"
)

type fakeFlusher struct {
	mu      sync.Mutex
	batches [][]Row
	failNext bool
}

func (f *fakeFlusher) FlushBatch(rows []Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("boom")
	}
	cp := make([]Row, len(rows))
	copy(cp, rows)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeFlusher) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func sample(v float64) model.Sample {
	return model.NewSample(0, v, time.Now())
}

func TestFlushesOnBatchSize(t *testing.T) {
	fl := &fakeFlusher{}
	w := New(fl, 3, time.Hour)

	w.Add("exp1", []model.Sample{sample(1), sample(2)})
	if fl.batchCount() != 0 {
		t.Fatalf("should not flush below batch size")
	}
	w.Add("exp1", []model.Sample{sample(3)})
	if fl.batchCount() != 1 {
		t.Fatalf("expected one flush at batch size, got %d", fl.batchCount())
	}
}

func TestOverflowDropsRowsNeverErrors(t *testing.T) {
	fl := &fakeFlusher{}
	w := New(fl, 100, time.Hour) // soft cap = 1000

	samples := make([]model.Sample, 1500)
	for i := range samples {
		samples[i] = sample(float64(i))
	}
	w.Add("exp1", samples)

	if w.Stats().DroppedRows == 0 {
		t.Fatalf("expected dropped rows recorded on overflow")
	}
	if w.Pending() > 1000 {
		t.Fatalf("pending must never exceed soft cap, got %d", w.Pending())
	}
}

func TestFailedFlushDropsBatchAndContinues(t *testing.T) {
	fl := &fakeFlusher{failNext: true}
	w := New(fl, 2, time.Hour)

	w.Add("exp1", []model.Sample{sample(1), sample(2)})
	if w.Stats().DroppedRows != 2 {
		t.Fatalf("expected failed batch to count as dropped, got %+v", w.Stats())
	}

	// Subsequent adds must still work.
	w.Add("exp1", []model.Sample{sample(3), sample(4)})
	if w.Stats().RowsWritten != 2 {
		t.Fatalf("expected the next batch to succeed, got %+v", w.Stats())
	}
}

func TestTickFlushesOnIntervalElapsed(t *testing.T) {
	fl := &fakeFlusher{}
	w := New(fl, 1000, time.Millisecond)
	w.Add("exp1", []model.Sample{sample(1)})

	time.Sleep(5 * time.Millisecond)
	w.Tick(time.Now())

	if fl.batchCount() != 1 {
		t.Fatalf("expected interval-triggered flush, got %d batches", fl.batchCount())
	}
}

func TestExplicitFlushDrainsRegardlessOfSize(t *testing.T) {
	fl := &fakeFlusher{}
	w := New(fl, 1000, time.Hour)
	w.Add("exp1", []model.Sample{sample(1)})
	w.Flush()
	if fl.batchCount() != 1 {
		t.Fatalf("explicit flush should drain immediately, got %d batches", fl.batchCount())
	}
}

func TestStatsTrackAverageDuration(t *testing.T) {
	fl := &fakeFlusher{}
	w := New(fl, 1, time.Hour)
	w.Add("exp1", []model.Sample{sample(1)})
	w.Add("exp1", []model.Sample{sample(2)})
	if w.Stats().AvgWriteDur < 0 {
		t.Fatalf("avg write duration should be non-negative")
	}
	if w.Stats().BatchesWritten != 2 {
		t.Fatalf("expected 2 batches written, got %d", w.Stats().BatchesWritten)
	}
}
