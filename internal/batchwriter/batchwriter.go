// Package batchwriter buffers sample rows under a single lock and
// drains them to storage in batches, on the teacher's
// staging-channel-plus-periodic-flush shape (pkg/metricstore's
// WALStaging/Checkpointing goroutines) adapted to a synchronous,
// in-process buffer rather than a cross-process WAL. Deliberately
// trades durability for availability: a failed flush drops the batch
// and logs, it never blocks or panics the ingest path (spec §4.7).
package batchwriter

import (
	"context"
	"sync"
	"time"

	"github.com/nhr-fau/benchmonitor/internal/benchlog"
	"github.com/nhr-fau/benchmonitor/internal/model"
)

// Row is one pending sample row awaiting a batched write.
type Row struct {
	ExperimentID string
	Sample       model.Sample
}

// Flusher persists a batch of rows in a single transaction. Errors are
// caught, logged and the batch is dropped; it must never be retried
// indefinitely by the caller (spec §4.7).
type Flusher interface {
	FlushBatch(rows []Row) error
}

// Stats is a snapshot of the writer's running counters.
type Stats struct {
	RowsWritten    int64
	BatchesWritten int64
	DroppedRows    int64
	LastWriteAt    time.Time
	AvgWriteDur    time.Duration
}

const emaAlpha = 0.2

// Writer buffers rows and flushes them on size or interval triggers.
type Writer struct {
	flusher       Flusher
	batchSize     int
	flushInterval time.Duration
	softCap       int

	mu       sync.Mutex
	pending  []Row
	lastFlush time.Time

	stats Stats
}

// New returns a Writer with the given batch size and flush interval.
// The soft cap (beyond which new rows are dropped) is 10x batch size,
// per spec §4.7.
func New(flusher Flusher, batchSize int, flushInterval time.Duration) *Writer {
	return &Writer{
		flusher:       flusher,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		softCap:       10 * batchSize,
		lastFlush:     time.Now(),
	}
}

// Add enqueues rows under a single lock. Never blocks or errors: on
// overflow it drops the new rows and increments the dropped counter.
// Triggers a synchronous flush if the batch size is reached.
func (w *Writer) Add(experimentID string, samples []model.Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending)+len(samples) > w.softCap {
		room := w.softCap - len(w.pending)
		if room < 0 {
			room = 0
		}
		dropped := len(samples) - room
		if dropped > 0 {
			w.stats.DroppedRows += int64(dropped)
			benchlog.Warnf("batchwriter: buffer over soft cap, dropping %d rows", dropped)
			samples = samples[:room]
		}
	}

	for _, s := range samples {
		w.pending = append(w.pending, Row{ExperimentID: experimentID, Sample: s})
	}

	if len(w.pending) >= w.batchSize {
		w.flushInternalLocked()
	}
}

// Tick is called periodically (from internal/maintenance) to trigger a
// time-based flush once the flush interval has elapsed since the last
// write.
func (w *Writer) Tick(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return
	}
	if now.Sub(w.lastFlush) >= w.flushInterval {
		w.flushInternalLocked()
	}
}

// Flush forces an immediate synchronous drain, used on graceful stop.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushInternalLocked()
}

func (w *Writer) flushInternalLocked() {
	if len(w.pending) == 0 {
		w.lastFlush = time.Now()
		return
	}
	batch := w.pending
	w.pending = nil

	start := time.Now()
	err := w.flusher.FlushBatch(batch)
	dur := time.Since(start)
	w.lastFlush = start

	if err != nil {
		benchlog.Errorf("batchwriter: flush of %d rows failed, dropping batch: %v", len(batch), err)
		w.stats.DroppedRows += int64(len(batch))
		return
	}

	w.stats.RowsWritten += int64(len(batch))
	w.stats.BatchesWritten++
	w.stats.LastWriteAt = start
	if w.stats.AvgWriteDur == 0 {
		w.stats.AvgWriteDur = dur
	} else {
		w.stats.AvgWriteDur = time.Duration(float64(w.stats.AvgWriteDur)*(1-emaAlpha) + float64(dur)*emaAlpha)
	}
}

// Stats returns a snapshot of the running counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Pending returns the number of rows currently buffered.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// RunTicker starts a background goroutine calling Tick every interval
// until ctx is cancelled. Retained here as a convenience for callers
// that don't want to wire the maintenance scheduler directly (e.g.
// tests); production wiring goes through internal/maintenance instead.
func (w *Writer) RunTicker(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			w.Tick(now)
		}
	}
}
