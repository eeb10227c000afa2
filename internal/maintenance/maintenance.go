// Package maintenance drives the single cooperative maintenance loop
// of spec §4.10 using a gocron scheduler, in the idiom of the
// teacher's internal/taskmanager package (Register*Service functions
// wiring named jobs onto one gocron.Scheduler, Start/Shutdown
// lifecycle) adapted from package-level globals to one instance per
// process, since this system has a single Coordinator rather than
// cc-backend's process-wide job repository.
package maintenance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/nhr-fau/benchmonitor/internal/batchwriter"
	"github.com/nhr-fau/benchmonitor/internal/benchlog"
	"github.com/nhr-fau/benchmonitor/internal/clock"
	"github.com/nhr-fau/benchmonitor/internal/coordinator"
	"github.com/nhr-fau/benchmonitor/internal/transport"
)

const (
	sweepEveryTicks      = 5
	checkpointEveryTicks = 30
	shutdownFlushCap     = 5 * time.Second
)

// HealthPublisher receives the once-a-second health snapshot (spec
// §4.10 step 1). Implemented by internal/eventbus's Client and wired in
// by the caller; nil is permitted and simply skips publication.
type HealthPublisher interface {
	PublishHealth(snapshot HealthSnapshot)
}

// HealthSnapshot is the payload published once per second.
type HealthSnapshot struct {
	At                time.Time
	TotalChannels     int
	SamplesPerSecond  float64
	TransportStatus   transport.Status
}

// Loop owns the gocron scheduler driving the health tick, the 5-tick
// aggregate/timeout sweep, and the 30-tick checkpoint.
type Loop struct {
	coord   *coordinator.Coordinator
	bw      *batchwriter.Writer
	tr      *transport.Client
	clk     clock.Clock
	health  HealthPublisher
	numChan int

	sampleCounter atomic.Int64

	sched gocron.Scheduler
	ticks int64
}

// New returns a Loop ready to Start. numChannels feeds the health
// snapshot's "total channels" field (spec §4.10 step 1).
func New(coord *coordinator.Coordinator, bw *batchwriter.Writer, tr *transport.Client, clk clock.Clock, health HealthPublisher, numChannels int) *Loop {
	return &Loop{
		coord:   coord,
		bw:      bw,
		tr:      tr,
		clk:     clk,
		health:  health,
		numChan: numChannels,
	}
}

// ObserveSample increments the per-second sample counter. Called from
// the transport's read-loop goroutine once per decoded sample, while
// tick() reads and resets the same counter on gocron's goroutine; the
// atomic keeps that cross-goroutine access race-free.
func (l *Loop) ObserveSample() {
	l.sampleCounter.Add(1)
}

// Start builds and schedules the once-per-second job and begins
// running it. Returns once the scheduler has been created; the tick
// itself runs on gocron's own goroutine until Shutdown stops the
// scheduler. ctx is handed to every tick's coordinator calls.
func (l *Loop) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	l.sched = sched

	sched.NewJob(
		gocron.DurationJob(time.Second),
		gocron.NewTask(func() { l.tick(ctx) }),
	)

	sched.Start()
	benchlog.Infof("maintenance: loop started (sweep every %d ticks, checkpoint every %d ticks)", sweepEveryTicks, checkpointEveryTicks)
	return nil
}

func (l *Loop) tick(ctx context.Context) {
	l.ticks++
	now := l.clk.Now()

	l.bw.Tick(now)

	n := l.sampleCounter.Swap(0)
	if l.health != nil {
		l.health.PublishHealth(HealthSnapshot{
			At:               now,
			TotalChannels:    l.numChan,
			SamplesPerSecond: float64(n),
			TransportStatus:  l.tr.Status(),
		})
	}

	if l.ticks%sweepEveryTicks == 0 {
		for _, post := range l.coord.RunningPosts() {
			l.coord.SweepAggregates(ctx, post, now)
		}
	}

	if l.ticks%checkpointEveryTicks == 0 {
		for _, post := range l.coord.RunningPosts() {
			l.coord.Checkpoint(ctx, post, now)
		}
	}
}

// Shutdown implements spec §5's graceful shutdown sequencing: cancel
// maintenance, disconnect transport, flush the batch writer with a
// bounded wait, dispose the store is the caller's responsibility
// (cmd/benchmonitor owns the store handle).
func (l *Loop) Shutdown() {
	if l.sched != nil {
		l.sched.Shutdown()
	}
	l.tr.Disconnect()

	done := make(chan struct{})
	go func() {
		l.bw.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownFlushCap):
		benchlog.Warnf("maintenance: batch writer flush exceeded %s cap on shutdown", shutdownFlushCap)
	}
}
