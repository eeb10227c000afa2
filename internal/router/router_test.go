package router

import (
	"testing"
	"time"

	"github.com/nhr-fau/benchmonitor/internal/model"
)

type recordingSink struct {
	running bool
	got     []model.Sample
}

func (s *recordingSink) Running() bool { return s.running }
func (s *recordingSink) OnSample(smp model.Sample) {
	s.got = append(s.got, smp)
}

func TestDispatchToSubscribedRunningPost(t *testing.T) {
	r := New(4)
	sinkA := &recordingSink{running: true}
	r.RegisterPost(model.PostA, sinkA)

	rt := &model.RoutingTable{}
	rt.SetForPost(model.PostA, []model.RoutingEntry{{PostID: model.PostA, Channel: 2, Selected: true}})
	r.SetRoutes(4, rt)

	s := model.NewSample(2, 1.23, time.Now())
	r.Dispatch(s)

	if len(sinkA.got) != 1 || sinkA.got[0].Value != 1.23 {
		t.Fatalf("expected sample delivered to post A, got %+v", sinkA.got)
	}
}

func TestDispatchSkipsNotRunningPost(t *testing.T) {
	r := New(4)
	sinkA := &recordingSink{running: false}
	r.RegisterPost(model.PostA, sinkA)

	rt := &model.RoutingTable{}
	rt.SetForPost(model.PostA, []model.RoutingEntry{{PostID: model.PostA, Channel: 0, Selected: true}})
	r.SetRoutes(4, rt)

	r.Dispatch(model.NewSample(0, 1, time.Now()))
	if len(sinkA.got) != 0 {
		t.Fatalf("paused/idle post must not receive samples, got %d", len(sinkA.got))
	}
}

func TestDispatchUnmappedChannelIsDropped(t *testing.T) {
	r := New(4)
	sinkA := &recordingSink{running: true}
	r.RegisterPost(model.PostA, sinkA)
	// No routes configured at all.
	r.Dispatch(model.NewSample(1, 1, time.Now()))
	if len(sinkA.got) != 0 {
		t.Fatalf("unmapped channel must be dropped, got %d deliveries", len(sinkA.got))
	}
}

func TestDispatchOutOfRangeChannelDoesNotPanic(t *testing.T) {
	r := New(4)
	r.Dispatch(model.NewSample(999, 1, time.Now()))
}

func TestFanOutToMultiplePosts(t *testing.T) {
	r := New(4)
	sinkA := &recordingSink{running: true}
	sinkB := &recordingSink{running: true}
	r.RegisterPost(model.PostA, sinkA)
	r.RegisterPost(model.PostB, sinkB)

	rt := &model.RoutingTable{}
	rt.SetForPost(model.PostA, []model.RoutingEntry{{PostID: model.PostA, Channel: 3, Selected: true}})
	rt.SetForPost(model.PostB, []model.RoutingEntry{{PostID: model.PostB, Channel: 3, Selected: true}})
	r.SetRoutes(4, rt)

	r.Dispatch(model.NewSample(3, 9, time.Now()))
	if len(sinkA.got) != 1 || len(sinkB.got) != 1 {
		t.Fatalf("both posts should receive the fanned-out sample, got A=%d B=%d", len(sinkA.got), len(sinkB.got))
	}
	// Mutating one recipient's copy must not affect the other.
	sinkA.got[0].Value = 0
	if sinkB.got[0].Value != 9 {
		t.Fatalf("samples must be independent copies, post B saw %v", sinkB.got[0].Value)
	}
}
