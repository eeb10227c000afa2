package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nhr-fau/benchmonitor/internal/batchwriter"
	"github.com/nhr-fau/benchmonitor/internal/decoder"
	"github.com/nhr-fau/benchmonitor/internal/model"
	"github.com/nhr-fau/benchmonitor/internal/registry"
	"github.com/nhr-fau/benchmonitor/internal/router"
)

type fakeFlusher struct{}

func (fakeFlusher) FlushBatch(rows []batchwriter.Row) error { return nil }

type fakeAnomalyCounter struct{}

func (fakeAnomalyCounter) ActiveAnomalyCount(post model.PostID) int {
	if post == model.PostB {
		return 2
	}
	return 0
}

func (fakeAnomalyCounter) CountedAnomalyCount(post model.PostID) int {
	if post == model.PostB {
		return 5
	}
	return 0
}

func TestCollectorGathersAllMetrics(t *testing.T) {
	reg, err := registry.Load()
	if err != nil {
		t.Fatalf("registry load: %v", err)
	}
	rt := router.New(reg.Len())
	bw := batchwriter.New(fakeFlusher{}, 10, 0)
	dec := decoder.New(reg)

	c := New(rt, bw, dec, fakeAnomalyCounter{})

	reg2 := prometheus.NewRegistry()
	if err := reg2.Register(c); err != nil {
		t.Fatalf("register collector: %v", err)
	}

	families, err := reg2.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
		if f.GetName() == "benchmonitor_anomaly_events_active" {
			var sawB bool
			for _, m := range f.Metric {
				for _, lp := range m.Label {
					if lp.GetName() == "post" && lp.GetValue() == "B" {
						sawB = true
						if m.Gauge.GetValue() != 2 {
							t.Fatalf("expected post B active count 2, got %v", m.Gauge.GetValue())
						}
					}
				}
			}
			if !sawB {
				t.Fatalf("expected a metric labeled post=B")
			}
		}
	}

	for _, name := range []string{
		"benchmonitor_router_dropped_samples_total",
		"benchmonitor_batchwriter_dropped_rows_total",
		"benchmonitor_batchwriter_rows_written_total",
		"benchmonitor_decoder_resync_bytes_total",
		"benchmonitor_anomaly_events_active",
		"benchmonitor_anomaly_events_counted",
	} {
		if !found[name] {
			t.Fatalf("expected metric family %s to be collected", name)
		}
	}
}
