// Package telemetry exposes a Prometheus /metrics endpoint over the
// acquisition pipeline's running counters: router drops, batch-writer
// dropped rows, decoder resyncs, and per-post active-anomaly gauges.
// Implemented as a single pull-model prometheus.Collector, in the
// shape of the pack's exporter collectors (metrics gathered live at
// scrape time from the underlying subsystem rather than mirrored into
// separate counter variables that could drift).
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nhr-fau/benchmonitor/internal/batchwriter"
	"github.com/nhr-fau/benchmonitor/internal/decoder"
	"github.com/nhr-fau/benchmonitor/internal/model"
	"github.com/nhr-fau/benchmonitor/internal/router"
)

// AnomalyCounter is the narrow slice of Coordinator this package
// depends on, to avoid an import of internal/coordinator and keep the
// dependency direction pointing inward.
type AnomalyCounter interface {
	ActiveAnomalyCount(post model.PostID) int
	CountedAnomalyCount(post model.PostID) int
}

// Collector gathers pipeline statistics on every scrape.
type Collector struct {
	rt  *router.Router
	bw  *batchwriter.Writer
	dec *decoder.Decoder
	ac  AnomalyCounter

	routerDropped  *prometheus.Desc
	batchDropped   *prometheus.Desc
	batchWritten   *prometheus.Desc
	decoderResyncs *prometheus.Desc
	anomalyActive  *prometheus.Desc
	anomalyCounted *prometheus.Desc
}

// New returns a Collector reading live stats from rt, bw, dec and ac.
// Any of them may be nil, in which case the corresponding metric is
// simply not emitted on that scrape.
func New(rt *router.Router, bw *batchwriter.Writer, dec *decoder.Decoder, ac AnomalyCounter) *Collector {
	return &Collector{
		rt:  rt,
		bw:  bw,
		dec: dec,
		ac:  ac,
		routerDropped: prometheus.NewDesc(
			"benchmonitor_router_dropped_samples_total",
			"Samples that reached the router but were not delivered to any post.",
			nil, nil),
		batchDropped: prometheus.NewDesc(
			"benchmonitor_batchwriter_dropped_rows_total",
			"Sample rows dropped by the batch writer on overflow or flush failure.",
			nil, nil),
		batchWritten: prometheus.NewDesc(
			"benchmonitor_batchwriter_rows_written_total",
			"Sample rows successfully persisted by the batch writer.",
			nil, nil),
		decoderResyncs: prometheus.NewDesc(
			"benchmonitor_decoder_resync_bytes_total",
			"Bytes skipped by the frame decoder while resynchronising after an integrity failure.",
			nil, nil),
		anomalyActive: prometheus.NewDesc(
			"benchmonitor_anomaly_events_active",
			"Currently open anomaly events for a post.",
			[]string{"post"}, nil),
		anomalyCounted: prometheus.NewDesc(
			"benchmonitor_anomaly_events_counted",
			"Operator-facing anomaly tally for a post's current experiment (limit violations excluded).",
			[]string{"post"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.routerDropped
	ch <- c.batchDropped
	ch <- c.batchWritten
	ch <- c.decoderResyncs
	ch <- c.anomalyActive
	ch <- c.anomalyCounted
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.rt != nil {
		ch <- prometheus.MustNewConstMetric(c.routerDropped, prometheus.CounterValue, float64(c.rt.DroppedSamples()))
	}
	if c.bw != nil {
		stats := c.bw.Stats()
		ch <- prometheus.MustNewConstMetric(c.batchDropped, prometheus.CounterValue, float64(stats.DroppedRows))
		ch <- prometheus.MustNewConstMetric(c.batchWritten, prometheus.CounterValue, float64(stats.RowsWritten))
	}
	if c.dec != nil {
		ch <- prometheus.MustNewConstMetric(c.decoderResyncs, prometheus.CounterValue, float64(c.dec.Stats().BytesSkipped))
	}
	if c.ac != nil {
		for _, post := range model.Posts {
			ch <- prometheus.MustNewConstMetric(c.anomalyActive, prometheus.GaugeValue, float64(c.ac.ActiveAnomalyCount(post)), string(post))
			ch <- prometheus.MustNewConstMetric(c.anomalyCounted, prometheus.GaugeValue, float64(c.ac.CountedAnomalyCount(post)), string(post))
		}
	}
}
