// Package eventbus fans out health snapshots and anomaly events to
// external dashboards over NATS, additive to the TCP ingestion path
// which remains the system of record (spec §4.10.1, §4.5). Adapted
// from the teacher's pkg/nats/client.go connection-management wrapper
// (reconnect handlers, subscription bookkeeping) trimmed to the
// publish-only direction this system needs.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nhr-fau/benchmonitor/internal/benchlog"
	"github.com/nhr-fau/benchmonitor/internal/maintenance"
	"github.com/nhr-fau/benchmonitor/internal/model"
)

const (
	// SubjectHealth carries HealthMessage payloads, one per
	// maintenance-loop tick.
	SubjectHealth = "benchmonitor.health"
	// SubjectAnomaly carries AnomalyMessage payloads, one per opened
	// or closed anomaly event.
	SubjectAnomaly = "benchmonitor.anomaly"
)

// HealthMessage is the JSON payload published on SubjectHealth.
type HealthMessage struct {
	At               time.Time `json:"at"`
	TotalChannels    int       `json:"total_channels"`
	SamplesPerSecond float64   `json:"samples_per_second"`
	TransportStatus  string    `json:"transport_status"`
}

// AnomalyMessage is the JSON payload published on SubjectAnomaly.
type AnomalyMessage struct {
	ExperimentID string              `json:"experiment_id"`
	PostID       model.PostID        `json:"post_id"`
	Event        model.AnomalyEvent  `json:"event"`
}

// Client wraps a NATS connection used purely for outbound publication.
// A nil *Client is valid and every method becomes a no-op, since NATS
// fan-out is optional infrastructure (spec §C — "additive to the core
// TCP ingestion path").
type Client struct {
	conn *nats.Conn
}

// Connect dials address (empty string disables the bus entirely,
// returning a nil *Client and no error).
func Connect(address string) (*Client, error) {
	if address == "" {
		benchlog.Infof("eventbus: no NATS address configured, fan-out disabled")
		return nil, nil
	}

	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				benchlog.Warnf("eventbus: NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			benchlog.Infof("eventbus: NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			benchlog.Errorf("eventbus: NATS error: %v", err)
		}),
	}

	nc, err := nats.Connect(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect to %s: %w", address, err)
	}
	benchlog.Infof("eventbus: connected to %s", address)
	return &Client{conn: nc}, nil
}

// PublishHealth implements maintenance.HealthPublisher.
func (c *Client) PublishHealth(snapshot maintenance.HealthSnapshot) {
	c.publish(SubjectHealth, HealthMessage{
		At:               snapshot.At,
		TotalChannels:    snapshot.TotalChannels,
		SamplesPerSecond: snapshot.SamplesPerSecond,
		TransportStatus:  snapshot.TransportStatus.String(),
	})
}

// PublishAnomalyEvent implements coordinator.AnomalyPublisher.
func (c *Client) PublishAnomalyEvent(experimentID string, postID model.PostID, ev model.AnomalyEvent) {
	c.publish(SubjectAnomaly, AnomalyMessage{ExperimentID: experimentID, PostID: postID, Event: ev})
}

func (c *Client) publish(subject string, v any) {
	if c == nil || c.conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		benchlog.Errorf("eventbus: marshal for %s failed: %v", subject, err)
		return
	}
	if err := c.conn.Publish(subject, data); err != nil {
		benchlog.Warnf("eventbus: publish to %s failed: %v", subject, err)
	}
}

// Close flushes and closes the connection. Safe to call on a nil
// Client.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	if err := c.conn.Flush(); err != nil {
		benchlog.Warnf("eventbus: flush on close failed: %v", err)
	}
	c.conn.Close()
}
