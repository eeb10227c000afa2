package readapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/nhr-fau/benchmonitor/internal/model"
	"github.com/nhr-fau/benchmonitor/internal/store"
)

type fakeSource struct {
	history   []store.ChannelHistoryPoint
	experiments []model.Experiment
	events    []model.AnomalyEvent
	ackCalls  []int64
	rt        *model.RoutingTable
}

func (f *fakeSource) ChannelHistory(ctx context.Context, filter store.HistoryFilter) ([]store.ChannelHistoryPoint, error) {
	return f.history, nil
}

func (f *fakeSource) ExperimentsForPost(ctx context.Context, post model.PostID) ([]model.Experiment, error) {
	var out []model.Experiment
	for _, e := range f.experiments {
		if e.PostID == post {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) ListExperiments(ctx context.Context, filter store.ExperimentFilter) ([]model.Experiment, error) {
	return f.experiments, nil
}

func (f *fakeSource) AnomalyEvents(ctx context.Context, experimentID string) ([]model.AnomalyEvent, error) {
	return f.events, nil
}

func (f *fakeSource) AcknowledgeAnomaly(ctx context.Context, eventID int64, user string) error {
	f.ackCalls = append(f.ackCalls, eventID)
	return nil
}

func (f *fakeSource) DataRange(ctx context.Context, experimentID string) (*string, *string, error) {
	s, e := "2026-01-01T00:00:00Z", "2026-01-01T01:00:00Z"
	return &s, &e, nil
}

func (f *fakeSource) UIChannelConfigs(ctx context.Context) (map[int]model.ChannelUIConfig, error) {
	return map[int]model.ChannelUIConfig{3: {ChannelIndex: 3, Alias: "coil_temp"}}, nil
}

func (f *fakeSource) RoutingTables(ctx context.Context) (*model.RoutingTable, error) {
	return f.rt, nil
}

func newTestRouter(src *fakeSource) *mux.Router {
	r := mux.NewRouter()
	New(src).MountRoutes(r)
	return r
}

func TestGetHistoryRequiresExperimentID(t *testing.T) {
	r := newTestRouter(&fakeSource{})
	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
}

func TestGetHistoryReturnsPoints(t *testing.T) {
	v := 12.5
	src := &fakeSource{history: []store.ChannelHistoryPoint{{Timestamp: "2026-01-01T00:00:00Z", ChannelIndex: 3, Value: &v}}}
	r := newTestRouter(src)
	req := httptest.NewRequest(http.MethodGet, "/api/history?experimentId=exp-1&channel=3", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var points []store.ChannelHistoryPoint
	if err := json.Unmarshal(rw.Body.Bytes(), &points); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(points) != 1 || *points[0].Value != 12.5 {
		t.Fatalf("unexpected points: %+v", points)
	}
}

func TestGetExperimentsForPostFiltersByPost(t *testing.T) {
	src := &fakeSource{experiments: []model.Experiment{
		{ID: "e1", PostID: model.PostA},
		{ID: "e2", PostID: model.PostB},
	}}
	r := newTestRouter(src)
	req := httptest.NewRequest(http.MethodGet, "/api/posts/B/experiments", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var experiments []model.Experiment
	if err := json.Unmarshal(rw.Body.Bytes(), &experiments); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(experiments) != 1 || experiments[0].ID != "e2" {
		t.Fatalf("unexpected experiments: %+v", experiments)
	}
}

func TestGetExperimentsForPostRejectsInvalidPost(t *testing.T) {
	r := newTestRouter(&fakeSource{})
	req := httptest.NewRequest(http.MethodGet, "/api/posts/Z/experiments", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
}

func TestAckAnomalyDefaultsUser(t *testing.T) {
	src := &fakeSource{}
	r := newTestRouter(src)
	req := httptest.NewRequest(http.MethodPost, "/api/anomalies/42/ack", strings.NewReader(""))
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	if len(src.ackCalls) != 1 || src.ackCalls[0] != 42 {
		t.Fatalf("expected ack call with id 42, got %+v", src.ackCalls)
	}
}

func TestGetRoutingTablesReturnsTable(t *testing.T) {
	rt := &model.RoutingTable{}
	rt.SetForPost(model.PostA, []model.RoutingEntry{{PostID: model.PostA, Channel: 1, Selected: true}})
	src := &fakeSource{rt: rt}
	r := newTestRouter(src)
	req := httptest.NewRequest(http.MethodGet, "/api/routing", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var got model.RoutingTable
	if err := json.Unmarshal(rw.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.A) != 1 || got.A[0].Channel != 1 {
		t.Fatalf("unexpected routing table: %+v", got)
	}
}
