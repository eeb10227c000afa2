// Package readapi exposes a read-only HTTP surface over the
// Coordinator's history operations (spec §4.9): channel history,
// experiment listings, anomaly events, data ranges, UI channel
// configuration and the current routing tables. There are
// deliberately no write endpoints here beyond anomaly acknowledgement
// (which mutates no experiment or routing state) — lifecycle commands
// (start/pause/stop/power) stay on the operator control path, not this
// surface, and no HTML/chart rendering is served.
//
// Wiring follows the teacher's cmd/cc-backend/server.go: a gorilla/mux
// router with gorilla/handlers middleware for compression, panic
// recovery and CORS, and JSON-only responses shaped like its
// internal/api/rest.go handlers.
package readapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/nhr-fau/benchmonitor/internal/benchlog"
	"github.com/nhr-fau/benchmonitor/internal/model"
	"github.com/nhr-fau/benchmonitor/internal/store"
)

// Source is the narrow slice of *coordinator.Coordinator this package
// depends on, so it never imports internal/coordinator directly and
// the dependency keeps pointing inward.
type Source interface {
	ChannelHistory(ctx context.Context, f store.HistoryFilter) ([]store.ChannelHistoryPoint, error)
	ExperimentsForPost(ctx context.Context, post model.PostID) ([]model.Experiment, error)
	ListExperiments(ctx context.Context, f store.ExperimentFilter) ([]model.Experiment, error)
	AnomalyEvents(ctx context.Context, experimentID string) ([]model.AnomalyEvent, error)
	AcknowledgeAnomaly(ctx context.Context, eventID int64, user string) error
	DataRange(ctx context.Context, experimentID string) (start, end *string, err error)
	UIChannelConfigs(ctx context.Context) (map[int]model.ChannelUIConfig, error)
	RoutingTables(ctx context.Context) (*model.RoutingTable, error)
}

// ErrorResponse mirrors the teacher's internal/api.ErrorResponse JSON
// error shape.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func handleError(err error, statusCode int, rw http.ResponseWriter) {
	benchlog.Warnf("READAPI ERROR : %s", err.Error())
	rw.Header().Add("Content-Type", "application/json")
	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(ErrorResponse{
		Status: http.StatusText(statusCode),
		Error:  err.Error(),
	})
}

func writeJSON(rw http.ResponseWriter, v interface{}) {
	rw.Header().Add("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(v)
}

// Api mounts the read-only routes against a Source.
type Api struct {
	src Source
}

// New returns an Api reading from src.
func New(src Source) *Api {
	return &Api{src: src}
}

// MountRoutes registers every route under r's "/api" subrouter, in the
// style of the teacher's RestApi.MountRoutes.
func (a *Api) MountRoutes(r *mux.Router) {
	r = r.PathPrefix("/api").Subrouter()
	r.StrictSlash(true)

	r.HandleFunc("/history", a.getHistory).Methods(http.MethodGet)
	r.HandleFunc("/experiments", a.getExperiments).Methods(http.MethodGet)
	r.HandleFunc("/posts/{post}/experiments", a.getExperimentsForPost).Methods(http.MethodGet)
	r.HandleFunc("/experiments/{id}/anomalies", a.getAnomalyEvents).Methods(http.MethodGet)
	r.HandleFunc("/experiments/{id}/range", a.getDataRange).Methods(http.MethodGet)
	r.HandleFunc("/anomalies/{id}/ack", a.ackAnomaly).Methods(http.MethodPost, http.MethodPatch)
	r.HandleFunc("/channels/ui-config", a.getUIChannelConfigs).Methods(http.MethodGet)
	r.HandleFunc("/routing", a.getRoutingTables).Methods(http.MethodGet)
}

// NewRouter builds a standalone mux.Router with the teacher's
// compression/recovery/CORS middleware stack already applied, for
// callers that don't need to share a router with anything else.
func NewRouter(src Source) *mux.Router {
	r := mux.NewRouter()
	New(src).MountRoutes(r)
	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	r.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PATCH", "OPTIONS"}),
		handlers.AllowedOrigins([]string{"*"})))
	return r
}

// NewServer wraps r's handler with request logging, the way the
// teacher wires handlers.CustomLoggingHandler around its mux.Router in
// serverStart.
func NewServer(addr string, r *mux.Router) *http.Server {
	logged := handlers.CustomLoggingHandler(io.Discard, r, func(_ io.Writer, params handlers.LogFormatterParams) {
		benchlog.Debugf("%s %s (%d, %.02fkb, %dms)",
			params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, float32(params.Size)/1024,
			time.Since(params.TimeStamp).Milliseconds())
	})
	return &http.Server{
		Addr:         addr,
		Handler:      logged,
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 20 * time.Second,
	}
}

func (a *Api) getHistory(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	experimentID := q.Get("experimentId")
	if experimentID == "" {
		handleError(errMissingParam("experimentId"), http.StatusBadRequest, rw)
		return
	}
	f := store.HistoryFilter{ExperimentID: experimentID}
	if s := q.Get("channel"); s != "" {
		ch, err := strconv.Atoi(s)
		if err != nil {
			handleError(errMissingParam("channel"), http.StatusBadRequest, rw)
			return
		}
		f.ChannelIndex = &ch
	}
	if s := q.Get("from"); s != "" {
		f.From = &s
	}
	if s := q.Get("to"); s != "" {
		f.To = &s
	}
	if q.Get("aggregated") == "true" {
		f.Aggregated = true
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			handleError(errMissingParam("limit"), http.StatusBadRequest, rw)
			return
		}
		f.Limit = n
	} else {
		f.Limit = 5000
	}

	points, err := a.src.ChannelHistory(r.Context(), f)
	if err != nil {
		handleError(err, http.StatusInternalServerError, rw)
		return
	}
	writeJSON(rw, points)
}

func (a *Api) getExperiments(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ExperimentFilter{Limit: 100}
	if s := q.Get("post"); s != "" {
		p := model.PostID(s)
		if !p.Valid() {
			handleError(errMissingParam("post"), http.StatusBadRequest, rw)
			return
		}
		f.PostID = &p
	}
	if s := q.Get("state"); s != "" {
		st := model.ExperimentState(s)
		f.State = &st
	}
	experiments, err := a.src.ListExperiments(r.Context(), f)
	if err != nil {
		handleError(err, http.StatusInternalServerError, rw)
		return
	}
	writeJSON(rw, experiments)
}

func (a *Api) getExperimentsForPost(rw http.ResponseWriter, r *http.Request) {
	post := model.PostID(mux.Vars(r)["post"])
	if !post.Valid() {
		handleError(errMissingParam("post"), http.StatusBadRequest, rw)
		return
	}
	experiments, err := a.src.ExperimentsForPost(r.Context(), post)
	if err != nil {
		handleError(err, http.StatusInternalServerError, rw)
		return
	}
	writeJSON(rw, experiments)
}

func (a *Api) getAnomalyEvents(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, err := a.src.AnomalyEvents(r.Context(), id)
	if err != nil {
		handleError(err, http.StatusInternalServerError, rw)
		return
	}
	writeJSON(rw, events)
}

func (a *Api) getDataRange(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	start, end, err := a.src.DataRange(r.Context(), id)
	if err != nil {
		handleError(err, http.StatusInternalServerError, rw)
		return
	}
	writeJSON(rw, struct {
		Start *string `json:"start"`
		End   *string `json:"end"`
	}{start, end})
}

type ackRequest struct {
	User string `json:"user"`
}

func (a *Api) ackAnomaly(rw http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		handleError(errMissingParam("id"), http.StatusBadRequest, rw)
		return
	}
	var req ackRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && err != io.EOF {
		handleError(err, http.StatusBadRequest, rw)
		return
	}
	if req.User == "" {
		req.User = "unknown"
	}
	if err := a.src.AcknowledgeAnomaly(r.Context(), id, req.User); err != nil {
		handleError(err, http.StatusInternalServerError, rw)
		return
	}
	writeJSON(rw, struct {
		Message string `json:"msg"`
	}{"acknowledged"})
}

func (a *Api) getUIChannelConfigs(rw http.ResponseWriter, r *http.Request) {
	cfgs, err := a.src.UIChannelConfigs(r.Context())
	if err != nil {
		handleError(err, http.StatusInternalServerError, rw)
		return
	}
	writeJSON(rw, cfgs)
}

func (a *Api) getRoutingTables(rw http.ResponseWriter, r *http.Request) {
	rt, err := a.src.RoutingTables(r.Context())
	if err != nil {
		handleError(err, http.StatusInternalServerError, rw)
		return
	}
	writeJSON(rw, rt)
}

type paramError struct{ name string }

func (e paramError) Error() string { return "invalid or missing query parameter: " + e.name }

func errMissingParam(name string) error { return paramError{name: name} }
