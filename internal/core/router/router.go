// Package router exposes the facility index over HTTP.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mohammed-shakir/facility-index/internal/core/observability"
	"github.com/mohammed-shakir/facility-index/internal/facility"
	"github.com/mohammed-shakir/facility-index/internal/geo"
	"github.com/mohammed-shakir/facility-index/internal/index"
	mylog "github.com/mohammed-shakir/facility-index/internal/logger"
	"github.com/mohammed-shakir/facility-index/internal/quadtree"
	"github.com/mohammed-shakir/facility-index/internal/report"
	"github.com/mohammed-shakir/facility-index/internal/syncer"
)

// Index is the query and insert surface served by the API.
type Index interface {
	KNearest(ctx context.Context, lat, lng, radiusMeters float64, k int) ([]facility.Nearby, error)
	NodesInBox(box geo.BoundingBox) ([]*quadtree.Leaf, error)
	NodesInRadius(lat, lng, radiusMeters float64) ([]*quadtree.Leaf, error)
	NearestLeaf(lat, lng float64) (*quadtree.Leaf, error)
	ReadPayload(ctx context.Context, leaf *quadtree.Leaf) ([]facility.Facility, error)
	AddFacility(ctx context.Context, lat, lng float64, rec facility.Record) (*quadtree.Leaf, error)
	Stats() (index.Stats, error)
	Total() (int, error)
}

type Queue interface {
	Enqueue(ctx context.Context, fs ...facility.Facility) error
	Len(ctx context.Context) (int, error)
}

type Syncer interface {
	SyncOnce(ctx context.Context) (syncer.Result, error)
}

type API struct {
	logger *slog.Logger
	index  Index
	queue  Queue
	sync   Syncer
}

func NewAPI(logger *slog.Logger, ix Index, q Queue, s Syncer) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{logger: logger, index: ix, queue: q, sync: s}
}

// Mount registers the v1 routes on r.
func (a *API) Mount(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/nearest", observe("/v1/nearest", a.handleNearest))
		r.Get("/leaves", observe("/v1/leaves", a.handleLeaves))
		r.Get("/leaf", observe("/v1/leaf", a.handleLeaf))
		r.Post("/facilities", observe("/v1/facilities", a.handleAddFacility))
		r.Post("/sync", observe("/v1/sync", a.handleSync))
		r.Get("/stats", observe("/v1/stats", a.handleStats))
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func observe(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeGeoJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, index.ErrNotReady):
		code = http.StatusServiceUnavailable
	case errors.Is(err, index.ErrOutOfBounds), errors.Is(err, index.ErrEmptyRegion):
		code = http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusRequestTimeout
	}
	if code == http.StatusInternalServerError {
		a.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		report.Error(err, map[string]string{"route": r.URL.Path})
	}
	http.Error(w, err.Error(), code)
}

func (a *API) handleNearest(w http.ResponseWriter, r *http.Request) {
	q, err := parseNearest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := a.index.KNearest(r.Context(), q.Lat, q.Lng, q.Radius, q.K)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeGeoJSON(w, nearbyCollection(out))
}

func (a *API) handleLeaves(w http.ResponseWriter, r *http.Request) {
	var (
		leaves []*quadtree.Leaf
		err    error
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("bbox")); raw != "" {
		box, perr := parseBBOX(raw)
		if perr != nil {
			http.Error(w, "invalid bbox: "+perr.Error(), http.StatusBadRequest)
			return
		}
		leaves, err = a.index.NodesInBox(box)
	} else {
		p, perr := parsePoint(r)
		if perr != nil {
			http.Error(w, "bbox or lat/lng required: "+perr.Error(), http.StatusBadRequest)
			return
		}
		radius, perr := parseRadius(r)
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		leaves, err = a.index.NodesInRadius(p.Lat, p.Lng, radius)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeGeoJSON(w, leafCollection(leaves))
}

func (a *API) handleLeaf(w http.ResponseWriter, r *http.Request) {
	p, err := parsePoint(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	leaf, err := a.index.NearestLeaf(p.Lat, p.Lng)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	batch, err := a.index.ReadPayload(r.Context(), leaf)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	fc := facilityCollection(batch)
	fc.Features = append(fc.Features, leafFeature(leaf))
	writeGeoJSON(w, fc)
}

// facilityInput accepts both the survey submission and the catalog record.
type facilityInput struct {
	facility.Submission
	UUID        string              `json:"uuid"`
	Name        string              `json:"name"`
	Coordinates *[2]float64         `json:"coordinates"`
	Properties  facility.Properties `json:"properties"`
}

func (in facilityInput) record() facility.Record {
	if in.Coordinates == nil {
		return in.Submission
	}
	id := strings.TrimSpace(in.UUID)
	if id == "" {
		id = uuid.NewString()
	}
	return facility.Facility{ID: id, Name: in.Name, Coordinates: *in.Coordinates, Properties: in.Properties}
}

type addResponse struct {
	Facility facility.Facility `json:"facility"`
	Indexed  bool              `json:"indexed"`
	Leaf     string            `json:"leaf,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

func (a *API) handleAddFacility(w http.ResponseWriter, r *http.Request) {
	var in facilityInput
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(&in); err != nil {
		http.Error(w, fmt.Sprintf("decode body: %v", err), http.StatusBadRequest)
		return
	}
	f := in.record().Facility()
	if err := f.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.queue.Enqueue(r.Context(), f); err != nil {
		a.writeError(w, r, fmt.Errorf("enqueue facility: %w", err))
		return
	}

	out := addResponse{Facility: f}
	leaf, err := a.index.AddFacility(r.Context(), f.Lat(), f.Lng(), f)
	switch {
	case err == nil:
		out.Indexed = true
		out.Leaf = leaf.Key()
	case errors.Is(err, index.ErrOutOfBounds), errors.Is(err, index.ErrNotReady):
		out.Reason = err.Error()
	default:
		a.logger.WarnContext(mylog.WithFacilityID(r.Context(), f.ID), "local insert failed", "err", err)
		out.Reason = err.Error()
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if a.sync == nil {
		http.Error(w, "sync disabled", http.StatusNotFound)
		return
	}
	res, err := a.sync.SyncOnce(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type statsResponse struct {
	index.Stats
	Total  int `json:"total"`
	Queued int `json:"queued"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.index.Stats()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	total, err := a.index.Total()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	queued, err := a.queue.Len(r.Context())
	if err != nil {
		a.writeError(w, r, fmt.Errorf("queue length: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Stats: st, Total: total, Queued: queued})
}
