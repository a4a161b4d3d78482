// Package server exposes the query and health contracts over HTTP JSON.
// Handlers read the current timetable snapshot only; they are never blocked
// by a sync cycle in progress.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"gtfs-departures/internal/cache"
	"gtfs-departures/internal/config"
	"gtfs-departures/internal/metrics"
	"gtfs-departures/internal/schedule"
	"gtfs-departures/internal/syncer"
)

const defaultDepartureCount = 3

type Server struct {
	snapshot *cache.Snapshot
	sync     *syncer.Syncer
	subs     []config.Subscription
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func New(snapshot *cache.Snapshot, sync *syncer.Syncer, subs []config.Subscription,
	collector *metrics.Collector, logger *zap.Logger) *Server {
	return &Server{
		snapshot: snapshot,
		sync:     sync,
		subs:     subs,
		metrics:  collector,
		logger:   logger,
	}
}

// Handler builds the HTTP mux. When serveMetrics is true the prometheus
// endpoint is mounted here as well; deployments with a separate metrics
// listener pass false.
func (s *Server) Handler(serveMetrics bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /departures", s.handleDepartures)
	mux.HandleFunc("GET /agenda", s.handleAgenda)
	mux.HandleFunc("GET /subscriptions", s.handleSubscriptions)
	mux.HandleFunc("GET /status", s.handleStatus)
	if serveMetrics && s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Serve starts the API server on addr.
func (s *Server) Serve(addr string, serveMetrics bool) *http.Server {
	srv := &http.Server{Addr: addr, Handler: s.Handler(serveMetrics)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
	s.logger.Info("http listening", zap.String("addr", addr))
	return srv
}

func (s *Server) handleDepartures(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer s.observe("departures", start)

	stopID := r.URL.Query().Get("stop")
	lineID := r.URL.Query().Get("line")
	if stopID == "" || lineID == "" {
		httpError(w, http.StatusBadRequest, "stop and line query parameters are required")
		return
	}

	count := defaultDepartureCount
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = n
	}

	tt := s.snapshot.Current()
	if tt == nil {
		httpError(w, http.StatusServiceUnavailable, "no timetable loaded yet")
		return
	}

	deps, err := schedule.NextDepartures(tt, stopID, lineID, time.Now(), count)
	if errors.Is(err, schedule.ErrEmptySchedule) {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("departures query failed", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, struct {
		StopID     string               `json:"stopId"`
		LineID     string               `json:"lineId"`
		Departures []schedule.Departure `json:"departures"`
	}{stopID, lineID, deps})
}

func (s *Server) handleAgenda(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer s.observe("agenda", start)

	stopID := r.URL.Query().Get("stop")
	if stopID == "" {
		httpError(w, http.StatusBadRequest, "stop query parameter is required")
		return
	}

	tt := s.snapshot.Current()
	if tt == nil {
		httpError(w, http.StatusServiceUnavailable, "no timetable loaded yet")
		return
	}

	agenda, err := schedule.WeekAgenda(tt, stopID, time.Now())
	if errors.Is(err, schedule.ErrEmptySchedule) {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("agenda query failed", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, struct {
		StopID string                          `json:"stopId"`
		Days   map[string][]schedule.Departure `json:"days"`
	}{stopID, agenda})
}

// handleSubscriptions reports the next departures for every configured
// stop/line pair in one response. A pair with no matching schedule entries
// (stop or line missing from the current feed) yields an empty list rather
// than failing the whole lookup.
func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	start := time.Now()
	defer s.observe("subscriptions", start)

	tt := s.snapshot.Current()
	if tt == nil {
		httpError(w, http.StatusServiceUnavailable, "no timetable loaded yet")
		return
	}

	type entry struct {
		StopID     string               `json:"stopId"`
		LineID     string               `json:"lineId"`
		Departures []schedule.Departure `json:"departures"`
	}

	now := time.Now()
	entries := make([]entry, 0, len(s.subs))
	for _, sub := range s.subs {
		deps, err := schedule.NextDepartures(tt, sub.StopID, sub.LineID, now, defaultDepartureCount)
		if err != nil && !errors.Is(err, schedule.ErrEmptySchedule) {
			s.logger.Error("subscription query failed",
				zap.String("stop_id", sub.StopID),
				zap.String("line_id", sub.LineID),
				zap.Error(err),
			)
			httpError(w, http.StatusInternalServerError, "query failed")
			return
		}
		if deps == nil {
			deps = []schedule.Departure{}
		}
		entries = append(entries, entry{StopID: sub.StopID, LineID: sub.LineID, Departures: deps})
	}

	writeJSON(w, struct {
		Subscriptions []entry `json:"subscriptions"`
	}{entries})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	health := s.sync.Health()

	var fetchedAt *time.Time
	loaded := false
	if tt := s.snapshot.Current(); tt != nil {
		loaded = true
		fetchedAt = &tt.FetchedAt
	}

	writeJSON(w, struct {
		syncer.Health
		TimetableLoaded bool       `json:"timetableLoaded"`
		FetchedAt       *time.Time `json:"fetchedAt,omitempty"`
	}{health, loaded, fetchedAt})
}

func (s *Server) observe(endpoint string, start time.Time) {
	if s.metrics != nil {
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
