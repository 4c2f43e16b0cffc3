// Package api exposes engine control, health and measurement queries over HTTP,
// and the websocket measurement feeds.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"scale-ingest/internal/broadcast"
	"scale-ingest/internal/collector"
	"scale-ingest/internal/db"
	"scale-ingest/internal/health"
	"scale-ingest/internal/model"
	"scale-ingest/internal/shift"
	"scale-ingest/internal/snapshot"
)

type Engines interface {
	Start(cfg collector.ScaleConfig) error
	Stop(id string)
	Restart(cfg collector.ScaleConfig) error
	Status() []collector.RuntimeState
}

// Controller owns the configuration the engines are started from.
type Controller interface {
	ScaleConfig(ctx context.Context, id string) (collector.ScaleConfig, error)
	ReloadConfig(ctx context.Context) error
	RefreshShifts(ctx context.Context) error
}

type Health interface {
	ActiveIssues(ctx context.Context, scaleID string) ([]model.ScaleHealthStatus, error)
	CheckScale(ctx context.Context, id string) (health.Report, error)
}

type Snapshots interface {
	Snapshot(ctx context.Context, rt model.ReadingType, shiftID *uint) (snapshot.Result, error)
	SnapshotScale(ctx context.Context, scaleID string, rt model.ReadingType) (snapshot.Result, error)
}

type Schedule interface {
	Entries() []shift.Trigger
}

type Store interface {
	CurrentState(ctx context.Context, scaleID string) (model.ScaleCurrentState, error)
	CurrentStates(ctx context.Context) ([]model.ScaleCurrentState, error)
	History(ctx context.Context, scaleID string, limit int) ([]model.MeasurementRecord, error)
	ManualReadings(ctx context.Context, scaleID string, limit int) ([]model.ManualReading, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Engines    Engines
	Controller Controller
	Health     Health
	Snapshots  Snapshots
	Schedule   Schedule
	Store      Store
	// Hub serves the websocket feeds; nil disables them.
	Hub    *broadcast.Hub
	Logger zerolog.Logger
}

type Server struct {
	deps   Deps
	router *mux.Router
	logger zerolog.Logger
}

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, router: mux.NewRouter(), logger: deps.Logger}
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	a := s.router.PathPrefix("/api").Subrouter()
	a.HandleFunc("/engines", s.listEngines).Methods(http.MethodGet)
	a.HandleFunc("/engines/{id}/start", s.startEngine).Methods(http.MethodPost)
	a.HandleFunc("/engines/{id}/stop", s.stopEngine).Methods(http.MethodPost)
	a.HandleFunc("/engines/{id}/restart", s.restartEngine).Methods(http.MethodPost)
	a.HandleFunc("/config/reload", s.reloadConfig).Methods(http.MethodPost)
	a.HandleFunc("/shifts", s.listTriggers).Methods(http.MethodGet)
	a.HandleFunc("/shifts/refresh", s.refreshShifts).Methods(http.MethodPost)
	a.HandleFunc("/scales/current", s.currentStates).Methods(http.MethodGet)
	a.HandleFunc("/scales/{id}/current", s.currentState).Methods(http.MethodGet)
	a.HandleFunc("/scales/{id}/history", s.history).Methods(http.MethodGet)
	a.HandleFunc("/health/issues", s.activeIssues).Methods(http.MethodGet)
	a.HandleFunc("/health/scales/{id}", s.checkScale).Methods(http.MethodGet)
	a.HandleFunc("/snapshots", s.takeSnapshot).Methods(http.MethodPost)
	a.HandleFunc("/readings", s.readings).Methods(http.MethodGet)

	if s.deps.Hub != nil {
		ws := s.router.PathPrefix("/ws").Subrouter()
		ws.HandleFunc("/measurements", s.serveTopic(func(string) string { return broadcast.TopicMeasurements }))
		ws.HandleFunc("/measurements/{id}", s.serveTopic(broadcast.MeasurementTopic))
		ws.HandleFunc("/health", s.serveTopic(func(string) string { return broadcast.TopicHealth }))
		ws.HandleFunc("/health/{id}", s.serveTopic(broadcast.HealthTopic))
	}
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info().Str("addr", addr).Msg("API server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) serveTopic(topic func(string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.deps.Hub.ServeWS(w, r, topic(mux.Vars(r)["id"]))
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeError(w, "storage unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listEngines(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Engines.Status())
}

func (s *Server) startEngine(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Controller.ScaleConfig(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.deps.Engines.Start(cfg); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"scale_id": cfg.ID, "action": "started"})
}

func (s *Server) stopEngine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.deps.Engines.Stop(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"scale_id": id, "action": "stopped"})
}

func (s *Server) restartEngine(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Controller.ScaleConfig(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.deps.Engines.Restart(cfg); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"scale_id": cfg.ID, "action": "restarted"})
}

func (s *Server) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.ReloadConfig(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Engines.Status())
}

func (s *Server) listTriggers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Schedule.Entries())
}

func (s *Server) refreshShifts(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.RefreshShifts(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Schedule.Entries())
}

func (s *Server) currentStates(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Store.CurrentStates(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]model.MeasurementEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Event())
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) currentState(w http.ResponseWriter, r *http.Request) {
	row, err := s.deps.Store.CurrentState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, row.Event())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.deps.Store.History(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]model.MeasurementEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Event())
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) activeIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.deps.Health.ActiveIssues(r.Context(), r.URL.Query().Get("scale_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if issues == nil {
		issues = []model.ScaleHealthStatus{}
	}
	s.writeJSON(w, http.StatusOK, issues)
}

func (s *Server) checkScale(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Health.CheckScale(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

type snapshotRequest struct {
	ScaleID     string            `json:"scale_id"`
	ReadingType model.ReadingType `json:"reading_type"`
}

func (s *Server) takeSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.ReadingType == "" {
		req.ReadingType = model.ReadingManual
	}

	var (
		res snapshot.Result
		err error
	)
	if req.ScaleID != "" {
		res, err = s.deps.Snapshots.SnapshotScale(r.Context(), req.ScaleID, req.ReadingType)
	} else {
		res, err = s.deps.Snapshots.Snapshot(r.Context(), req.ReadingType, nil)
	}
	if err != nil && len(res.Readings) == 0 {
		s.fail(w, err)
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Int("failed", res.Failed).Msg("Snapshot completed with failures")
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) readings(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.deps.Store.ManualReadings(r.Context(), r.URL.Query().Get("scale_id"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rows == nil {
		rows = []model.ManualReading{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key + ": " + v)
	}
	return n, nil
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, collector.ErrConfigurationInvalid):
		return http.StatusBadRequest
	case errors.Is(err, collector.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, db.ErrNotFound),
		errors.Is(err, health.ErrUnknownScale),
		errors.Is(err, snapshot.ErrUnknownScale),
		errors.Is(err, ErrUnknownScale):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// ErrUnknownScale is returned by controllers for ids absent from the configuration.
var ErrUnknownScale = errors.New("unknown scale")

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	writeError(w, err.Error(), code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Error encoding response")
	}
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Message: message, Status: statusCode}); err != nil {
		http.Error(w, "Failed to encode error response", http.StatusInternalServerError)
	}
}
