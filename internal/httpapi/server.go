package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"gaswatcher/internal/fetcher"
	"gaswatcher/internal/scheduler"
	"gaswatcher/internal/service"
	"gaswatcher/internal/storage"
)

// Jobs is the on-demand surface of the service.
type Jobs interface {
	EvaluateAlertsOnce(ctx context.Context) (service.EvaluationSummary, error)
	ScoreDay(ctx context.Context, day string, force bool) (storage.LeaderboardResult, error)
	LastClosedDay(now time.Time) string
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// defaultJobTimeout bounds a manual run once it no longer follows the request.
const defaultJobTimeout = 10 * time.Minute

// Server exposes probes, metrics and manual job triggers.
type Server struct {
	jobs         Jobs
	pinger       Pinger
	leaderboards storage.LeaderboardStore
	logger       zerolog.Logger
	now          func() time.Time
	jobTimeout   time.Duration
}

// New builds the admin server.
func New(jobs Jobs, pinger Pinger, leaderboards storage.LeaderboardStore, logger zerolog.Logger) *Server {
	return &Server{
		jobs:         jobs,
		pinger:       pinger,
		leaderboards: leaderboards,
		logger:       logger.With().Str("component", "http").Logger(),
		now:          time.Now,
		jobTimeout:   defaultJobTimeout,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(Recover(s.logger))
	r.Use(Logger(s.logger))
	r.Use(Metrics())

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.health)
	r.Get("/readyz", s.ready)

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs/alerts", s.runAlerts)
		r.Post("/jobs/predictions", s.runPredictions)
		r.Get("/leaderboards/{day}", s.getLeaderboard)
	})
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// jobContext 与请求解绑：客户端断开不能打断已经开始的任务
func (s *Server) jobContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.jobTimeout)
}

func (s *Server) runAlerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.jobContext(r)
	defer cancel()

	summary, err := s.jobs.EvaluateAlertsOnce(ctx)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse(summary))
}

func (s *Server) runPredictions(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = s.jobs.LastClosedDay(s.now())
	}
	if _, err := time.Parse(storage.DayLayout, day); err != nil {
		writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
		force = parsed
	}

	ctx, cancel := s.jobContext(r)
	defer cancel()

	result, err := s.jobs.ScoreDay(ctx, day, force)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	day := chi.URLParam(r, "day")
	if _, err := time.Parse(storage.DayLayout, day); err != nil {
		writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}
	result, err := s.leaderboards.GetLeaderboard(r.Context(), day)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "leaderboard not found")
			return
		}
		s.logger.Error().Err(err).Str("day", day).Msg("load leaderboard failed")
		writeError(w, http.StatusInternalServerError, "failed to load leaderboard")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrBusy), errors.Is(err, service.ErrLockHeld), errors.Is(err, service.ErrAlreadyScored):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrNoPredictions):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fetcher.ErrFetchFailure):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error().Err(err).Msg("manual job failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type evaluationResponse struct {
	Skipped          bool   `json:"skipped"`
	StandardGwei     string `json:"standard_gwei,omitempty"`
	Source           string `json:"source,omitempty"`
	Evaluated        int    `json:"evaluated"`
	Triggered        int    `json:"triggered"`
	Notified         int    `json:"notified"`
	Deduplicated     int    `json:"deduplicated"`
	Deactivated      int    `json:"deactivated"`
	DeliveryFailures int    `json:"delivery_failures"`
	StoreFailures    int    `json:"store_failures"`
}

func summaryResponse(s service.EvaluationSummary) evaluationResponse {
	resp := evaluationResponse{
		Skipped:          s.Skipped,
		Evaluated:        s.Evaluated,
		Triggered:        s.Triggered,
		Notified:         s.Notified,
		Deduplicated:     s.Deduplicated,
		Deactivated:      s.Deactivated,
		DeliveryFailures: s.DeliveryFailures,
		StoreFailures:    s.StoreFailures,
	}
	if !s.Skipped {
		resp.StandardGwei = s.Reading.Gas.Standard.String()
		resp.Source = s.Reading.Source
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
