// Package server exposes funnel runs over HTTP: a crawl endpoint that runs
// one funnel per request, run history, health and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/patrickjm/funnelcheck/internal/funnel"
	"github.com/patrickjm/funnelcheck/internal/history"
	"github.com/patrickjm/funnelcheck/internal/invoker"
	"github.com/patrickjm/funnelcheck/internal/report"
)

const maxBodyBytes = 64 << 10

// Runner runs one funnel against url and returns the child's result.
type Runner interface {
	Run(ctx context.Context, url string) (invoker.Result, error)
}

type Options struct {
	Runner  Runner
	History *history.Store
	Logger  *zap.Logger
	// MaxConcurrent caps simultaneous runs; each one owns a browser.
	MaxConcurrent int
	// Backlog is how many requests may queue behind the running ones.
	Backlog int
	// Registry receives the server's metrics; nil means a private registry.
	Registry *prometheus.Registry
}

type Server struct {
	runner   Runner
	history  *history.Store
	logger   *zap.Logger
	metrics  *metrics
	registry *prometheus.Registry
	router   chi.Router
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = 2
	}
	backlog := opts.Backlog
	if backlog < 0 {
		backlog = 0
	}
	s := &Server{
		runner:   opts.Runner,
		history:  opts.History,
		logger:   logger,
		metrics:  newMetrics(reg),
		registry: reg,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Route("/api", func(r chi.Router) {
		r.With(middleware.ThrottleBacklog(limit, backlog, time.Minute)).Post("/crawl", s.handleCrawl)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}
	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		serveErr <- srv.ListenAndServe()
	}()
	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

type crawlRequest struct {
	URL string `json:"url"`
}

type crawlResponse struct {
	Status  string          `json:"status"`
	URL     string          `json:"url"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	RunID   string          `json:"run_id,omitempty"`
}

func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	target, err := readTarget(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, crawlResponse{Status: "error", Message: "invalid request", Error: err.Error()})
		return
	}
	if err := funnel.ValidateURL(target); err != nil {
		respondError(w, http.StatusUnprocessableEntity, crawlResponse{Status: "error", Message: "invalid url", Error: err.Error(), URL: target})
		return
	}
	if s.runner == nil {
		respondError(w, http.StatusServiceUnavailable, crawlResponse{Status: "error", Message: "no runner configured", URL: target})
		return
	}

	logger := s.logger.With(zap.String("url", target), zap.String("request_id", middleware.GetReqID(r.Context())))
	res, err := s.runner.Run(r.Context(), target)
	s.metrics.observe(res, err)
	s.save(logger, res)

	if err != nil {
		logger.Error("crawl failed", zap.Error(err), zap.Int("exit_code", res.ExitCode))
		respondError(w, http.StatusInternalServerError, crawlResponse{
			Status:  "error",
			Message: "crawler run failed",
			Error:   err.Error(),
			URL:     target,
			Data:    res.Raw,
			RunID:   res.Report.RunID,
		})
		return
	}
	logger.Info("crawl finished", zap.Bool("success", res.Report.Success), zap.Int64("total_ms", res.Report.TotalTime))
	respondJSON(w, crawlResponse{Status: "success", URL: target, Data: res.Raw, RunID: res.Report.RunID})
}

func (s *Server) save(logger *zap.Logger, res invoker.Result) {
	if s.history == nil || !res.HasReport() {
		return
	}
	if _, err := s.history.Save(res.Report); err != nil {
		logger.Warn("save history", zap.Error(err))
	}
}

// readTarget takes the url from a JSON body or a form field.
func readTarget(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req crawlRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return "", fmt.Errorf("decode body: %w", err)
		}
		return strings.TrimSpace(req.URL), nil
	}
	if err := r.ParseForm(); err != nil {
		return "", fmt.Errorf("parse form: %w", err)
	}
	return strings.TrimSpace(r.FormValue("url")), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

type runSummary struct {
	ID      string    `json:"id"`
	URL     string    `json:"url"`
	Success bool      `json:"success"`
	SavedAt time.Time `json:"saved_at"`
	Failed  string    `json:"failed_step,omitempty"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondJSON(w, []runSummary{})
		return
	}
	entries, err := s.history.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, crawlResponse{Status: "error", Message: "list runs", Error: err.Error()})
		return
	}
	out := make([]runSummary, 0, len(entries))
	for _, e := range entries {
		sum := runSummary{ID: e.ID, URL: e.URL, Success: e.Success, SavedAt: e.SavedAt}
		if step, ok := e.Report.FailedStep(); ok {
			sum.Failed = step.Name
		}
		out = append(out, sum)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "runID"))
	if s.history == nil {
		respondError(w, http.StatusNotFound, crawlResponse{Status: "error", Message: "run not found"})
		return
	}
	e, err := s.history.Load(id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusNotFound
		}
		respondError(w, status, crawlResponse{Status: "error", Message: "run not found", Error: err.Error()})
		return
	}
	respondJSON(w, e.Report)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func setHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

func respondJSON(w http.ResponseWriter, payload any) {
	setHeaders(w)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, payload crawlResponse) {
	setHeaders(w)
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// failedStep names the step a report stopped at, for metric labels.
func failedStep(rep report.Report) string {
	if step, ok := rep.FailedStep(); ok {
		return step.Name
	}
	if len(rep.Errors) > 0 {
		return rep.Errors[0].Step
	}
	return report.UnknownStep
}
