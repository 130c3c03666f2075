// Package api exposes the migration pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-migrate/internal/config"
	"github.com/sells-group/crm-migrate/internal/pipeline"
)

// OrgHeader carries the caller's tenant. Authentication happens upstream.
const OrgHeader = "X-Org-ID"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server routes migration requests to the pipeline.
type Server struct {
	runner   *pipeline.Runner
	engine   *pipeline.Engine
	health   Pinger
	validate *validator.Validate
	router   chi.Router
}

// New builds the router.
func New(runner *pipeline.Runner, health Pinger, cfg config.ServerConfig) *Server {
	s := &Server{
		runner:   runner,
		engine:   runner.Engine(),
		health:   health,
		validate: validator.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", OrgHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/migrations", func(r chi.Router) {
		r.Use(requireOrg)
		r.Get("/", s.handleListJobs)
		r.Post("/{source}/preflight", s.handlePreflight)
		r.Post("/{source}/dry-run", s.handleDryRun)
		r.Post("/{source}/execute", s.handleExecute)
		r.Get("/{jobID}/report", s.handleReport)
		r.Post("/{jobID}/cancel", s.handleCancel)
		r.Post("/{jobID}/resume", s.handleResume)
	})
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on port until ctx is done, then drains requests and
// stops background executions. Interrupted jobs stay executing.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		zap.L().Info("api: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("api: server shutdown", zap.Error(err))
		}
		if err := s.runner.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("api: runner shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("api: starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "api: listen")
	}
	<-stopped
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("org_id", r.Header.Get(OrgHeader)),
		)
	})
}

type orgKey struct{}

func requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := r.Header.Get(OrgHeader)
		if org == "" {
			writeError(w, http.StatusBadRequest, OrgHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgKey{}, org)))
	})
}

func orgFrom(ctx context.Context) string {
	org, _ := ctx.Value(orgKey{}).(string)
	return org
}
