package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ha1tch/archety/pkg/batch"
	"github.com/ha1tch/archety/pkg/cache"
	"github.com/ha1tch/archety/pkg/config"
	"github.com/ha1tch/archety/pkg/keys"
	"github.com/ha1tch/archety/pkg/models"
	"github.com/ha1tch/archety/pkg/pages"
	"github.com/ha1tch/archety/pkg/resolver"
	"github.com/ha1tch/archety/pkg/storage"
	"github.com/ha1tch/archety/pkg/validation"
)

// Server represents the HTTP server
type Server struct {
	config    *config.Config
	store     storage.Store
	cache     cache.Cache
	resolver  *resolver.Resolver
	writer    *batch.Coalescer
	validator *validation.Validator
	pages     pages.Checker
	logger    zerolog.Logger
	router    *chi.Mux
	httpSrv   *http.Server
}

// New creates a new server instance. Handlers read through the resolver
// and write only by enqueueing records on the coalescer.
func New(
	cfg *config.Config,
	store storage.Store,
	c cache.Cache,
	res *resolver.Resolver,
	writer *batch.Coalescer,
	checker pages.Checker,
	logger zerolog.Logger,
) *Server {
	if checker == nil {
		checker = pages.Noop{}
	}
	s := &Server{
		config:    cfg,
		store:     store,
		cache:     c,
		resolver:  res,
		writer:    writer,
		validator: validation.New(cfg.DefaultRegion, cfg.PageURLPrefix),
		pages:     checker,
		logger:    logger.With().Str("component", "server").Logger(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	timeout := s.config.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(timeout))

	// Health check
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/identities", s.handleCreateIdentity)
		r.Route("/identities/{identity}", func(r chi.Router) {
			r.Get("/", s.handleGetIdentity)
			r.Post("/likes", s.handleCreatePageRelation(models.RelLikes))
			r.Get("/likes", s.handleGetPageRelations(models.RelLikes))
			r.Post("/hates", s.handleCreatePageRelation(models.RelHates))
			r.Get("/hates", s.handleGetPageRelations(models.RelHates))
			r.Post("/knows", s.handleCreateKnows)
			r.Get("/knows", s.handleGetKnows)
		})

		r.Post("/pages", s.handleCreatePage)

		r.Post("/tokens", s.handleCreateToken)
		r.Get("/tokens/{token}", s.handleGetToken)

		if s.config.AdminEnabled {
			r.Route("/admin", func(r chi.Router) {
				r.Post("/flush", s.handleFlush)
				r.Get("/stats", s.handleStats)
				r.Post("/warmup", s.handleWarmup)
			})
		}
	})
}

// Start starts the HTTP server and blocks until it stops. Start after
// Shutdown returns nil without listening.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("Starting server")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the HTTP handler (useful for testing)
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("Request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": config.Version,
	})
}

// handleVersion returns server version
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version": config.Version,
	})
}

// Helper functions

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, models.ErrorResponse{
		Error: models.ErrorDetail{
			Message: message,
			Status:  status,
		},
	})
}

// storeFailure fails a request whose resolve step could not reach the store
func (s *Server) storeFailure(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error().Err(err).
		Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("Resolve failed")
	s.writeError(w, http.StatusInternalServerError, "Store unavailable.")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return errors.New("Error parsing JSON.")
	}
	return nil
}

// identityParam normalizes the {identity} path segment
func (s *Server) identityParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "identity")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	return validation.NormalizeIdentity(raw, s.config.DefaultRegion)
}

// resolveIdentity returns the identity as a record endpoint: an existing
// handle, or a spec to create when absent
func (s *Server) resolveIdentity(ctx context.Context, identity string) (batch.Ref, bool, error) {
	key := keys.Hash(identity)
	h, found, err := s.resolver.Resolve(ctx, models.KindIdentity, key)
	if err != nil {
		return batch.Ref{}, false, err
	}
	if found {
		return batch.Existing(h), true, nil
	}
	return batch.Absent(batch.Identity(key)), false, nil
}
