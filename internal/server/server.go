// Package server implements the hashstore HTTP gateway.
package server

import (
	"context"
	"net/http"

	"github.com/bleepstore/hashstore/internal/cas"
	"github.com/bleepstore/hashstore/internal/config"
	"github.com/bleepstore/hashstore/internal/hashing"
	"github.com/bleepstore/hashstore/internal/storage"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the hashstore HTTP server. It exposes one HashStore over
// PUT/GET/HEAD/DELETE on /blobs/{key} and content-addressed writes on
// POST /content.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	backend    string
	store      storage.HashStore
	provider   hashing.Provider
	cas        *cas.Store
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// InfoBody describes the store served by this gateway.
type InfoBody struct {
	Backend     string `json:"backend" example:"hybrid" doc:"Storage backend name"`
	Algorithm   string `json:"algorithm" example:"sha1" doc:"Hash algorithm used for content keys"`
	KeySize     int    `json:"key_size" example:"20" doc:"Digest length in bytes"`
	MaxBlobSize int64  `json:"max_blob_size" doc:"Request body limit in bytes, 0 for unlimited"`
}

// InfoOutput is the Huma output struct for the info endpoint.
type InfoOutput struct {
	Body InfoBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithStore sets the store served by the gateway and its backend label.
func WithStore(backend string, store storage.HashStore) ServerOption {
	return func(s *Server) {
		s.backend = backend
		s.store = store
	}
}

// WithProvider sets the digest provider for content-addressed writes.
// Defaults to the provider named by the hash configuration.
func WithProvider(p hashing.Provider) ServerOption {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new Server with the given configuration and wires up all
// routes on the Chi router with Huma API.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("hashstore API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:     cfg,
		router:  router,
		api:     api,
		backend: cfg.Storage.Backend,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.provider == nil {
		p, err := hashing.New(hashing.Algorithm(cfg.Hash.Algorithm))
		if err != nil {
			return nil, err
		}
		if cfg.Hash.CacheSize > 0 {
			if p, err = hashing.NewCachingProvider(p, cfg.Hash.CacheSize); err != nil {
				return nil, err
			}
		}
		s.provider = p
	}
	if s.store != nil {
		s.cas = cas.New(s.store, s.provider)
	}

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> requestID -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = requestIDMiddleware(handler)
	handler = commonHeaders(handler)
	if s.cfg.Metrics.Enabled {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
// Huma routes (/health, /info, /docs, /openapi.json) and /metrics are
// registered first, then the blob routes.
func (s *Server) registerRoutes() {
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errMethodNotAllowed)
	})
	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errNoSuchRoute)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the store behind the gateway.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		if err := s.healthCheck(ctx); err != nil {
			return nil, huma.Error503ServiceUnavailable("store unavailable", err)
		}
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := s.healthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-info",
		Method:      http.MethodGet,
		Path:        "/info",
		Summary:     "Store information",
		Description: "Returns the backend name and the hash algorithm used for content keys.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*InfoOutput, error) {
		return &InfoOutput{Body: InfoBody{
			Backend:     s.backend,
			Algorithm:   string(s.provider.Algorithm()),
			KeySize:     s.provider.Size(),
			MaxBlobSize: s.cfg.Server.MaxBlobSize,
		}}, nil
	})

	if s.cfg.Metrics.Enabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Route("/blobs/{key}", func(r chi.Router) {
		r.Put("/", s.putBlob)
		r.Get("/", s.getBlob)
		r.Head("/", s.headBlob)
		r.Delete("/", s.deleteBlob)
	})
	s.router.Post("/content", s.postContent)

}

func (s *Server) healthCheck(ctx context.Context) error {
	if s.store == nil {
		return errNoStore
	}
	if hc, ok := s.store.(storage.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}
