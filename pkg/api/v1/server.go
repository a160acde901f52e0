// Package v1 implements the HTTP/JSON external interface from §4.9/§6:
// a chi router exposing the registry's service descriptor, health, and
// CRUD/query surface, wrapped in the same RequestID/RealIP/Recoverer/
// Timeout/logging middleware chain the teacher's registry API server
// assembles.
package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/protoreg/pkg/logger"
)

// Service bundles every dependency a handler needs. It has no behavior of
// its own; it exists so NewServer's handlers can close over one value
// instead of a long argument list.
type Service struct {
	Registry    *Registry
	RateLimiter RateLimiter
	APIKey      string
	ServiceName string
	JSONLimit   int64
}

// RateLimiter is the subset of pkg/ratelimit.Limiter the HTTP layer needs,
// kept as an interface so handlers can be tested without a real limiter.
type RateLimiter interface {
	Allow(ip string) bool
}

type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
}

// Option configures NewServer.
type Option func(*serverConfig)

// WithMiddlewares appends middleware to the chain applied ahead of
// routing, in the order given.
func WithMiddlewares(mws ...func(http.Handler) http.Handler) Option {
	return func(c *serverConfig) {
		c.middlewares = append(c.middlewares, mws...)
	}
}

// NewServer builds the chi router exposing the full §6 surface over svc.
func NewServer(svc *Service, opts ...Option) http.Handler {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}
	r.Use(noStoreMiddleware)

	r.Get("/.well-known/{service}", svc.handleWellKnown)
	r.Get("/health", svc.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(svc.rateLimitMiddleware)
		r.Use(svc.authMiddleware)

		r.Get("/resolve", svc.handleResolve)
		r.Post("/query", svc.handleQuery)

		r.Route("/registry/{urn}", func(r chi.Router) {
			r.Get("/", svc.handleGetManifest)
			r.Put("/", svc.handlePutManifest)
			r.Get("/dependencies", svc.handleDependencies)
			r.Post("/build-order", svc.handleBuildOrder)
		})
	})

	return r
}

func noStoreMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware emits one structured line per request: method, path,
// status, latency, and the chi request ID, matching the teacher's own
// request-logging middleware shape.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Infow("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"latencyMs", float64(time.Since(start).Microseconds())/1000.0,
			"requestId", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != s.APIKey {
			writeError(w, errUnauthorized("missing or invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if !s.RateLimiter.Allow(ip) {
			writeError(w, errRateLimited("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
