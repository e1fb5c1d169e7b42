package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-harvester/internal/crawler"
	"github.com/JakeFAU/proxy-harvester/internal/lease"
	"github.com/JakeFAU/proxy-harvester/internal/metrics"
	"github.com/JakeFAU/proxy-harvester/internal/proxy"
)

const requestTimeout = 30 * time.Second

// ProxyQuerier reads records from the pool.
type ProxyQuerier interface {
	Query(ctx context.Context, q proxy.Query) ([]proxy.Record, error)
}

// LeaseLister reports every running job.
type LeaseLister interface {
	AllStatus(ctx context.Context) ([]lease.Status, error)
}

// JobStarter runs a scheduling pass on demand.
type JobStarter interface {
	StartCrawling(ctx context.Context, class crawler.JobClass) ([]string, error)
}

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the Server.
type Options struct {
	AuthEnabled bool
	APIKey      string
}

// Server wires HTTP handlers to the pool, the lease registry and the scheduler.
type Server struct {
	router  chi.Router
	proxies ProxyQuerier
	leases  LeaseLister
	starter JobStarter
	store   Pinger
	ids     RequestIDs
	logger  *zap.Logger
}

// RequestIDs mints correlation IDs for incoming requests.
type RequestIDs interface {
	NewRequestID() string
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	proxies ProxyQuerier,
	leases LeaseLister,
	starter JobStarter,
	store Pinger,
	ids RequestIDs,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		proxies: proxies,
		leases:  leases,
		starter: starter,
		store:   store,
		ids:     ids,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/proxy", func(r chi.Router) {
			r.Get("/", s.getProxies)
			r.Post("/", s.createProxies)
			r.Delete("/", s.deleteProxies)
			r.Post("/report/", s.reportProxy)
		})
		r.Route("/spider", func(r chi.Router) {
			r.Get("/status", s.spiderStatus)
			r.Post("/start", s.startSpiders)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
