// Package web provides the HTTP API for bulk record analysis and loading.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/JonMunkholm/bulkload/internal/config"
	"github.com/JonMunkholm/bulkload/internal/core"
	mw "github.com/JonMunkholm/bulkload/internal/web/middleware"
)

// shortRequestTimeout bounds every route that does not stream a body or
// wait on a load.
const shortRequestTimeout = 60 * time.Second

// ResultStore looks up results of loads that are no longer tracked in
// memory. It is optional.
type ResultStore interface {
	GetLoadResult(ctx context.Context, id string) (*core.BulkLoadResult, error)
}

// Server is the HTTP server for the bulk load API.
type Server struct {
	service *core.Service
	results ResultStore
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server

	limiters []*rateLimiter
}

// NewServer creates a new Server instance. results may be nil.
func NewServer(service *core.Service, results ResultStore, cfg *config.Config) *Server {
	s := &Server{
		service: service,
		results: results,
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5, "application/json"))

	// Security hardening
	s.router.Use(securityHeaders(s.cfg.Security.EnableCSP))

	if s.cfg.Rate.Enabled {
		s.router.Use(s.newRateLimiter(s.cfg.Rate.RequestsPerMinute, time.Minute).middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api/bulk-data", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(&s.cfg.Security))

		// Invocations stream their body for as long as LOAD_TIMEOUT allows.
		r.Group(func(r chi.Router) {
			if s.cfg.Rate.Enabled {
				r.Use(s.newRateLimiter(s.cfg.Rate.LoadLimit, time.Minute).middleware)
			}
			r.Post("/analyze", s.handleAnalyze)
			r.Post("/load", s.handleLoad)
		})

		// Long-lived: SSE and blocking result.
		r.Get("/loads/{loadID}/progress", s.handleLoadProgress)
		r.Get("/loads/{loadID}/result", s.handleLoadResult)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(shortRequestTimeout))
			r.Get("/status", s.handleStatus)
			r.Get("/loads", s.handleListLoads)
			r.Get("/loads/{loadID}", s.handleGetLoad)
			r.Post("/loads/{loadID}/cancel", s.handleCancelLoad)
		})
	})
}

// Start begins listening for HTTP requests on the configured address.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout, // 0 for SSE and long loads
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and its background cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, rl := range s.limiters {
		rl.stop()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(enableCSP bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			if enableCSP {
				// JSON only; nothing may be loaded.
				w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimiter is a per-client-IP token bucket allowing rate requests per
// window, with bursts up to rate.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	window   time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter creates a rate limiter owned by the server.
func (s *Server) newRateLimiter(requests int, window time.Duration) *rateLimiter {
	rl := newRateLimiter(requests, window)
	s.limiters = append(s.limiters, rl)
	return rl
}

func newRateLimiter(requests int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Every(window / time.Duration(requests)),
		burst:    requests,
		window:   window,
		done:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// cleanup forgets clients idle for two windows, whose buckets are full
// again anyway.
func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// allow takes a token from the client's bucket.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// retryAfter is the time for one token to refill, in whole seconds.
func (rl *rateLimiter) retryAfter() string {
	secs := math.Ceil(rl.window.Seconds() / float64(rl.burst))
	return strconv.Itoa(max(int(secs), 1))
}

// errRateLimited maps to RATE001.
type errRateLimited struct{}

func (errRateLimited) Error() string { return "rate limit exceeded" }

// middleware returns an HTTP middleware that rate limits by client IP.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			w.Header().Set("Retry-After", rl.retryAfter())
			respondError(w, r, errRateLimited{}, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the request's client address without the port.
// TrustedRealIP has already replaced RemoteAddr for proxied requests.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// writeJSON encodes v as JSON with the given status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("json encode error", "error", err)
	}
}
