// Package web implements JSON API server over the board storage
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/boardstore/app/domain"
	"github.com/umputun/boardstore/app/storage"
)

// Store defines storage operations used by the server, implemented by storage.Storage
type Store interface {
	Save(ctx context.Context, snap domain.Snapshot) error
	Load(ctx context.Context, def domain.Snapshot) (domain.Snapshot, error)
	Clear(ctx context.Context) error
	ClearAll(ctx context.Context) error
	Stats(ctx context.Context) (storage.Stats, error)
	SaveSettings(ctx context.Context, values map[string]json.RawMessage) error
	LoadSettings(ctx context.Context) (map[string]json.RawMessage, error)
	Persistent() bool
}

// Config holds server configuration
type Config struct {
	Store      Store
	Defaults   func(now time.Time) domain.Snapshot // snapshot returned for empty store, domain.DefaultSnapshot if nil
	Version    string
	BaseURL    string  // base URL path for reverse proxy (e.g., /boards), empty for root
	MaxBody    int64   // max request size, 1MB if not set
	WriteLimit float64 // max mutating requests per second per client, 10 if not set
}

// Server represents the web server
type Server struct {
	store      Store
	defaults   func(now time.Time) domain.Snapshot
	version    string
	baseURL    string
	maxBody    int64
	writeLimit float64
}

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("web server initialization failed: Store is required")
	}
	s := &Server{
		store:      cfg.Store,
		defaults:   cfg.Defaults,
		version:    cfg.Version,
		baseURL:    cfg.BaseURL,
		maxBody:    cfg.MaxBody,
		writeLimit: cfg.WriteLimit,
	}
	if s.defaults == nil {
		s.defaults = domain.DefaultSnapshot
	}
	if s.maxBody <= 0 {
		s.maxBody = 1024 * 1024
	}
	if s.writeLimit <= 0 {
		s.writeLimit = 10
	}
	return s, nil
}

// Run starts the web server and blocks until ctx canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// handler returns the http.Handler with base URL wrapping applied
func (s *Server) handler() http.Handler {
	routes := s.routes()
	if s.baseURL == "" {
		return routes
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.baseURL, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.baseURL+"/", http.StatusMovedPermanently)
	})
	mux.Handle(s.baseURL+"/", http.StripPrefix(s.baseURL, routes))
	return mux
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("boardstore", "umputun", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(s.maxBody),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	writeLimiter := tollbooth.NewLimiter(s.writeLimit, nil)
	writeLimiter.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	writeLimiter.SetMessageContentType("application/json")
	writeLimiter.SetMessage(`{"error":"too many requests"}`)

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache, s.persistentHeader)

		api.HandleFunc("GET /snapshot", s.handleGetSnapshot)
		api.HandleFunc("GET /settings", s.handleGetSettings)
		api.HandleFunc("GET /stats", s.handleGetStats)

		api.Group().Route(func(w *routegroup.Bundle) {
			w.Use(tollbooth.HTTPMiddleware(writeLimiter), s.requirePersistent)
			w.HandleFunc("PUT /snapshot", s.handlePutSnapshot)
			w.HandleFunc("PUT /settings", s.handlePutSettings)
			w.HandleFunc("POST /clear", s.handleClear)
			w.HandleFunc("POST /clear-all", s.handleClearAll)
		})
	})

	return router
}

// persistentHeader reports storage mode in X-Storage-Persistent header
func (s *Server) persistentHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Storage-Persistent", fmt.Sprintf("%t", s.store.Persistent()))
		next.ServeHTTP(w, r)
	})
}

// requirePersistent rejects mutating requests if storage has no database
func (s *Server) requirePersistent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.store.Persistent() {
			s.writeJSONError(w, http.StatusServiceUnavailable, storage.ErrNotPersistent.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
