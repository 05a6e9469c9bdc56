// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the REST and streaming surface over the monitoring
// store. The API never writes counting state; it reads what the monitor
// daemon records and drives the alert manager for the mutating endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bacmon.is/bacmon/internal/alerting"
	"bacmon.is/bacmon/internal/clock"
	"bacmon.is/bacmon/internal/config"
	"bacmon.is/bacmon/internal/kvstore"
	"bacmon.is/bacmon/internal/logging"
	"bacmon.is/bacmon/internal/metrics"
)

// DefaultListen is the API bind address when the config does not set one.
const DefaultListen = ":8080"

// ServerConfig carries the HTTP server limits.
type ServerConfig struct {
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// DefaultServerConfig returns production HTTP limits. WriteTimeout is zero so
// the streaming endpoints can outlive a request timeout.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// Server is the API server.
type Server struct {
	cfg       *config.Config
	store     kvstore.Store
	alerts    *alerting.Manager
	log       *logging.Logger
	router    *mux.Router
	collector *metrics.Collector

	// keys indexes the configured API keys by secret.
	keys     map[string]config.APIKeyConfig
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	// streamPoll is the cadence of the SSE and websocket pollers;
	// tests shorten it.
	streamPoll time.Duration
}

// NewServer wires the router over the store and alert manager. alerts may be
// nil when alerting is not configured; the alert endpoints then report empty.
func NewServer(cfg *config.Config, store kvstore.Store, alerts *alerting.Manager, log *logging.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		alerts:     alerts,
		log:        log.WithComponent("api"),
		keys:       make(map[string]config.APIKeyConfig),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		streamPoll: time.Second,
	}
	if cfg.API != nil {
		for _, kc := range cfg.API.Keys {
			s.keys[kc.Key] = kc
		}
	}
	s.router = s.initRoutes()
	return s
}

// Router exposes the handler, for tests and for embedding.
func (s *Server) Router() http.Handler { return s.router }

// SetCollector attaches the traffic rate collector so the status surfaces can
// report per-family rates.
func (s *Server) SetCollector(c *metrics.Collector) { s.collector = c }

func (s *Server) initRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/api/ws/status", s.require("read", s.handleWSStatus)).Methods(http.MethodGet)

	// /api/v1 and /api/v2 before the bare /api prefix, which aliases v1.
	s.register(r.PathPrefix("/api/v1").Subrouter(), "v1")
	s.register(r.PathPrefix("/api/v2").Subrouter(), "v2")
	s.register(r.PathPrefix("/api").Subrouter(), "v1")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, "no such endpoint", 0)
	})
	return r
}

// register installs one API version's routes on a subrouter.
func (s *Server) register(r *mux.Router, version string) {
	r.Use(versionMiddleware(version))

	r.Handle("/status", s.require("read", s.handleStatus)).Methods(http.MethodGet)
	r.Handle("/monitoring", s.require("read", s.handleMonitoring)).Methods(http.MethodGet)
	r.Handle("/traffic", s.require("read", s.handleTraffic)).Methods(http.MethodGet)
	r.Handle("/devices", s.require("read", s.handleDevices)).Methods(http.MethodGet)
	r.Handle("/anomalies", s.require("read", s.handleAnomalies)).Methods(http.MethodGet)
	r.Handle("/export", s.require("read", s.handleExport)).Methods(http.MethodGet)

	r.Handle("/alerts", s.require("read", s.handleAlerts)).Methods(http.MethodGet)
	r.Handle("/alerts/history", s.require("read", s.handleAlertHistory)).Methods(http.MethodGet)
	r.Handle("/alerts/maintenance", s.require("read", s.handleListMaintenance)).Methods(http.MethodGet)
	r.Handle("/alerts/maintenance", s.require("admin", s.handleAddMaintenance)).Methods(http.MethodPost)
	r.Handle("/alerts/maintenance/delete", s.require("admin", s.handleDeleteMaintenance)).Methods(http.MethodPost)
	r.Handle("/alerts/{uuid}/acknowledge", s.require("admin", s.handleAcknowledge)).Methods(http.MethodPost)
	r.Handle("/alerts/{uuid}/resolve", s.require("admin", s.handleResolve)).Methods(http.MethodPost)
	r.Handle("/alerts/{uuid}", s.require("read", s.handleAlert)).Methods(http.MethodGet)

	r.Handle("/clear/{target}", s.require("admin", s.handleClear)).Methods(http.MethodGet)
	r.Handle("/flush", s.require("admin", s.handleFlush)).Methods(http.MethodPost)

	if version == "v2" {
		r.Handle("/monitoring/stream", s.require("read", s.handleMonitoringStream)).Methods(http.MethodGet)
		r.Handle("/alerts/stream", s.require("read", s.handleAlertStream)).Methods(http.MethodGet)
		r.Handle("/data/aggregate", s.require("read", s.handleAggregate)).Methods(http.MethodGet)
	}
}

// versionMiddleware stamps the path's API version onto the request context so
// the envelope can report it.
func versionMiddleware(version string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), versionKey, version)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// require wraps a handler with authentication and a permission check. When
// require_auth is off every request carries full permissions.
func (s *Server) require(perm string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API == nil || !s.cfg.API.RequireAuth {
			h(w, r)
			return
		}

		secret := r.Header.Get("X-API-Key")
		if secret == "" {
			if c, err := r.Cookie("session"); err == nil {
				secret = c.Value
			}
		}
		if secret == "" {
			WriteError(w, r, http.StatusUnauthorized, "authentication required", 0)
			return
		}
		kc, ok := s.keys[secret]
		if !ok {
			WriteError(w, r, http.StatusUnauthorized, "invalid API key", 0)
			return
		}
		if !hasPermission(kc.Permissions, perm) {
			WriteError(w, r, http.StatusForbidden, "insufficient permissions", 0)
			return
		}
		h(w, r)
	})
}

// hasPermission checks a key's permission list; admin implies read and write.
func hasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want || p == "admin" {
			return true
		}
	}
	return false
}

// loggingMiddleware logs each request and feeds the request counter. The
// wrapped writer keeps Flush and Hijack available for the streaming routes.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		metrics.Get().APIRequests.WithLabelValues(r.Method, statusClass(rw.status)).Inc()
		logging.APILog("debug", "%s %s -> %d (%s)",
			r.Method, r.URL.Path, rw.status, clock.Now().Sub(start))
	})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	listen := DefaultListen
	if s.cfg.API != nil && s.cfg.API.Listen != "" {
		listen = s.cfg.API.Listen
	}
	sc := DefaultServerConfig()
	s.httpSrv = &http.Server{
		Addr:              listen,
		Handler:           s.router,
		ReadTimeout:       sc.ReadTimeout,
		ReadHeaderTimeout: sc.ReadHeaderTimeout,
		WriteTimeout:      sc.WriteTimeout,
		IdleTimeout:       sc.IdleTimeout,
		MaxHeaderBytes:    sc.MaxHeaderBytes,
	}
	s.log.Info("api listening", "addr", listen)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// storeError reports a store failure: missing keys are the caller's concern,
// anything else means the store is down.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Warn("store access failed", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusServiceUnavailable, "key-value store unavailable", 0)
}
