// Package apiserver exposes the HTTP query/control surface over the
// device fleet: account and device listings, the system event log, a log
// tail stream, and scheduler start/stop/status.
package apiserver

import (
	"fmt"
	"net/http"
	"time"

	"sovi/internal/ratelimit"
	"sovi/internal/scheduler"
	"sovi/internal/util"
	"sovi/pkg/eventlog"
	"sovi/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store     store.Store
	Events    *eventlog.Log
	Scheduler *scheduler.Scheduler

	RedisAddr                   string
	RedisPassword               string
	SchedulerRateLimitPerMinute int
	ResolveRateLimitPerMinute   int
}

// Server exposes HTTP endpoints over the fleet's store, event log, and
// scheduler.
type Server struct {
	store     store.Store
	events    *eventlog.Log
	scheduler *scheduler.Scheduler
	mux       *http.ServeMux

	schedulerLimiter *ratelimit.FixedWindowLimiter
	resolveLimiter   *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured. Rate limiters degrade
// to fail-closed if Redis is unreachable, matching the limiter's own
// contract; they are never optional once a RedisAddr is configured.
func New(cfg Config) (*Server, error) {
	schedulerLimit := cfg.SchedulerRateLimitPerMinute
	if schedulerLimit <= 0 {
		schedulerLimit = 6
	}
	resolveLimit := cfg.ResolveRateLimitPerMinute
	if resolveLimit <= 0 {
		resolveLimit = 60
	}

	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "sovi:apiserver:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	schedulerLimiter, err := newLimiter("scheduler-control", schedulerLimit)
	if err != nil {
		return nil, err
	}
	resolveLimiter, err := newLimiter("event-resolve", resolveLimit)
	if err != nil {
		return nil, err
	}

	s := &Server{
		store:            cfg.Store,
		events:           cfg.Events,
		scheduler:        cfg.Scheduler,
		mux:              http.NewServeMux(),
		schedulerLimiter: schedulerLimiter,
		resolveLimiter:   resolveLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	logged := util.WithRequestLog("apiserver", s.mux)
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(logged)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/api/accounts", s.handleAccounts)
	s.mux.HandleFunc("/api/devices", s.handleDevices)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/events/unresolved", s.handleUnresolvedEvents)
	s.mux.HandleFunc("/api/events/", s.handleEventResolve)
	s.mux.HandleFunc("/api/logs/stream", s.handleLogsStream)

	s.mux.HandleFunc("/api/scheduler/start", s.handleSchedulerStart)
	s.mux.HandleFunc("/api/scheduler/stop", s.handleSchedulerStop)
	s.mux.HandleFunc("/api/scheduler/status", s.handleSchedulerStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clientKey identifies the caller for rate limiting. No trusted proxy list
// is configured, so forwarded headers are never trusted: this always
// resolves to the direct peer address.
func clientKey(r *http.Request) string {
	return util.ClientIP(r, nil)
}
