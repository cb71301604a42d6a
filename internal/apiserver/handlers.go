package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sovi/pkg/domain"
	"sovi/pkg/store"
)

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	platform := domain.Platform(q.Get("platform"))
	state := domain.AccountState(q.Get("state"))
	nicheID := q.Get("nicheId")

	accounts, err := s.store.ListAccounts(r.Context(), platform, state, nicheID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list accounts: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	devices, err := s.store.ListActiveDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list devices: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.events.ByFilter(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleUnresolvedEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.events.Unresolved(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list unresolved events: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleEventResolve handles POST /api/events/{id}/resolve.
func (s *Server) handleEventResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id, ok := parseEventResolvePath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !s.resolveLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req struct {
		ResolvedBy string `json:"resolvedBy"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.ResolvedBy == "" {
		req.ResolvedBy = "operator"
	}

	if err := s.events.Resolve(r.Context(), id, req.ResolvedBy); err != nil {
		writeError(w, http.StatusInternalServerError, "resolve event: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func parseEventResolvePath(path string) (int64, bool) {
	path = strings.TrimPrefix(path, "/api/events/")
	path = strings.TrimSuffix(path, "/resolve")
	if path == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(path, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func parseEventFilter(r *http.Request) (store.EventFilter, error) {
	q := r.URL.Query()
	filter := store.EventFilter{
		Severity:  domain.EventSeverity(q.Get("severity")),
		Category:  domain.EventCategory(q.Get("category")),
		EventType: q.Get("eventType"),
		DeviceID:  q.Get("deviceId"),
		AccountID: q.Get("accountId"),
	}
	if raw := q.Get("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid resolved value %q", raw)
		}
		filter.Resolved = &resolved
	}
	if raw := q.Get("afterId"); raw != "" {
		afterID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid afterId value %q", raw)
		}
		filter.AfterID = afterID
	}
	filter.Limit = 100
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	return filter, nil
}

// handleLogsStream serves system events as Server-Sent Events, polling the
// store every 2 seconds for anything newer than the last event it sent.
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	var lastID int64
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := s.events.ByFilter(ctx, store.EventFilter{AfterID: lastID, Limit: 200})
			if err != nil {
				continue
			}
			for _, e := range events {
				payload, err := json.Marshal(e)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				if e.ID > lastID {
					lastID = e.ID
				}
			}
			if len(events) > 0 {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.schedulerLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if err := s.scheduler.Start(context.Background()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.schedulerLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 45*time.Second)
	defer cancel()
	if err := s.scheduler.Stop(ctx); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.scheduler.Running(),
		"workers": s.scheduler.Status(),
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
