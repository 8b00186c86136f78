package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"meetopen/internal/config"
	appLog "meetopen/internal/log"
	"meetopen/internal/model"
)

const (
	defaultHours    = 24
	maxHours        = 24 * 30
	lookbehind      = time.Hour
	shutdownTimeout = 5 * time.Second
)

// EventReader is the read side of the event store.
type EventReader interface {
	Ping(ctx context.Context) error
	QueryWindow(ctx context.Context, min, max time.Time) ([]model.Event, error)
}

// Server is the read-only status API: /health and /api/events.
type Server struct {
	cfg    *config.Config
	store  EventReader
	router *mux.Router
	now    func() time.Time
}

func NewServer(cfg *config.Config, store EventReader) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		router: mux.NewRouter(),
		now:    time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the router, wrapped with basic auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// empty username or password means disabled
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware guards everything except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="meetopen", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("status server listening", "listen", "http://"+s.cfg.Listen, "basic_auth", s.basicAuthEnabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		appLog.Error("health check failed", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type eventDTO struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Start   time.Time `json:"start"`
	URL     string    `json:"url"`
	Service string    `json:"service"`
	Opened  bool      `json:"opened"`
}

type eventsResponse struct {
	RangeStart time.Time  `json:"range_start"`
	RangeEnd   time.Time  `json:"range_end"`
	Events     []eventDTO `json:"events"`
}

// handleEvents lists tracked events from an hour ago to ?hours=N ahead.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	hours := parseIntDefault(r.URL.Query().Get("hours"), defaultHours)
	if hours <= 0 || hours > maxHours {
		writeError(w, http.StatusBadRequest, "hours must be between 1 and 720")
		return
	}

	loc := resolveLocationOrLocal(s.cfg.Timezone)
	now := s.now().In(loc)
	resp := eventsResponse{
		RangeStart: now.Add(-lookbehind),
		RangeEnd:   now.Add(time.Duration(hours) * time.Hour),
		Events:     []eventDTO{},
	}

	events, err := s.store.QueryWindow(r.Context(), resp.RangeStart, resp.RangeEnd)
	if err != nil {
		appLog.Error("events query failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	for _, e := range events {
		resp.Events = append(resp.Events, eventDTO{
			ID:      e.ID,
			Name:    e.Name,
			Start:   e.StartTime.In(loc),
			URL:     e.URL,
			Service: string(e.Service),
			Opened:  e.Opened,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" || name == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
