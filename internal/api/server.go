package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"

	"taskgate/internal/config"
	"taskgate/internal/gate"
	"taskgate/internal/metrics"
	"taskgate/internal/model"
	"taskgate/internal/storage"
)

type Server struct {
	gate    *gate.Gate
	tasks   storage.TaskStore
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewServer accepts a nil task store; task routes then answer 503.
func NewServer(g *gate.Gate, tasks storage.TaskStore, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{gate: g, tasks: tasks, metrics: m, logger: logger}
}

// Handler builds the route table behind the gate. CORS sits outside the gate
// so browser preflights are answered without touching the tracker.
func (s *Server) Handler(corsOrigins []string) http.Handler {
	admin := s.gate.RequireAdmin

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/hello", s.handleHello)
	mux.HandleFunc("/api/security-events", s.handleSecurityEvents)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTask)
	mux.HandleFunc("/api/auth/login", s.gate.Login)
	mux.Handle("/api/auth/logout", admin(http.HandlerFunc(s.gate.Logout)))
	mux.Handle("/api/admin", admin(http.HandlerFunc(s.handleAdmin)))
	mux.Handle("/api/admin/clients", admin(http.HandlerFunc(s.handleClients)))
	mux.Handle("/api/admin/clients/reset", admin(http.HandlerFunc(s.handleClientsReset)))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	c := cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.gate.Middleware(mux))
}

// Start binds cfg.Addr and serves until ctx is cancelled, then shuts down
// gracefully. A bind failure is returned; later serve failures arrive on the
// returned channel.
func Start(ctx context.Context, cfg config.APIConfig, handler http.Handler, logger *slog.Logger) (*http.Server, <-chan error, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	if logger != nil {
		logger.Info("api listening", "addr", ln.Addr().String())
	}
	httpServer := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
			errCh <- err
		}
		close(errCh)
	}()
	return httpServer, errCh, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	gate.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Backend is running",
		"time":    s.gate.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	gate.WriteJSON(w, http.StatusOK, map[string]string{"message": "Hello from backend"})
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := s.gate.Events()
	var list []model.SecurityEvent
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			gate.WriteError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		list = log.Since(ts)
	} else {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				gate.WriteError(w, http.StatusBadRequest, "limit must be an integer")
				return
			}
			limit = n
		}
		list = log.List(limit)
	}
	gate.WriteJSON(w, http.StatusOK, list)
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	gate.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Welcome admin"})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	clients := s.gate.Tracker().Snapshot(s.gate.Now())
	gate.WriteJSON(w, http.StatusOK, map[string]any{
		"clients":       clients,
		"count":         len(clients),
		"active_tokens": s.gate.Sessions().Len(),
	})
}

func (s *Server) handleClientsReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cleared := s.gate.Tracker().Reset()
	if s.logger != nil {
		s.logger.Warn("tracker reset by admin", "client", s.gate.ClientAddress(r), "cleared", cleared)
	}
	gate.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "cleared": cleared})
}
