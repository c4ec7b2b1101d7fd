// Package gate is the choke point every request passes through: it consults
// the traffic tracker, records security events, and guards admin routes with
// the session store.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskgate/internal/clock"
	"taskgate/internal/engine"
	"taskgate/internal/events"
	"taskgate/internal/metrics"
	"taskgate/internal/model"
	"taskgate/internal/session"
)

type ctxKey struct{}

type Options struct {
	Clock             clock.Clock
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	TrustProxy        bool
	TrustedProxyCount int
	LogCooldown       time.Duration
}

type Gate struct {
	tracker  *engine.Tracker
	events   *events.Log
	sessions *session.Store
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cooldown *engine.Cooldown
	opts     Options
}

func New(tracker *engine.Tracker, log *events.Log, sessions *session.Store, opts Options) *Gate {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Gate{
		tracker:  tracker,
		events:   log,
		sessions: sessions,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		cooldown: engine.NewCooldown(),
		opts:     opts,
	}
}

func (g *Gate) Tracker() *engine.Tracker { return g.tracker }
func (g *Gate) Events() *events.Log { return g.events }
func (g *Gate) Sessions() *session.Store { return g.sessions }
func (g *Gate) Now() time.Time { return g.clock.Now() }

// ClientAddress returns the address resolved by Middleware, or resolves it
// from the request when called outside the middleware.
func (g *Gate) ClientAddress(r *http.Request) string {
	if addr, ok := r.Context().Value(ctxKey{}).(string); ok {
		return addr
	}
	return ClientIP(r, g.opts.TrustProxy, g.opts.TrustedProxyCount)
}

// Middleware rejects blocked clients with 429 before any handler runs.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := ClientIP(r, g.opts.TrustProxy, g.opts.TrustedProxyCount)
		path := r.URL.RequestURI()
		now := g.clock.Now()

		d := g.tracker.Evaluate(addr, path, now)
		g.metrics.ObserveDecision(d)
		if !d.Admitted {
			g.events.Record(addr, path, d.Reason, model.LevelBlock)
			if g.logger != nil && g.cooldown.Allow("block|"+addr, now, g.opts.LogCooldown) {
				g.logger.Warn("request blocked", "client", addr, "path", path, "reason", d.Reason)
			}
			WriteError(w, http.StatusTooManyRequests, d.Reason)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, addr)))
	})
}

// RequireAdmin answers 403 unless the request carries a live bearer token.
func (g *Gate) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.sessions.Validate(BearerToken(r)) {
			addr := g.ClientAddress(r)
			g.events.Record(addr, r.URL.RequestURI(), model.ReasonUnauthorizedAccess, model.LevelBlock)
			if g.logger != nil {
				g.logger.Warn("unauthorized admin access", "client", addr, "path", r.URL.Path)
			}
			WriteError(w, http.StatusForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Password string `json:"password"`
}

// Login handles the admin credential check. Malformed or missing input is a
// validation failure and is not recorded as a security event.
func (g *Gate) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	addr := g.ClientAddress(r)
	path := r.URL.RequestURI()
	token, err := g.sessions.Authenticate(req.Password)
	switch {
	case errors.Is(err, session.ErrPasswordRequired):
		WriteError(w, http.StatusBadRequest, session.ErrPasswordRequired.Error())
	case errors.Is(err, session.ErrInvalidPassword):
		g.events.Record(addr, path, model.ReasonLoginFailed, model.LevelWarn)
		if g.logger != nil {
			g.logger.Warn("failed admin login", "client", addr)
		}
		WriteError(w, http.StatusUnauthorized, "Invalid password")
	case err != nil:
		if g.logger != nil {
			g.logger.Error("login failed", "err", err)
		}
		WriteError(w, http.StatusInternalServerError, "could not login")
	default:
		g.events.Record(addr, path, model.ReasonLoginSuccess, model.LevelInfo)
		if g.logger != nil {
			g.logger.Info("admin login", "client", addr)
		}
		WriteJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

// Logout revokes the presented token. Mount it behind RequireAdmin.
func (g *Gate) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.sessions.Revoke(BearerToken(r))
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// BearerToken returns "" when the header is absent or not a Bearer credential.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}
