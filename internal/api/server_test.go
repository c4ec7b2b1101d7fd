package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskgate/internal/clock"
	"taskgate/internal/config"
	"taskgate/internal/engine"
	"taskgate/internal/events"
	"taskgate/internal/gate"
	"taskgate/internal/metrics"
	"taskgate/internal/model"
	"taskgate/internal/session"
	"taskgate/internal/storage"
)

type testEnv struct {
	handler http.Handler
	gate    *gate.Gate
}

func newTestEnv(t *testing.T, withStore bool) *testEnv {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m := metrics.New()
	log := events.NewLog(100, clk)
	log.AddSink(m)
	g := gate.New(
		engine.NewTracker(config.DefaultGate(), clk, nil),
		log,
		session.NewStore(config.AuthConfig{AdminPassword: "admin123"}),
		gate.Options{Clock: clk, Metrics: m},
	)
	var tasks storage.TaskStore
	if withStore {
		store, err := storage.NewSQLite("file:" + filepath.Join(t.TempDir(), "api.db"))
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		if err := store.Init(context.Background()); err != nil {
			t.Fatalf("init store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		tasks = store
	}
	srv := NewServer(g, tasks, m, nil)
	return &testEnv{handler: srv.Handler([]string{"*"}), gate: g}
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "192.0.2.10:40000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestHealthAndHello(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, "GET", "/api/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
	if rec := env.do(t, "GET", "/api/hello", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("hello status %d", rec.Code)
	}
}

func TestTaskCRUD(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, "POST", "/api/tasks", `{"title":"buy milk"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d", rec.Code)
	}
	created := decode[model.Task](t, rec)
	if created.Title != "buy milk" || created.Done {
		t.Fatalf("unexpected task: %+v", created)
	}

	path := "/api/tasks/" + itoa(created.ID)
	rec = env.do(t, "PUT", path, `{"done":true}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("update status %d", rec.Code)
	}
	if updated := decode[model.Task](t, rec); !updated.Done || updated.Title != "buy milk" {
		t.Fatalf("unexpected update: %+v", updated)
	}

	rec = env.do(t, "GET", "/api/tasks", "", "")
	list := decode[[]model.Task](t, rec)
	if len(list) != 1 || !list[0].Done {
		t.Fatalf("unexpected list: %+v", list)
	}

	if rec := env.do(t, "DELETE", path, "", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}
	if rec := env.do(t, "DELETE", path, "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status %d", rec.Code)
	}
	if rec := env.do(t, "PUT", "/api/tasks/999", `{"title":"x"}`, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("update missing status %d", rec.Code)
	}
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, "POST", "/api/tasks", `{}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["error"] != "title is required" {
		t.Fatalf("unexpected error: %v", body)
	}
}

func TestTasksWithoutStorage(t *testing.T) {
	env := newTestEnv(t, false)
	if rec := env.do(t, "GET", "/api/tasks", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestSecurityEventsListing(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, "POST", "/api/auth/login", `{"password":"wrong"}`, "")
	env.do(t, "GET", "/api/admin", "", "")

	rec := env.do(t, "GET", "/api/security-events", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	list := decode[[]model.SecurityEvent](t, rec)
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].Reason != model.ReasonUnauthorizedAccess || list[1].Reason != model.ReasonLoginFailed {
		t.Fatalf("expected newest first: %+v", list)
	}
	if list[0].ID <= list[1].ID {
		t.Fatalf("ids not ordered newest first: %+v", list)
	}

	rec = env.do(t, "GET", "/api/security-events?limit=1", "", "")
	if got := decode[[]model.SecurityEvent](t, rec); len(got) != 1 {
		t.Fatalf("limit ignored: %+v", got)
	}
	if rec := env.do(t, "GET", "/api/security-events?since=yesterday", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since status %d", rec.Code)
	}
	rec = env.do(t, "GET", "/api/security-events?limit=abc", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["error"] != "limit must be an integer" {
		t.Fatalf("unexpected error: %v", body)
	}
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, "POST", "/api/auth/login", `{"password":"admin123"}`, "")
	token := decode[map[string]string](t, rec)["token"]

	rec = env.do(t, "GET", "/api/admin", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status %d", rec.Code)
	}
	if body := decode[map[string]any](t, rec); body["message"] != "Welcome admin" {
		t.Fatalf("unexpected admin body: %v", body)
	}

	rec = env.do(t, "GET", "/api/admin/clients", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("clients status %d", rec.Code)
	}
	body := decode[struct {
		Clients []model.ClientStat `json:"clients"`
	}](t, rec)
	if len(body.Clients) != 1 || body.Clients[0].ClientAddress != "192.0.2.10" || body.Clients[0].SuspiciousCount != 3 {
		t.Fatalf("unexpected clients: %+v", body.Clients)
	}
}

func TestClientsOmitUnsetBlock(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, "POST", "/api/auth/login", `{"password":"admin123"}`, "")
	token := decode[map[string]string](t, rec)["token"]
	rec = env.do(t, "GET", "/api/admin/clients", "", token)
	if strings.Contains(rec.Body.String(), "blocked_until") {
		t.Fatalf("unblocked client should not report blocked_until: %s", rec.Body.String())
	}
}

func TestClientsReset(t *testing.T) {
	env := newTestEnv(t, false)
	if rec := env.do(t, "POST", "/api/admin/clients/reset", "", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("reset without token status %d", rec.Code)
	}
	rec := env.do(t, "POST", "/api/auth/login", `{"password":"admin123"}`, "")
	token := decode[map[string]string](t, rec)["token"]

	rec = env.do(t, "GET", "/api/admin/clients/reset", "", token)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET reset status %d", rec.Code)
	}
	rec = env.do(t, "POST", "/api/admin/clients/reset", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status %d", rec.Code)
	}
	if body := decode[map[string]any](t, rec); body["cleared"] != float64(1) {
		t.Fatalf("unexpected reset body: %v", body)
	}

	// The record is rebuilt from scratch by the next request.
	st, ok := env.gate.Tracker().Stat("192.0.2.10", env.gate.Now())
	if ok {
		t.Fatalf("record should be gone after reset: %+v", st)
	}
	env.do(t, "GET", "/api/hello", "", "")
	st, _ = env.gate.Tracker().Stat("192.0.2.10", env.gate.Now())
	if st.RequestCount != 1 || st.SuspiciousCount != 0 {
		t.Fatalf("unexpected stat after reset: %+v", st)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, "GET", "/api/admin", "", "")
	rec := env.do(t, "GET", "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	out := rec.Body.String()
	if !strings.Contains(out, `taskgate_security_events_total{level="block"} 1`) {
		t.Fatalf("security event counter missing:\n%s", out)
	}
	if !strings.Contains(out, `taskgate_requests_total{decision="admitted"}`) {
		t.Fatalf("request counter missing")
	}
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t, false)
	req := httptest.NewRequest("GET", "/api/hello", nil)
	req.RemoteAddr = "192.0.2.10:40000"
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header: %v", rec.Header())
	}
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
