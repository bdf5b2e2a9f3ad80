package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
)

func newBareServer(buf *bytes.Buffer) *Server {
	s := &Server{
		auth:   auth.NewVerifier("test-secret", ""),
		logger: slog.New(slog.NewJSONHandler(buf, nil)),
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	return s
}

func TestRequestIDIsEchoed(t *testing.T) {
	var buf bytes.Buffer
	s := newBareServer(&buf)
	s.mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		if requestIDFromContext(r.Context()) != "abc-123" {
			t.Errorf("request id not in context")
		}
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("X-Request-ID = %q", got)
	}
	if !strings.Contains(buf.String(), `"route":"/ping"`) {
		t.Fatalf("access log missing route: %s", buf.String())
	}
}

func TestRecoverReturnsJSON500(t *testing.T) {
	var buf bytes.Buffer
	s := newBareServer(&buf)
	s.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("panic not logged")
	}
}

func TestAccessLogCarriesActor(t *testing.T) {
	var buf bytes.Buffer
	s := newBareServer(&buf)
	api := s.mux.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, actorFrom(r.Context()))
	})

	tok, err := s.auth.Sign(models.Actor{Role: models.RoleDriver, ID: "d9"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(buf.String(), `"actor_id":"d9"`) {
		t.Fatalf("access log missing actor: %s", buf.String())
	}
}
