package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func identityEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity, ok := IdentityFromContext(r.Context()); ok {
			_, _ = w.Write([]byte(identity.Subject))
			return
		}
		_, _ = w.Write([]byte("anonymous"))
	})
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	handler := Middleware(NewService(Config{}), nil)(identityEcho())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "anonymous" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "anonymous")
	}
}

func TestMiddlewareRejectsMissingCredentials(t *testing.T) {
	service := NewService(Config{Tokens: []TokenConfig{{Token: "tok", Subject: "ci"}}})
	handler := Middleware(service, nil)(identityEcho())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if !strings.Contains(rec.Body.String(), "unauthorized") {
		t.Errorf("body = %q, want an unauthorized error", rec.Body.String())
	}
}

func TestMiddlewareStaticBearer(t *testing.T) {
	service := NewService(Config{Tokens: []TokenConfig{{Token: "tok", Subject: "ci"}}})
	handler := Middleware(service, nil)(identityEcho())

	req := httptest.NewRequest(http.MethodPost, "/v1", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "ci" {
		t.Errorf("got %d %q, want 200 ci", rec.Code, rec.Body.String())
	}
}

func TestMiddlewareJWTBearer(t *testing.T) {
	service := NewService(Config{JWTSecret: "hmac-secret"})
	token, err := service.Issue(&Identity{Subject: "alice"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	handler := Middleware(service, nil)(identityEcho())

	req := httptest.NewRequest(http.MethodPost, "/v1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "alice" {
		t.Errorf("got %d %q, want 200 alice", rec.Code, rec.Body.String())
	}
}

func TestMiddlewareAPIKeyHeader(t *testing.T) {
	service := NewService(Config{Tokens: []TokenConfig{{Token: "tok", Subject: "ci"}}})
	handler := Middleware(service, nil)(identityEcho())

	req := httptest.NewRequest(http.MethodPost, "/v1", nil)
	req.Header.Set("X-API-Key", "tok")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "ci" {
		t.Errorf("got %d %q, want 200 ci", rec.Code, rec.Body.String())
	}
}

func TestMiddlewareQueryToken(t *testing.T) {
	service := NewService(Config{JWTSecret: "hmac-secret"})
	token, err := service.Issue(&Identity{Subject: "alice"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	handler := Middleware(service, nil)(identityEcho())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/tasks/t1?token="+token, nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "alice" {
		t.Errorf("got %d %q, want 200 alice", rec.Code, rec.Body.String())
	}
}

func TestMiddlewareRejectsBadBearer(t *testing.T) {
	service := NewService(Config{JWTSecret: "hmac-secret"})
	handler := Middleware(service, nil)(identityEcho())

	req := httptest.NewRequest(http.MethodPost, "/v1", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
