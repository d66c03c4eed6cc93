package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newAuthEcho(password string) *echo.Echo {
	e := echo.New()
	e.Use(TokenAuth(func() string { return password }))
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	e.GET("/healthz", ok)
	e.GET("/session/state", ok)
	return e
}

func TestTokenAuth_DisabledWhenNoPassword(t *testing.T) {
	e := newAuthEcho("")
	r := httptest.NewRequest(http.MethodGet, "/session/state", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestTokenAuth_HealthzAlwaysOpen(t *testing.T) {
	e := newAuthEcho("secret")
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestTokenAuth_AcceptedTokenSources(t *testing.T) {
	cases := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }},
		{"bearer_lowercase", func(r *http.Request) { r.Header.Set("Authorization", "bearer secret") }},
		{"x_auth_token", func(r *http.Request) { r.Header.Set("X-Auth-Token", "secret") }},
		{"query_password", func(r *http.Request) { q := r.URL.Query(); q.Set("password", "secret"); r.URL.RawQuery = q.Encode() }},
	}
	e := newAuthEcho("secret")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/session/state", nil)
			tc.setup(r)
			w := httptest.NewRecorder()
			e.ServeHTTP(w, r)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
		})
	}
}

func TestTokenAuth_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"missing", func(*http.Request) {}},
		{"wrong_bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }},
		{"wrong_header", func(r *http.Request) { r.Header.Set("X-Auth-Token", "nope") }},
		{"wrong_query", func(r *http.Request) { q := r.URL.Query(); q.Set("password", "nope"); r.URL.RawQuery = q.Encode() }},
	}
	e := newAuthEcho("secret")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/session/state", nil)
			tc.setup(r)
			w := httptest.NewRecorder()
			e.ServeHTTP(w, r)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
		})
	}
}
