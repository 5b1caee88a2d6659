package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// makeToken создаёт подписанный токен с указанным claim service.
// Режим без JWKS не проверяет подпись, поэтому достаточно HS256.
func makeToken(t *testing.T, service string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if service != "" {
		claims["service"] = service
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("Ошибка создания тестового токена: %v", err)
	}
	return token
}

func testAuth() *TenantAuth {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewTenantAuthUnverified([]string{"/health/", "/metrics"}, logger)
}

// echoTenant — handler, возвращающий арендатора из контекста.
func echoTenant() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(TenantFromContext(r.Context())))
	})
}

func TestTenantAuth_ExtractsService(t *testing.T) {
	handler := testAuth().Middleware()(echoTenant())

	req := httptest.NewRequest(http.MethodGet, "/image", nil)
	req.Header.Set("Authorization", "Bearer "+makeToken(t, "admin"))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус: хотели 200, получили %d", rec.Code)
	}
	if got := rec.Body.String(); got != "admin" {
		t.Errorf("арендатор: хотели admin, получили %q", got)
	}
}

func TestTenantAuth_MissingHeader(t *testing.T) {
	handler := testAuth().Middleware()(echoTenant())

	req := httptest.NewRequest(http.MethodGet, "/image", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("статус: хотели 401, получили %d", rec.Code)
	}
}

func TestTenantAuth_BadFormat(t *testing.T) {
	handler := testAuth().Middleware()(echoTenant())

	for _, header := range []string{"Basic abc", "Bearer", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/image", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%q: хотели 401, получили %d", header, rec.Code)
		}
	}
}

func TestTenantAuth_MissingServiceClaim(t *testing.T) {
	handler := testAuth().Middleware()(echoTenant())

	req := httptest.NewRequest(http.MethodGet, "/image", nil)
	req.Header.Set("Authorization", "Bearer "+makeToken(t, ""))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("статус: хотели 401, получили %d", rec.Code)
	}
}

func TestTenantAuth_Exclusions(t *testing.T) {
	handler := testAuth().Middleware()(echoTenant())

	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s без токена: хотели 200, получили %d", path, rec.Code)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	id := "a1b2c3d4-e5f6-7890-abcd-ef1234567890"
	cases := []struct {
		path string
		want string
	}{
		{"/image", "/image"},
		{"/image/binary/", "/image/binary/"},
		{"/image/" + id, "/image/{id}"},
		{"/image/" + id + "/binary", "/image/{id}/binary"},
		{"/image/" + id + "/attrs", "/image/{id}/attrs"},
		{"/metrics", "/metrics"},
	}

	for _, tc := range cases {
		if got := normalizePath(tc.path); got != tc.want {
			t.Errorf("normalizePath(%q): хотели %q, получили %q", tc.path, tc.want, got)
		}
	}
}
