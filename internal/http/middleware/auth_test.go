package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"supportcarr/internal/http/middleware"
	"supportcarr/internal/infra"
	"supportcarr/internal/logging"
)

// stubVerifier is a test double for infra.TokenVerifier.
type stubVerifier struct {
	token *infra.IdentityToken
	err   error
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, _ string) (*infra.IdentityToken, error) {
	return s.token, s.err
}

func newTestRouter(identity gin.HandlerFunc, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Recovery(logging.Discard()), identity)
	handlers := append(extra, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": middleware.CallerUID(c), "role": middleware.CallerRole(c)})
	})
	r.GET("/test", handlers...)
	r.GET("/panic", func(*gin.Context) { panic("boom") })
	return r
}

func serve(r *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func identity(t *testing.T, w *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body struct{ UID, Role string }
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return body.UID, body.Role
}

func TestAuth_Rejections(t *testing.T) {
	ok := &stubVerifier{token: &infra.IdentityToken{UID: "user1"}}
	tests := []struct {
		name     string
		verifier *stubVerifier
		header   string
	}{
		{"missing header", ok, ""},
		{"wrong scheme", ok, "Token sometoken"},
		{"empty bearer", ok, "Bearer  "},
		{"verifier error", &stubVerifier{err: errors.New("bad token")}, "Bearer invalid"},
		{"nil token", &stubVerifier{}, "Bearer whatever"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(middleware.Auth(tt.verifier))
			w := serve(r, "/test", map[string]string{"Authorization": tt.header})
			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
		})
	}
}

func TestAuth_ValidToken_UIDAndRolePopulated(t *testing.T) {
	token := &infra.IdentityToken{UID: "driver123", Claims: map[string]interface{}{"role": "driver"}}
	r := newTestRouter(middleware.Auth(&stubVerifier{token: token}))
	w := serve(r, "/test", map[string]string{"Authorization": "Bearer validtoken"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	uid, role := identity(t, w)
	if uid != "driver123" || role != "driver" {
		t.Errorf("got uid=%q role=%q", uid, role)
	}
}

func TestAuth_NoRoleClaimDefaultsToRider(t *testing.T) {
	token := &infra.IdentityToken{UID: "rider456", Claims: map[string]interface{}{}}
	r := newTestRouter(middleware.Auth(&stubVerifier{token: token}))
	w := serve(r, "/test", map[string]string{"Authorization": "Bearer validtoken"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, role := identity(t, w); role != "rider" {
		t.Errorf("expected rider role, got %q", role)
	}
}

func TestDevIdentity(t *testing.T) {
	r := newTestRouter(middleware.DevIdentity())
	if w := serve(r, "/test", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without dev user, got %d", w.Code)
	}
	w := serve(r, "/test", map[string]string{middleware.HeaderDevUser: "ops", middleware.HeaderDevRole: "admin"})
	if uid, role := identity(t, w); uid != "ops" || role != "admin" {
		t.Errorf("got uid=%q role=%q", uid, role)
	}
}

func TestRequireRole(t *testing.T) {
	r := newTestRouter(middleware.DevIdentity(), middleware.RequireRole("admin", "system"))
	tests := []struct {
		role string
		want int
	}{
		{"admin", http.StatusOK},
		{"system", http.StatusOK},
		{"driver", http.StatusForbidden},
		{"", http.StatusForbidden},
	}
	for _, tt := range tests {
		w := serve(r, "/test", map[string]string{middleware.HeaderDevUser: "u1", middleware.HeaderDevRole: tt.role})
		if tt.role == "" {
			// an empty header falls back to rider
			w = serve(r, "/test", map[string]string{middleware.HeaderDevUser: "u1"})
		}
		if w.Code != tt.want {
			t.Errorf("role %q: expected %d, got %d", tt.role, tt.want, w.Code)
		}
	}
}

func TestRecovery_PanicBecomes500(t *testing.T) {
	r := newTestRouter(middleware.DevIdentity())
	w := serve(r, "/panic", map[string]string{middleware.HeaderDevUser: "u1"})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}
