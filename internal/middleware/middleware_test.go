package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/echoes-app/echoes/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func protectedRouter(jwtService *auth.JWTService, current func() (string, bool)) *gin.Engine {
	r := gin.New()
	r.GET("/cloud", JWT(jwtService), DeviceUser(current), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return r
}

func get(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/cloud", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAndDeviceUser(t *testing.T) {
	svc := auth.NewJWTService("test-secret", 1)
	owner := uuid.New()
	other := uuid.New()
	r := protectedRouter(svc, func() (string, bool) { return owner.String(), true })

	if w := get(r, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: %d", w.Code)
	}
	if w := get(r, "garbage"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: %d", w.Code)
	}

	token, err := svc.Generate(owner, "owner@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if w := get(r, token); w.Code != http.StatusOK {
		t.Errorf("owner token: %d %s", w.Code, w.Body.String())
	}

	otherToken, err := svc.Generate(other, "other@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if w := get(r, otherToken); w.Code != http.StatusForbidden {
		t.Errorf("other user's token: %d", w.Code)
	}
}

func TestDeviceUserSignedOut(t *testing.T) {
	svc := auth.NewJWTService("test-secret", 1)
	r := protectedRouter(svc, func() (string, bool) { return "", false })
	token, _ := svc.Generate(uuid.New(), "a@example.com")
	if w := get(r, token); w.Code != http.StatusUnauthorized {
		t.Errorf("signed out device: %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS("http://localhost:5173"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin allowed: %q", got)
	}
}
