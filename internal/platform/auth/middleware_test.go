package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(subject string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func runJWT(t *testing.T, cfg JWTConfig, path, header string, handler echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath(path)
	return JWTMiddleware(cfg)(handler)(c)
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func okHandler(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/api/v1/screening-types", "", okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/", tt.header, okHandler)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	claims := validClaims("user-456")
	claims.TenantID = "tenant_abc"
	claims.Roles = []string{"physician"}
	claims.RealmAccess.Roles = []string{"nurse"}
	tokenStr := createTestToken(t, claims, testSigningKey)

	var called bool
	err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/", "Bearer "+tokenStr, func(c echo.Context) error {
		called = true
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "user-456" {
			t.Errorf("expected user_id=user-456, got %s", uid)
		}
		roles := RolesFromContext(ctx)
		if len(roles) != 2 || roles[0] != "physician" || roles[1] != "nurse" {
			t.Errorf("expected roles=[physician nurse], got %v", roles)
		}
		if tid, _ := c.Get("jwt_tenant_id").(string); tid != "tenant_abc" {
			t.Errorf("expected tenant_id=tenant_abc, got %s", tid)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims("user-123")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	tokenStr := createTestToken(t, claims, testSigningKey)

	err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/", "Bearer "+tokenStr, okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-1"), []byte("another-key"))
	err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/", "Bearer "+tokenStr, okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_IssuerAndAudience(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.test", Audience: "screening"}

	good := validClaims("user-1")
	good.Issuer = "https://idp.test"
	good.Audience = jwt.ClaimStrings{"screening"}
	if err := runJWT(t, cfg, "/", "Bearer "+createTestToken(t, good, testSigningKey), okHandler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := good
	bad.Audience = jwt.ClaimStrings{"billing"}
	err := runJWT(t, cfg, "/", "Bearer "+createTestToken(t, bad, testSigningKey), okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_RS256ViaJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{rsaPublicKeyToJWK(key, "k1")}})
	}))
	defer server.Close()

	claims := validClaims("user-rs")
	claims.Roles = []string{"nurse"}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "k1"
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	err = runJWT(t, JWTConfig{JWKSURL: server.URL}, "/", "Bearer "+tokenStr, func(c echo.Context) error {
		if uid := UserIDFromContext(c.Request().Context()); uid != "user-rs" {
			t.Errorf("expected user-rs, got %s", uid)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An HS256 token must not pass RS256 validation.
	hs := createTestToken(t, claims, testSigningKey)
	expectStatus(t, runJWT(t, JWTConfig{JWKSURL: server.URL}, "/", "Bearer "+hs, okHandler), http.StatusUnauthorized)
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}
	for _, path := range []string{"/health", "/health/db"} {
		if err := runJWT(t, cfg, path, "", okHandler); err != nil {
			t.Errorf("%s: expected skip, got %v", path, err)
		}
	}
	expectStatus(t, runJWT(t, cfg, "/api/v1/screenings/refresh", "", okHandler), http.StatusUnauthorized)
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/health") {
		t.Error("expected /health to be public")
	}
	if IsPublicPath("/api/v1/patients/:id/screenings") {
		t.Error("expected screening routes to be protected")
	}
}

func TestDevAuthMiddleware_WithDefaults(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err := DevAuthMiddleware(nil)(func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "dev-user" {
			t.Errorf("expected user_id=dev-user, got %s", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "admin" {
			t.Errorf("expected roles=[admin], got %v", roles)
		}
		if tid, _ := c.Get("jwt_tenant_id").(string); tid != "default" {
			t.Errorf("expected tenant_id=default, got %s", tid)
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_SkipsPublicPaths(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	c.SetPath("/health")

	DevAuthMiddleware(AuthSkipper)(func(c echo.Context) error {
		if UserIDFromContext(c.Request().Context()) != "" {
			t.Error("expected no dev user on a public path")
		}
		return nil
	})(c)
}
