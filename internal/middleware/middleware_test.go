package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"servicedesk/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = testSecret
	return cfg
}

func newAuthRouter(cfg *config.Config, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{AuthMiddleware(cfg)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		perms, _ := c.Get(CtxPermissions)
		c.JSON(http.StatusOK, gin.H{"tenant": TenantID(c), "perms": perms})
	})
	r.GET("/p", handlers...)
	r.POST("/p", handlers...)
	return r
}

func doRequest(r http.Handler, method, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/p", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	w := doRequest(newAuthRouter(testConfig()), http.MethodGet, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "missing bearer token")
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	tok, err := IssueToken(testSecret, Claims{TenantID: "acme", UserID: 7, Roles: []string{"agent"}}, time.Hour)
	require.NoError(t, err)

	w := doRequest(newAuthRouter(testConfig()), http.MethodGet, tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tenant":"acme"`)
	assert.Contains(t, w.Body.String(), `tickets.*`)
}

func TestAuthMiddleware_RejectsBadTokens(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		TenantID: "acme",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	wrongKey, err := IssueToken("other-secret", Claims{TenantID: "acme"}, time.Hour)
	require.NoError(t, err)

	noTenant, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: 1}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{TenantID: "acme"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	r := newAuthRouter(testConfig())
	for name, tok := range map[string]string{
		"expired":   expired,
		"wrong key": wrongKey,
		"no tenant": noTenant,
		"alg none":  noneAlg,
		"garbage":   "not.a.jwt",
	} {
		t.Run(name, func(t *testing.T) {
			w := doRequest(r, http.MethodGet, tok)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestAuthMiddleware_EmptySecretRejects(t *testing.T) {
	tok, err := IssueToken(testSecret, Claims{TenantID: "acme"}, time.Hour)
	require.NoError(t, err)
	cfg := testConfig()
	cfg.JWT.Secret = ""
	w := doRequest(newAuthRouter(cfg), http.MethodGet, tok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIssueToken_Validation(t *testing.T) {
	_, err := IssueToken("", Claims{TenantID: "acme"}, time.Hour)
	assert.Error(t, err)
	_, err = IssueToken(testSecret, Claims{}, time.Hour)
	assert.Error(t, err)
}

func TestExpandPermissions(t *testing.T) {
	assert.Equal(t, []string{"*"}, expandPermissions(config.RBACConfig{}, []string{"admin"}, nil))
	assert.Equal(t, []string{"sla.read"}, expandPermissions(config.RBACConfig{}, []string{"viewer"}, []string{"sla.read", " sla.read "}))

	rbac := config.RBACConfig{Enabled: true, Roles: map[string][]string{
		"ops":   {"automation.*", "sla.*"},
		"admin": {"tickets.read"},
	}}
	assert.Equal(t, []string{"automation.*", "sla.*"}, expandPermissions(rbac, []string{"ops"}, nil))
	// RBAC config overrides built-in defaults
	assert.Equal(t, []string{"tickets.read"}, expandPermissions(rbac, []string{"admin"}, nil))
}

func TestHasPermission(t *testing.T) {
	cases := []struct {
		granted  []string
		required string
		want     bool
	}{
		{[]string{"*"}, "sla.write", true},
		{[]string{"sla.*"}, "sla.write", true},
		{[]string{"sla.*"}, "sla", true},
		{[]string{"sla.*"}, "slax.read", false},
		{[]string{"automation.read"}, "automation.read", true},
		{[]string{"automation.read"}, "automation.write", false},
		{nil, "tickets.read", false},
		{nil, "", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HasPermission(tc.granted, tc.required), "%v %s", tc.granted, tc.required)
	}
}

func TestRequireResourcePermission(t *testing.T) {
	r := newAuthRouter(testConfig(), RequireResourcePermission("sla"))
	tok, err := IssueToken(testSecret, Claims{TenantID: "acme", Roles: []string{"agent"}}, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, doRequest(r, http.MethodGet, tok).Code)
	w := doRequest(r, http.MethodPost, tok)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient permission")

	admin, err := IssueToken(testSecret, Claims{TenantID: "acme", Roles: []string{"admin"}}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, doRequest(r, http.MethodPost, admin).Code)
}

func TestTokenBucket(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := newBucket(60, 2, now)
	assert.True(t, b.allow(now))
	assert.True(t, b.allow(now))
	assert.False(t, b.allow(now))
	// one token per second at 60 rpm
	assert.True(t, b.allow(now.Add(time.Second)))
	assert.False(t, b.allow(now.Add(time.Second)))
}

func TestRateLimiter_PerTenant(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewRateLimiter(config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		Burst:             1,
		WhitelistTenants:  []string{"vip"},
	})
	now := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return now }

	r := gin.New()
	r.GET("/p", func(c *gin.Context) {
		if tenant := c.GetHeader("X-Test-Tenant"); tenant != "" {
			c.Set(CtxTenantID, tenant)
		}
		c.Next()
	}, limiter.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(tenant string) int {
		req := httptest.NewRequest(http.MethodGet, "/p", nil)
		if tenant != "" {
			req.Header.Set("X-Test-Tenant", tenant)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("acme"))
	assert.Equal(t, http.StatusTooManyRequests, call("acme"))
	// other tenants have their own bucket
	assert.Equal(t, http.StatusOK, call("globex"))
	// whitelisted tenants are never limited
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, call("vip"))
	}
	// anonymous requests fall back to the client IP
	assert.Equal(t, http.StatusOK, call(""))
	assert.Equal(t, http.StatusTooManyRequests, call(""))

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, call("acme"))
}

func TestRateLimiter_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/p", NewRateLimiter(config.RateLimitingConfig{Enabled: false}).Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/p", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://app.example.com"}}))
	r.GET("/p", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.OPTIONS("/p", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/p", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/p", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}
