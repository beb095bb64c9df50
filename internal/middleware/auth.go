package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"servicedesk/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys set by AuthMiddleware.
const (
	CtxTenantID    = "tenant_id"
	CtxUserID      = "user_id"
	CtxRoles       = "roles"
	CtxPermissions = "permissions"
)

// Claims 访问令牌声明；tenant_id 必填，所有数据访问都按租户隔离
type Claims struct {
	TenantID string   `json:"tenant_id"`
	UserID   uint     `json:"user_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Perms    []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs claims with HS256. ttl <= 0 issues a token without expiry.
func IssueToken(secret string, claims Claims, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	if claims.TenantID == "" {
		return "", errors.New("tenant_id is required")
	}
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(token, secret string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuedAt())
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return nil, errors.New("token has no tenant")
	}
	return claims, nil
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": msg,
	})
}

// AuthMiddleware enforces Authorization: Bearer <jwt> on protected routes.
// On success, it injects tenant_id, user_id, roles and permissions into gin.Context.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	secret := ""
	var rbac config.RBACConfig
	if cfg != nil {
		secret = cfg.JWT.Secret
		rbac = cfg.Security.RBAC
	}
	return func(c *gin.Context) {
		ah := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			unauthorized(c, "missing bearer token")
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])
		if token == "" || secret == "" {
			unauthorized(c, "invalid token or server misconfig")
			return
		}
		claims, err := parseToken(token, secret)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		c.Set(CtxTenantID, claims.TenantID)
		if claims.UserID != 0 {
			c.Set(CtxUserID, claims.UserID)
		}
		roles := dedupeStrings(claims.Roles)
		if len(roles) > 0 {
			c.Set(CtxRoles, roles)
		}
		if perms := expandPermissions(rbac, roles, claims.Perms); len(perms) > 0 {
			c.Set(CtxPermissions, perms)
		}
		c.Next()
	}
}

// expandPermissions merges explicit perms with those granted by roles. Without RBAC
// config the built-in admin/agent defaults apply.
func expandPermissions(rbac config.RBACConfig, roles, explicit []string) []string {
	perms := append([]string(nil), explicit...)
	for _, role := range roles {
		if rbac.Enabled {
			perms = append(perms, rbac.Roles[role]...)
			continue
		}
		switch role {
		case "admin":
			perms = append(perms, "*")
		case "agent":
			perms = append(perms, "tickets.*", "automation.read", "sla.read")
		}
	}
	return dedupeStrings(perms)
}

// TenantID returns the authenticated tenant, "" when the route is unauthenticated.
func TenantID(c *gin.Context) string {
	return c.GetString(CtxTenantID)
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
