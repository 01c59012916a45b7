// Package middleware provides the HTTP middleware chain for the API:
// authentication, per-tenant rate limiting and usage metering.
package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

// Context keys set by the auth middleware.
const (
	ContextKeyTenantID = "tenantID"
	ContextKeyRole     = "role"
	ContextKeyTier     = "tier"
)

// RoleAdmin marks operator tokens allowed on admin routes.
const RoleAdmin = "admin"

// Claims are the JWT claims issued to tenants.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role,omitempty"`
	Tier     string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// Auth validates HMAC-signed bearer tokens and stores the tenant identity
// on the request context.
type Auth struct {
	secret []byte
	log    *logger.Logger
}

// NewAuth creates the auth middleware.
func NewAuth(secret []byte, log *logger.Logger) *Auth {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &Auth{secret: secret, log: log}
}

// Handler authenticates the request or aborts with 401.
func (a *Auth) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortUnauthorized(c, "missing authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortUnauthorized(c, "invalid authorization header format")
			return
		}

		claims, err := a.validateToken(parts[1])
		if err != nil {
			a.log.WithError(err).Warn("token validation failed")
			abortUnauthorized(c, "invalid token")
			return
		}

		c.Set(ContextKeyTenantID, claims.TenantID)
		c.Set(ContextKeyRole, claims.Role)
		c.Set(ContextKeyTier, claims.Tier)
		c.Next()
	}
}

// RequireAdmin aborts with 403 unless the token carries the admin role.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyRole) != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

// TenantID returns the authenticated tenant for the request.
func TenantID(c *gin.Context) string {
	return c.GetString(ContextKeyTenantID)
}

// Tier returns the pricing tier the token was issued for; empty means the
// default tier.
func Tier(c *gin.Context) string {
	return c.GetString(ContextKeyTier)
}

// IssueToken mints a tenant token. Used by ops tooling and tests.
func (a *Auth) IssueToken(tenantID, role, tier string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID: tenantID,
		Role:     role,
		Tier:     tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("token missing tenant_id")
	}
	return claims, nil
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}
