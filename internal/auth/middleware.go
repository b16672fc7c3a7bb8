package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyPrincipal is the gin context key holding the caller's Principal.
const ContextKeyPrincipal = "authPrincipal"

// Middleware verifies the bearer token and stores the principal in the
// context. Requests without a valid token pass through unauthenticated;
// RequireAuth rejects them.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader("Authorization"); raw != "" {
			if p, err := v.Verify(raw); err == nil {
				c.Set(ContextKeyPrincipal, p)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without an authenticated principal.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := PrincipalFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects callers holding none of roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if !p.HasAny(roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "role " + string(p.Role) + " may not perform this action",
			})
			return
		}
		c.Next()
	}
}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(ContextKeyPrincipal)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// SetPrincipal stores p in the context. Used by tests and trusted
// in-process callers.
func SetPrincipal(c *gin.Context, p Principal) {
	c.Set(ContextKeyPrincipal, p)
}
