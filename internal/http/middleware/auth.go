// README: Auth middleware; verifies Firebase ID tokens and exposes the caller's uid and role.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"supportcarr/internal/infra"
)

const (
	ctxUID  = "caller_uid"
	ctxRole = "caller_role"

	// Dev identity headers, honoured only by DevIdentity.
	HeaderDevUser = "X-Dev-User"
	HeaderDevRole = "X-Dev-Role"
)

// Auth rejects requests without a valid Bearer token. The role comes from the
// token's "role" custom claim and defaults to rider.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			abort(c, "missing bearer token")
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil || token == nil {
			abort(c, "invalid token")
			return
		}
		c.Set(ctxUID, token.UID)
		c.Set(ctxRole, token.Role())
		c.Next()
	}
}

// DevIdentity trusts X-Dev-User / X-Dev-Role. Only for local runs without Firebase.
func DevIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetHeader(HeaderDevUser)
		if uid == "" {
			abort(c, "missing "+HeaderDevUser)
			return
		}
		role := c.GetHeader(HeaderDevRole)
		if role == "" {
			role = infra.DefaultRole
		}
		c.Set(ctxUID, uid)
		c.Set(ctxRole, role)
		c.Next()
	}
}

// RequireRole lets through only callers holding one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := CallerRole(c)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden: role " + role})
	}
}

func abort(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}
