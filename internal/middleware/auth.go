package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/botgate/internal/auth"
)

// Context keys for operator claims stored in gin.Context. Constants so
// a typo'd key is a compile error in handlers, not a silent nil.
const (
	ContextKeyOperatorID = "operator_id"
	ContextKeyTenantID   = "tenant_id"
)

// OpsAuthMiddleware guards the operator API group. It validates the
// bearer token and stores the claims for the handlers; an invalid or
// missing token aborts the chain with 401 before any handler runs.
//
// Ingest traffic never passes through here — bots authenticate by
// tenant credential at the ingest route.
func OpsAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization format, expected: Bearer <token>",
			})
			return
		}

		claims, err := auth.ParseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ContextKeyOperatorID, claims.OperatorID)
		c.Set(ContextKeyTenantID, claims.TenantID)
		c.Next()
	}
}

func GetOperatorID(c *gin.Context) string {
	val, exists := c.Get(ContextKeyOperatorID)
	if !exists {
		return ""
	}
	id, ok := val.(string)
	if !ok {
		return ""
	}
	return id
}

// GetTenantID returns the tenant scope of the operator token. Every
// ops handler filters by it — an operator for tenant A cannot list or
// reverse tenant B's mitigations.
func GetTenantID(c *gin.Context) string {
	val, exists := c.Get(ContextKeyTenantID)
	if !exists {
		return ""
	}
	id, ok := val.(string)
	if !ok {
		return ""
	}
	return id
}
