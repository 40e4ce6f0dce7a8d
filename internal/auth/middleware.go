package auth

import (
	"net/http"
	"strings"
	"time"

	"collections-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// RequireAccessToken verifies an access token and injects identity into request context.
// It does not perform RBAC checks; those belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tok := strings.TrimPrefix(raw, bearerPrefix)

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		id := Identity{
			AgentID:        claims.AgentID,
			OrganizationID: claims.OrganizationID,
			SessionID:      claims.SessionID,
			Role:           claims.Role,
		}
		ctx := WithIdentity(c.Request.Context(), id)
		ctx = logger.With(ctx, logger.From(ctx).With("agent_id", id.AgentID, "agent_session_id", id.SessionID))
		c.Request = c.Request.WithContext(ctx)

		// Also store on gin context for handler convenience.
		c.Set("agent_id", id.AgentID)
		c.Set("organization_id", id.OrganizationID)
		c.Set("agent_session_id", id.SessionID)
		c.Set("role", id.Role)

		c.Next()
	}
}
