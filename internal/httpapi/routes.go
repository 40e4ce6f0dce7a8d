package httpapi

import (
	"collections-dialer/internal/rbac"

	"github.com/gin-gonic/gin"
)

// MountSession registers the development token endpoint. It checks no
// credentials, so production deployments get no route at all and rely on the
// identity provider for tokens.
func (h Handlers) MountSession(r gin.IRouter, production bool) {
	if production {
		return
	}
	r.POST("/v1/auth/session", h.StartSession)
}

// Mount registers the authenticated API on v1. Authentication middleware is
// expected on the group already.
func (h Handlers) Mount(v1 *gin.RouterGroup) {
	agents := RequireOrganizationAndAnyRole(rbac.RoleAgent, rbac.RoleSupervisor, rbac.RoleAdmin)
	supervisors := RequireOrganizationAndAnyRole(rbac.Supervisors...)

	camps := v1.Group("/campaigns/:campaign_id")
	{
		camps.POST("/next", append(agents, h.Next)...)
		camps.GET("/stats", append(supervisors, h.CampaignStats)...)
		for _, action := range []string{"activate", "pause", "resume", "complete"} {
			camps.POST("/"+action, append(supervisors, h.CampaignAction(action))...)
		}
	}

	v1.POST("/accounts/:account_id/place", append(agents, h.Place)...)

	callsGroup := v1.Group("/calls/:call_id")
	{
		callsGroup.GET("", append(agents, h.GetCall)...)
		callsGroup.POST("/disposition", append(agents, h.Dispose)...)
		callsGroup.POST("/corrections", append(supervisors, h.Correct)...)
	}

	v1.DELETE("/sessions", append(agents, h.EndSession)...)

	sessions := v1.Group("/sessions/advance")
	sessions.Use(agents...)
	{
		sessions.GET("", h.AdvanceState)
		sessions.POST("", h.StartAdvance)
		sessions.DELETE("", h.CancelAdvance)
	}
}
