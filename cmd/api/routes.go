package main

import (
	"context"
	"net/http"
	"time"

	"collections-dialer/internal/app"
	"collections-dialer/internal/auth"
	"collections-dialer/internal/httpapi"
	"collections-dialer/internal/metrics"
	"collections-dialer/internal/telephony"
	"collections-dialer/pkg/utils"

	"github.com/gin-gonic/gin"
)

// Keep this file free of business logic. Handlers delegate to internal modules.

func registerPublicRoutes(r *gin.Engine, a *app.App) {
	r.GET("/healthz", func(c *gin.Context) {
		ctx := c.Request.Context()
		status, code := gin.H{"status": "ok"}, http.StatusOK
		if err := utils.HealthCheck(ctx, a.DB, 2*time.Second); err != nil {
			status, code = gin.H{"status": "degraded", "postgres": err.Error()}, http.StatusServiceUnavailable
		} else if err := pingRedis(ctx, a); err != nil {
			status, code = gin.H{"status": "degraded", "redis": err.Error()}, http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Carrier webhooks: signature-checked before any state is touched.
	wh := telephony.WebhookHandler{
		Verifier: telephony.SignatureVerifier{
			AuthToken:     a.Config.Carrier.AuthToken,
			PublicBaseURL: a.Config.App.PublicBaseURL,
		},
		Sink: a.Lifecycle,
	}
	hooks := r.Group("", wh.VerifySignature())
	{
		hooks.POST(telephony.PathStatus, wh.HandleStatus)
		hooks.POST(telephony.PathAMD, wh.HandleAMD)
		hooks.POST(telephony.PathAnswer, wh.HandleAnswer)
	}
}

func pingRedis(ctx context.Context, a *app.App) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.Redis.Ping(ctx).Err()
}

// registerAuthRoutes issues agent session tokens outside production.
func registerAuthRoutes(r *gin.Engine, m *auth.Manager, production bool) {
	httpapi.Handlers{Auth: m}.MountSession(r, production)
}

func registerProtectedRoutes(r *gin.Engine, a *app.App, m *auth.Manager) {
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(m))

	h := httpapi.Handlers{
		Auth:      m,
		Selector:  a.Selector,
		Placer:    a.Placer,
		Lifecycle: a.Lifecycle,
		Campaigns: a.Campaigns,
		Dialer:    a.Dialer,
	}
	h.Mount(v1)
}
