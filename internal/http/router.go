package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	httpmiddleware "github.com/SyndewTech/Oluso-sub001/internal/http/middleware"
	"github.com/SyndewTech/Oluso-sub001/internal/middleware"
)

// NewRouter assembles the gin engine with the standard middleware stack.
func NewRouter(h *Handler, limiter *middleware.RateLimiter, logger *zap.Logger, serviceName string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(serviceName),
		httpmiddleware.RequestLogger(logger),
	)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/.well-known/openid-configuration", h.Discovery)
	router.GET("/.well-known/jwks.json", h.JWKS)

	oauthGroup := router.Group("/oauth", limiter.Handler())
	{
		oauthGroup.POST("/token", h.Token)
		oauthGroup.POST("/bc-authorize", h.BackchannelAuthorize)
		oauthGroup.POST("/device_authorization", h.DeviceAuthorize)
	}

	// Internal surface for the authentication device and operators. Expected to
	// sit behind the deployment's service mesh authorization.
	adminGroup := router.Group("/admin")
	{
		adminGroup.POST("/ciba/:auth_req_id/approve", h.CibaApprove)
		adminGroup.POST("/ciba/:auth_req_id/deny", h.CibaDeny)
		adminGroup.POST("/device/:device_code/approve", h.DeviceApprove)
		adminGroup.POST("/device/:device_code/deny", h.DeviceDeny)

		adminGroup.GET("/keys", h.ListKeys)
		adminGroup.POST("/keys", h.GenerateKey)
		adminGroup.POST("/keys/rotate", h.RotateKeys)
		adminGroup.POST("/keys/:key_id/revoke", h.RevokeKey)
	}

	return router
}
