package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"vpnctl/internal/adminauth"
	"vpnctl/internal/logger"
	"vpnctl/internal/telemetry"

	_ "vpnctl/docs"
)

// NewRouter assembles the full external surface: unauthenticated health
// probes and swagger UI, bearer-protected /api/users CRUD, and the
// telemetry websocket.
func NewRouter(h *Handlers, reg Pinger, issuer *adminauth.Issuer, fanout *telemetry.Fanout) *gin.Engine {
	if h == nil {
		logger.Logger.Fatal("httpapi: Handlers cannot be nil for NewRouter")
	}
	if reg == nil {
		logger.Logger.Fatal("httpapi: Pinger cannot be nil for NewRouter (required for readiness probe)")
	}
	h.Fanout = fanout

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ZapLogger(logger.Logger))
	r.Use(cors.Default())

	r.GET("/healthz", HealthLiveness)
	r.GET("/readyz", HealthReadiness(reg))

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := r.Group("/api/users")
	api.Use(issuer.RequireAdmin())
	{
		api.GET("", h.ListPeers)
		api.POST("", h.CreatePeer)
		api.POST("/sync_all", h.SyncAll)
		api.DELETE("/:handle", h.DeletePeer)
		api.PATCH("/:handle/toggle", h.TogglePeer)
		api.POST("/:handle/rotate", h.RotatePeerKeys)
		api.GET("/:handle/config", h.GetPeerArtifact)
		api.GET("/:handle/sessions", h.ListPeerSessions)
	}

	ws := r.Group("/ws")
	ws.Use(issuer.RequireAdmin())
	ws.GET("/stats", StreamTelemetry(fanout))

	logger.Logger.Info("httpapi: router initialized with CORS, admin auth, and all routes")
	return r
}

// ZapLogger logs every request's method/path/status/duration through log.
func ZapLogger(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		panic("httpapi: ZapLogger middleware initialized with a nil logger")
	}
	return func(c *gin.Context) {
		start := time.Now()
		log.Info("incoming request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("clientIP", c.ClientIP()),
		)
		c.Next()
		log.Info("request handled",
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
