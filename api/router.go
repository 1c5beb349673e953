// Package api assembles the gateway: the gin router with its middleware,
// the stream API, the WebSocket endpoint and the viewer page.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dashboard-autoreload/renderproxy/api/handlers"
	"github.com/dashboard-autoreload/renderproxy/api/middleware"
	"github.com/dashboard-autoreload/renderproxy/api/viewer"
	"github.com/dashboard-autoreload/renderproxy/internal/metrics"
	"github.com/dashboard-autoreload/renderproxy/internal/session"
	"github.com/dashboard-autoreload/renderproxy/internal/ws"
)

// maxBodyBytes bounds API request bodies.
const maxBodyBytes = 2 << 20

// RouterConfig holds what the gateway routes to.
type RouterConfig struct {
	Sessions *session.Manager
	Streams  *ws.Handler
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// InputRateLimit limits input events per client IP. Nil disables it.
	InputRateLimit *middleware.RateLimitConfig
}

// NewRouter builds the gin engine serving the gateway.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	r := gin.New()
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Metrics(cfg.Metrics))
	r.Use(middleware.APICORS("/api/"))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))

	var inputLimit []gin.HandlerFunc
	if cfg.InputRateLimit != nil {
		inputLimit = append(inputLimit, middleware.RateLimit(*cfg.InputRateLimit))
	}

	streamHandler := handlers.NewStreamHandler(cfg.Sessions)
	wsHandler := handlers.NewWebSocketHandler(cfg.Sessions, cfg.Streams)

	apiGroup := r.Group("/api", middleware.BodyLimit(maxBodyBytes))
	{
		streamHandler.RegisterRoutes(apiGroup, inputLimit...)
	}
	wsHandler.RegisterRoutes(&r.RouterGroup)
	viewer.RegisterRoutes(&r.RouterGroup)

	return r
}
