// Package api is the thin HTTP dispatcher in front of the registry
// storage engine: it only translates requests/responses, all the real
// work happens in internal/upload, internal/registry and internal/gc.
package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter builds the gin engine exposing the operations in h.
func SetupRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(h.Logger))

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = []string{"*"}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "Content-Range", "Content-Length"}
	router.Use(cors.New(corsCfg))

	router.GET("/health", h.Health)
	router.GET("/v2/_catalog", h.ListRepositories)
	router.POST("/v2/_gc", h.GarbageCollection)

	v2 := router.Group("/v2")
	v2.Any("/*path", h.Dispatch)

	return router
}

func loggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
