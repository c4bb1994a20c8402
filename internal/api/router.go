package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nebari-dev/launchpad/internal/api/handlers"
	"github.com/nebari-dev/launchpad/internal/config"
	"github.com/nebari-dev/launchpad/internal/events"
	"github.com/nebari-dev/launchpad/internal/metrics"
	"github.com/nebari-dev/launchpad/internal/service"
)

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, svc *service.Service, broker *events.Broker) *gin.Engine {
	// Set Gin mode
	if cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())

	sandboxHandler := handlers.NewSandboxHandler(svc)
	deploymentHandler := handlers.NewDeploymentHandler(svc)
	jobHandler := handlers.NewJobHandler(svc, broker)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handlers.HealthCheck)
		v1.GET("/version", handlers.GetVersion)

		projects := v1.Group("/projects/:projectId")
		{
			projects.GET("/sandboxes", sandboxHandler.ListSandboxes)
			projects.POST("/sandboxes", sandboxHandler.CreateSandbox)
			projects.GET("/sandboxes/active", sandboxHandler.GetActiveSandbox)

			projects.GET("/deployments", deploymentHandler.ListDeployments)
			projects.POST("/deployments/preview", deploymentHandler.CreatePreview)

			projects.GET("/audit-logs", deploymentHandler.ListAudit)
		}

		// Sandbox endpoints
		v1.GET("/sandboxes/:id", sandboxHandler.GetSandbox)
		v1.POST("/sandboxes/:id/touch", sandboxHandler.TouchSandbox)
		v1.POST("/sandboxes/:id/close", sandboxHandler.CloseSandbox)

		// Deployment endpoints
		v1.GET("/deployments/:id", deploymentHandler.GetDeployment)
		v1.POST("/deployments/:id/promote", deploymentHandler.Promote)
		v1.POST("/deployments/:id/rollback", deploymentHandler.Rollback)
		v1.POST("/deployments/:id/cancel", deploymentHandler.Cancel)

		// Job endpoints
		v1.GET("/jobs", jobHandler.ListJobs)
		v1.GET("/jobs/:id", jobHandler.GetJob)
		v1.GET("/jobs/:id/events", jobHandler.StreamJobEvents)
	}

	if cfg.Metrics.Enabled {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	slog.Info("API router initialized", "mode", cfg.Server.Mode)
	return router
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		slog.Info("HTTP request",
			"method", method,
			"path", path,
			"status", status,
			"latency", latency.String(),
			"ip", c.ClientIP(),
		)
	}
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Actor")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
