package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/delivery/http/middleware"
	"github.com/Harsh-BH/tradeguard/internal/usecase"
)

// NewRouter creates and configures the Gin router with all routes and middleware.
func NewRouter(
	scheduleUC *usecase.ScheduleUsecase,
	healthHandler *HealthHandler,
	logger *zap.Logger,
	rateLimitPerMin int,
) *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))

	// Probes (no rate limiting)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", healthHandler.Health)

	scheduleHandler := NewScheduleHandler(scheduleUC, logger)
	sched := router.Group("/schedule/:task", middleware.RateLimiter(rateLimitPerMin))
	{
		sched.POST("/run", scheduleHandler.Run)
		sched.GET("/lock", scheduleHandler.LockState)
		sched.DELETE("/lock", scheduleHandler.ReleaseLock)
		sched.GET("/plan", scheduleHandler.Plan)
		sched.GET("/stream", scheduleHandler.Stream)
	}

	return router
}
