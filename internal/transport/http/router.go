package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"courier/backend/internal/config"
	"courier/backend/internal/dedup"
	"courier/backend/internal/health"
	"courier/backend/internal/middleware"
	"courier/backend/internal/monitoring"
	"courier/backend/internal/queue"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config   *config.Config
	Queue    *queue.Manager
	Dedup    *dedup.Store
	Reporter *health.Reporter
	Metrics  *monitoring.Metrics
	Logger   *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger, deps.Metrics))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(1 * 1024 * 1024))
	if deps.Metrics != nil {
		router.Use(middleware.Monitoring(deps.Metrics))
	}

	corsConfig := gincors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "X-API-Key"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	router.Use(gincors.New(corsConfig))

	handler := NewQueueHandler(deps.Queue, deps.Dedup, deps.Reporter, deps.Logger)
	adminAuth := middleware.NewAdminAuth(deps.Config.Admin.APIKey)

	// 探针与指标不走认证
	router.GET("/health/live", gin.WrapF(deps.Reporter.LiveEndpoint))
	router.GET("/health/ready", gin.WrapF(deps.Reporter.ReadyEndpoint))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	v1 := router.Group("/v1")
	admin := v1.Group("/admin", adminAuth.RequireAPIKey())
	{
		adminQueue := admin.Group("/queue")
		{
			adminQueue.GET("/health", handler.Health)
			adminQueue.GET("/stuck", handler.ListStuck)
			adminQueue.POST("/recover", handler.Recover)
			adminQueue.POST("/retry/:id", handler.Retry)
			adminQueue.GET("/side-effects", handler.SideEffects)
		}
		admin.DELETE("/dedup/:id", handler.Forget)
	}

	return router
}
