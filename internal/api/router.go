// internal/api/router.go
package api

import (
	"fmt"

	"github.com/Corphon/SceneWeaver/internal/config"
	"github.com/Corphon/SceneWeaver/internal/di"
	"github.com/Corphon/SceneWeaver/internal/prompt"
	"github.com/Corphon/SceneWeaver/internal/services"
	"github.com/Corphon/SceneWeaver/internal/utils"
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置HTTP路由
// 只从容器获取服务，不创建新实例；返回的 Handler 需要在关闭时调用 Close
func SetupRouter(container *di.Container) (*gin.Engine, *Handler, error) {
	cfg := config.GetCurrentConfig()

	logger, err := di.Resolve[*utils.Logger](container, di.ServiceLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("日志服务未正确初始化: %w", err)
	}
	metrics, err := di.Resolve[*utils.EngineMetrics](container, di.ServiceMetrics)
	if err != nil {
		return nil, nil, fmt.Errorf("指标服务未正确初始化: %w", err)
	}
	catalog, err := di.Resolve[*services.CatalogService](container, di.ServiceCatalog)
	if err != nil {
		return nil, nil, fmt.Errorf("目录服务未正确初始化: %w", err)
	}
	templates, err := di.Resolve[prompt.Set](container, di.ServiceTemplates)
	if err != nil {
		return nil, nil, fmt.Errorf("模板服务未正确初始化: %w", err)
	}
	builder, err := di.Resolve[*services.ContextBuilder](container, di.ServiceBuilder)
	if err != nil {
		return nil, nil, fmt.Errorf("上下文服务未正确初始化: %w", err)
	}
	sessions, err := di.Resolve[*services.SessionManager](container, di.ServiceSessions)
	if err != nil {
		return nil, nil, fmt.Errorf("会话服务未正确初始化: %w", err)
	}

	// 生成服务是可选的，没有时由外部传输推送回复
	var generation *services.GenerationService
	if container.Has(di.ServiceGeneration) {
		generation, err = di.Resolve[*services.GenerationService](container, di.ServiceGeneration)
		if err != nil {
			return nil, nil, fmt.Errorf("生成服务未正确初始化: %w", err)
		}
	}

	handler := NewHandler(sessions, builder, generation, catalog, templates, metrics, logger)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(corsMiddleware())
	r.Use(metricsMiddleware(metrics, logger))

	// WebSocket 支持
	r.GET("/ws/sessions/:id", handler.SessionWebSocket)
	r.GET("/ws/sessions/:id/stream", handler.TransportStream)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	{
		api.GET("/health", handler.HealthCheck)
		api.GET("/metrics", handler.GetMetrics)
		api.GET("/catalog", handler.GetCatalog)
		api.GET("/ws/status", handler.GetWebSocketStatus)

		// ===============================
		// 设置相关路由
		// ===============================
		settingsGroup := api.Group("/settings")
		{
			settingsGroup.GET("/context", handler.GetContextSettings)
			settingsGroup.PUT("/context", handler.UpdateContextSettings)
		}

		// ===============================
		// 会话相关路由
		// ===============================
		sessionsGroup := api.Group("/sessions")
		{
			sessionsGroup.GET("", handler.ListSessions)
			sessionsGroup.POST("", handler.CreateSession)
			sessionsGroup.GET("/:id", handler.GetSession)
			sessionsGroup.DELETE("/:id", handler.DeleteSession)
			sessionsGroup.PUT("/:id/input", handler.SetInput)

			// 查询
			sessionsGroup.GET("/:id/history", handler.GetHistory)
			sessionsGroup.GET("/:id/settled", handler.GetSettledResponse)
			sessionsGroup.GET("/:id/characters/:cid/state", handler.GetCharacterState)
			sessionsGroup.POST("/:id/context", handler.BuildContext)

			// 命令，按客户端限流
			commands := sessionsGroup.Group("/:id")
			commands.Use(handler.limiter.CommandRateLimit())
			{
				commands.POST("/interactions", handler.SubmitInteraction)
				commands.POST("/regenerate", handler.Regenerate)
				commands.POST("/swipe", handler.SwipeToResponse)
				commands.POST("/fail", handler.FailInteraction)
				commands.POST("/responses/current", handler.SucceedResponse)
			}
		}
	}

	return r, handler, nil
}
