// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/Corphon/SceneWeaver/internal/api"
	"github.com/Corphon/SceneWeaver/internal/config"
	"github.com/Corphon/SceneWeaver/internal/di"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/prompt"
	"github.com/Corphon/SceneWeaver/internal/services"
	"github.com/Corphon/SceneWeaver/internal/utils"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout 优雅关闭的最长等待时间
const shutdownTimeout = 30 * time.Second

// App 持有服务容器与HTTP服务器
type App struct {
	config    *config.AppConfig
	container *di.Container
	logger    *utils.Logger
	router    *gin.Engine
	handler   *api.Handler
}

// InitServices 按依赖顺序创建所有服务并注册到容器
func InitServices(cfg *config.AppConfig, container *di.Container) error {
	// 1. 日志
	logger := utils.GetLogger()
	logger.SetLogLevel(utils.ParseLogLevel(cfg.LogLevel))
	if cfg.LogDir != "" {
		if err := utils.InitLogger(filepath.Join(cfg.LogDir, "sceneweaver.log")); err != nil {
			return fmt.Errorf("初始化日志失败: %w", err)
		}
	}
	container.Register(di.ServiceLogger, logger)

	// 2. 指标
	metrics := utils.NewEngineMetrics(utils.NewMetricsCollector(), logger)
	container.Register(di.ServiceMetrics, metrics)

	// 3. 目录与模板
	catalog, err := services.NewCatalogService(cfg.CatalogFile)
	if err != nil {
		return fmt.Errorf("加载角色目录失败: %w", err)
	}
	container.Register(di.ServiceCatalog, catalog)

	templates, err := prompt.LoadTemplates(cfg.PromptTemplatesFile)
	if err != nil {
		return fmt.Errorf("加载提示词模板失败: %w", err)
	}
	if _, ok := templates.Get(cfg.Context.Template); !ok {
		return fmt.Errorf("未知的提示词模板: %s", cfg.Context.Template)
	}
	container.Register(di.ServiceTemplates, templates)

	// 4. 上下文构建与会话
	builder := services.NewContextBuilder(catalog, templates,
		services.WithBuilderMetrics(metrics),
		services.WithBuilderLogger(logger),
	)
	container.Register(di.ServiceBuilder, builder)

	sessions := services.NewSessionManager(cfg.SessionIdleTTL, logger, metrics)
	container.Register(di.ServiceSessions, sessions)

	// 5. 内置传输（可选）
	if cfg.LLMTransport != "" {
		transport, err := llm.DefaultRegistry.GetTransport(cfg.LLMTransport, nil)
		if err != nil {
			sessions.Close()
			return fmt.Errorf("创建模型传输 %s 失败: %w", cfg.LLMTransport, err)
		}
		container.Register(di.ServiceGeneration, services.NewGenerationService(builder, catalog, transport, logger, metrics))
	}

	logger.Info("services initialized", utils.Fields{
		"services":  container.GetNames(),
		"transport": cfg.LLMTransport,
	})
	return nil
}

// New 初始化服务与路由
func New(cfg *config.AppConfig, container *di.Container) (*App, error) {
	config.InitConfig(cfg)

	if err := InitServices(cfg, container); err != nil {
		return nil, err
	}
	router, handler, err := api.SetupRouter(container)
	if err != nil {
		return nil, fmt.Errorf("设置路由失败: %w", err)
	}

	return &App{
		config:    cfg,
		container: container,
		logger:    container.Get(di.ServiceLogger).(*utils.Logger),
		router:    router,
		handler:   handler,
	}, nil
}

// Router 返回HTTP路由
func (a *App) Router() http.Handler {
	return a.router
}

// Run 在 listener 上提供服务，直到 ctx 结束后优雅关闭
func (a *App) Run(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("server listening", utils.Fields{"addr": listener.Addr().String()})
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("服务器运行失败: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("server shutting down", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.Close()
	return err
}

// ListenAndRun 监听配置的端口并运行
func (a *App) ListenAndRun(ctx context.Context) error {
	listener, err := net.Listen("tcp", ":"+a.config.Port)
	if err != nil {
		return fmt.Errorf("监听端口 %s 失败: %w", a.config.Port, err)
	}
	return a.Run(ctx, listener)
}

// Close 停止后台任务：先取消生成，使其回滚后再关闭会话与推送
func (a *App) Close() {
	if generation, err := di.Resolve[*services.GenerationService](a.container, di.ServiceGeneration); err == nil {
		generation.Close()
	}
	a.handler.Close()
	if sessions, err := di.Resolve[*services.SessionManager](a.container, di.ServiceSessions); err == nil {
		sessions.Close()
	}
	_ = a.logger.Close()
}
