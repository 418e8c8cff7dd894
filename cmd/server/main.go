// cmd/server/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Corphon/SceneWeaver/internal/app"
	"github.com/Corphon/SceneWeaver/internal/config"
	"github.com/Corphon/SceneWeaver/internal/di"
)

func main() {
	log.Println("🚀 启动 SceneWeaver 服务器...")

	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 配置加载完成，端口: %s", cfg.Port)

	// 2. 初始化服务与路由
	application, err := app.New(cfg, di.GetContainer())
	if err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	log.Printf("✅ 服务初始化完成，服务数量: %d", len(di.GetContainer().GetNames()))
	if cfg.LLMTransport == "" {
		log.Println("ℹ️ 未配置内置传输，回复需通过 /ws/sessions/:id/stream 推送")
	}

	// 3. 运行直到收到中断信号
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("🌐 服务器启动在端口 %s", cfg.Port)
	if err := application.ListenAndRun(ctx); err != nil {
		log.Fatalf("❌ 服务器异常退出: %v", err)
	}
	log.Println("✅ 服务器优雅关闭完成")
}
