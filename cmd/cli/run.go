package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"servicedesk/internal/config"
	"servicedesk/internal/eventbus"
	"servicedesk/internal/handlers"
	"servicedesk/internal/observability"
	"servicedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the servicedesk API with its SLA monitor and outbox relay",
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志系统
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		appLogger.Warnf("init tracing: %v", err)
	}

	// 初始化数据库
	db, err := openDatabase(cfg)
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Database.AutoMigrate {
		if err := migrate(db); err != nil {
			appLogger.Fatalf("Failed to migrate database: %v", err)
		}
	}

	// 初始化服务
	svc := services.NewServices(db, cfg, nil, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// outbox relay
	var backlog handlers.OutboxBacklog
	if cfg.Events.Relay.Enabled {
		publisher, err := eventbus.NewPublisher(cfg.Events, appLogger)
		if err != nil {
			appLogger.Fatalf("Failed to init event publisher: %v", err)
		}
		defer func() { _ = publisher.Close() }()
		relay := eventbus.NewRelay(db, publisher, cfg.Events.Relay, producerName(cfg), appLogger)
		go relay.Run(ctx)
		backlog = relay
	}

	// 启动SLA监控后台服务
	go svc.SLA.StartSLAMonitor(ctx, cfg.SLA.MonitorInterval)

	// 设置 Gin 模式
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.SetupRouter(cfg, db, svc, backlog, appLogger)

	// 创建服务器
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 启动服务器
	go func() {
		appLogger.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// 优雅关闭：先停 HTTP，再停后台任务
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Errorf("Server forced to shutdown: %v", err)
	}
	cancel()

	appLogger.Info("Server exited")
}

func producerName(cfg *config.Config) string {
	if cfg.Events.AMQP.AppID != "" {
		return cfg.Events.AMQP.AppID
	}
	return "servicedesk"
}
