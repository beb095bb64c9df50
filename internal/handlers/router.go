package handlers

import (
	"servicedesk/internal/config"
	appmetrics "servicedesk/internal/metrics"
	"servicedesk/internal/middleware"
	"servicedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

// SetupRouter 创建路由；outbox 可为 nil（未启用 relay）
func SetupRouter(cfg *config.Config, db *gorm.DB, svc *services.Services, outbox OutboxBacklog, logger *logrus.Logger) *gin.Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := gin.New()

	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(serviceName(cfg)))
	}

	// 健康检查
	healthHandler := NewHealthHandler(cfg, db, svc.Actions, outbox, logger)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)

	// Prometheus Metrics（若启用）
	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(appmetrics.Handler()))
	}

	// 全部业务接口先鉴权再按租户限流
	api := r.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(cfg))
	api.Use(middleware.RateLimitMiddleware(cfg))

	automationAPI := api.Group("/")
	automationAPI.Use(middleware.RequireResourcePermission("automation"))
	RegisterAutomationRoutes(automationAPI, NewAutomationHandler(svc.Automation, svc.Actions, logger))

	slaAPI := api.Group("/")
	slaAPI.Use(middleware.RequireResourcePermission("sla"))
	RegisterSLARoutes(slaAPI, NewSLAHandler(svc.SLA, logger))

	ticketsAPI := api.Group("/")
	ticketsAPI.Use(middleware.RequireResourcePermission("tickets"))
	RegisterTicketRoutes(ticketsAPI, NewTicketHandler(svc.Tickets, logger))

	return r
}

func serviceName(cfg *config.Config) string {
	if cfg.Monitoring.Tracing.ServiceName != "" {
		return cfg.Monitoring.Tracing.ServiceName
	}
	return "servicedesk"
}
