package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"servicedesk/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// OutboxBacklog reports undelivered outbox events.
type OutboxBacklog interface {
	Pending(ctx context.Context) (int64, error)
}

// BreakerReporter exposes per-action circuit breaker stats.
type BreakerReporter interface {
	BreakerStats() map[string]map[string]interface{}
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	config   *config.Config
	db       *gorm.DB
	breakers BreakerReporter
	outbox   OutboxBacklog
	logger   *logrus.Logger
}

// NewHealthHandler 创建健康检查处理器；breakers 与 outbox 可为 nil
func NewHealthHandler(cfg *config.Config, db *gorm.DB, breakers BreakerReporter, outbox OutboxBacklog, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthHandler{config: cfg, db: db, breakers: breakers, outbox: outbox, logger: logger}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 健康检查端点；数据库不可用时返回 503，动作熔断或积压只降级
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	if !h.checkDatabase(ctx, &response) {
		response.Status = "unhealthy"
	}
	if !h.checkActions(&response) && response.Status == "healthy" {
		response.Status = "degraded"
	}
	h.checkOutbox(ctx, &response)

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查端点，只检查数据库
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	var probe HealthResponse
	probe.Services = make(map[string]ServiceInfo)
	ready := h.checkDatabase(ctx, &probe)

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  map[string]string{"database": probe.Services["database"].Status},
	})
}

// checkDatabase 检查数据库状态
func (h *HealthHandler) checkDatabase(ctx context.Context, response *HealthResponse) bool {
	start := time.Now()
	info := ServiceInfo{Status: "healthy"}
	if h.config != nil {
		info.Details = map[string]interface{}{"driver": h.config.Database.Driver}
	}

	err := func() error {
		if h.db == nil {
			return gorm.ErrInvalidDB
		}
		sqlDB, err := h.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}()
	info.Latency = time.Since(start).String()
	if err != nil {
		h.logger.Warnf("health: database check failed: %v", err)
		info.Status = "unhealthy"
		info.Error = err.Error()
	}
	response.Services["database"] = info
	return err == nil
}

// checkActions 任一动作熔断打开即视为降级
func (h *HealthHandler) checkActions(response *HealthResponse) bool {
	if h.breakers == nil {
		return true
	}
	stats := h.breakers.BreakerStats()
	open := make([]string, 0)
	for actionType, s := range stats {
		if s["state"] == "open" {
			open = append(open, actionType)
		}
	}
	info := ServiceInfo{Status: "healthy", Details: stats}
	if len(open) > 0 {
		info.Status = "degraded"
		info.Error = "circuit open"
	}
	response.Services["actions"] = info
	return len(open) == 0
}

func (h *HealthHandler) checkOutbox(ctx context.Context, response *HealthResponse) {
	if h.outbox == nil {
		return
	}
	pending, err := h.outbox.Pending(ctx)
	if err != nil {
		response.Services["outbox"] = ServiceInfo{Status: "unknown", Error: err.Error()}
		return
	}
	response.Services["outbox"] = ServiceInfo{
		Status:  "healthy",
		Details: map[string]interface{}{"pending": pending},
	}
}
