package handlers

import (
	"net/http"

	"servicedesk/internal/models"
	"servicedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TicketHandler 工单处理器；每次变更后由服务层重算 SLA 并触发自动化
type TicketHandler struct {
	ticketService *services.TicketService
	logger        *logrus.Logger
}

// NewTicketHandler 创建工单处理器
func NewTicketHandler(ticketService *services.TicketService, logger *logrus.Logger) *TicketHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketHandler{ticketService: ticketService, logger: logger}
}

type priorityRequest struct {
	Priority string `json:"priority" binding:"required"`
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

type messageRequest struct {
	// customer 或 agent
	Author string `json:"author" binding:"required,oneof=customer agent"`
}

type stageRequest struct {
	PipelineID string `json:"pipeline_id" binding:"required"`
	StageID    string `json:"stage_id" binding:"required"`
}

// CreateTicket 创建工单
// @Summary 创建工单
// @Tags 工单
// @Accept json
// @Produce json
// @Param ticket body services.TicketCreateRequest true "工单信息"
// @Success 201 {object} models.Ticket
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/tickets [post]
func (h *TicketHandler) CreateTicket(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	var req services.TicketCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ticket, err := h.ticketService.CreateTicket(c.Request.Context(), tenantID, &req)
	if err != nil {
		writeServiceError(c, h.logger, "create ticket", err)
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

// GetTicket 获取工单详情
// @Router /api/v1/tickets/{id} [get]
func (h *TicketHandler) GetTicket(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "ticket")
	if !ok {
		return
	}
	ticket, err := h.ticketService.GetTicket(c.Request.Context(), tenantID, id)
	if err != nil {
		writeServiceError(c, h.logger, "get ticket", err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// UpdatePriority 修改工单优先级
// @Router /api/v1/tickets/{id}/priority [put]
func (h *TicketHandler) UpdatePriority(c *gin.Context) {
	h.mutate(c, "update ticket priority", func(c *gin.Context, tenantID string, id uint) (*models.Ticket, error) {
		var req priorityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, bindError{err}
		}
		return h.ticketService.UpdatePriority(c.Request.Context(), tenantID, id, req.Priority)
	})
}

// UpdateStatus 修改工单状态
// @Router /api/v1/tickets/{id}/status [put]
func (h *TicketHandler) UpdateStatus(c *gin.Context) {
	h.mutate(c, "update ticket status", func(c *gin.Context, tenantID string, id uint) (*models.Ticket, error) {
		var req statusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, bindError{err}
		}
		return h.ticketService.UpdateStatus(c.Request.Context(), tenantID, id, req.Status)
	})
}

// AddMessage 记录客户消息或客服回复
// @Router /api/v1/tickets/{id}/messages [post]
func (h *TicketHandler) AddMessage(c *gin.Context) {
	h.mutate(c, "add ticket message", func(c *gin.Context, tenantID string, id uint) (*models.Ticket, error) {
		var req messageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, bindError{err}
		}
		return h.ticketService.AddMessage(c.Request.Context(), tenantID, id, req.Author == "customer")
	})
}

// MoveToStage 移动工单到流水线阶段
// @Router /api/v1/tickets/{id}/stage [put]
func (h *TicketHandler) MoveToStage(c *gin.Context) {
	h.mutate(c, "move ticket", func(c *gin.Context, tenantID string, id uint) (*models.Ticket, error) {
		var req stageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, bindError{err}
		}
		return h.ticketService.MoveToStage(c.Request.Context(), tenantID, id, req.PipelineID, req.StageID)
	})
}

// bindError marks a request body that failed to bind.
type bindError struct{ error }

func (h *TicketHandler) mutate(c *gin.Context, action string, fn func(*gin.Context, string, uint) (*models.Ticket, error)) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "ticket")
	if !ok {
		return
	}
	ticket, err := fn(c, tenantID, id)
	if be, isBind := err.(bindError); isBind {
		badRequest(c, be.error)
		return
	}
	if err != nil {
		writeServiceError(c, h.logger, action, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// RegisterTicketRoutes 注册工单路由
func RegisterTicketRoutes(r *gin.RouterGroup, handler *TicketHandler) {
	tickets := r.Group("/tickets")
	{
		tickets.POST("", handler.CreateTicket)
		tickets.GET("/:id", handler.GetTicket)
		tickets.PUT("/:id/priority", handler.UpdatePriority)
		tickets.PUT("/:id/status", handler.UpdateStatus)
		tickets.POST("/:id/messages", handler.AddMessage)
		tickets.PUT("/:id/stage", handler.MoveToStage)
	}
}
