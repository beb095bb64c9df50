package handlers

import (
	"net/http"
	"time"

	"servicedesk/internal/models"
	"servicedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SLAHandler SLA处理器
type SLAHandler struct {
	slaService *services.SLAService
	logger     *logrus.Logger
}

// NewSLAHandler 创建SLA处理器
func NewSLAHandler(slaService *services.SLAService, logger *logrus.Logger) *SLAHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &SLAHandler{slaService: slaService, logger: logger}
}

// TicketSlaResponse 工单 SLA 状态
type TicketSlaResponse struct {
	TicketID      uint                  `json:"ticket_id"`
	Priority      string                `json:"priority"`
	Status        string                `json:"status"`
	PolicyID      *uint                 `json:"policy_id"`
	PolicyName    string                `json:"policy_name,omitempty"`
	Target        *models.SlaTarget     `json:"target,omitempty"`
	State         models.TicketSlaState `json:"state"`
	NewlyBreached []string              `json:"newly_breached,omitempty"`
	ComputedAt    time.Time             `json:"computed_at"`
}

func ticketSlaResponse(res *services.SlaRecomputeResult, at time.Time) TicketSlaResponse {
	out := TicketSlaResponse{
		State:         res.State,
		Target:        res.Target,
		NewlyBreached: res.NewlyBreached,
		ComputedAt:    at,
	}
	if res.Ticket != nil {
		out.TicketID = res.Ticket.ID
		out.Priority = res.Ticket.Priority
		out.Status = res.Ticket.Status
	}
	if res.Policy != nil {
		id := res.Policy.ID
		out.PolicyID = &id
		out.PolicyName = res.Policy.Name
	}
	return out
}

type recomputeRequest struct {
	Trigger string `json:"trigger"`
}

// CreatePolicy 创建SLA策略
// @Summary 创建SLA策略
// @Tags SLA
// @Accept json
// @Produce json
// @Param policy body services.SlaPolicyCreateRequest true "SLA策略"
// @Success 201 {object} models.SlaPolicy
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/sla/policies [post]
func (h *SLAHandler) CreatePolicy(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	var req services.SlaPolicyCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	policy, err := h.slaService.CreatePolicy(c.Request.Context(), tenantID, &req)
	if err != nil {
		writeServiceError(c, h.logger, "create SLA policy", err)
		return
	}
	c.JSON(http.StatusCreated, policy)
}

// GetPolicy 获取SLA策略
// @Router /api/v1/sla/policies/{id} [get]
func (h *SLAHandler) GetPolicy(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "policy")
	if !ok {
		return
	}
	policy, err := h.slaService.GetPolicy(c.Request.Context(), tenantID, id)
	if err != nil {
		writeServiceError(c, h.logger, "get SLA policy", err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

// ListPolicies 获取SLA策略列表
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页大小" default(20)
// @Param active query bool false "是否启用"
// @Router /api/v1/sla/policies [get]
func (h *SLAHandler) ListPolicies(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	var req services.SlaPolicyListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameters", Message: err.Error()})
		return
	}
	policies, total, err := h.slaService.ListPolicies(c.Request.Context(), tenantID, &req)
	if err != nil {
		writeServiceError(c, h.logger, "list SLA policies", err)
		return
	}
	c.JSON(http.StatusOK, paginated(policies, total, req.Page, req.PageSize))
}

// UpdatePolicy 更新SLA策略
// @Router /api/v1/sla/policies/{id} [put]
func (h *SLAHandler) UpdatePolicy(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "policy")
	if !ok {
		return
	}
	var req services.SlaPolicyUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	policy, err := h.slaService.UpdatePolicy(c.Request.Context(), tenantID, id, &req)
	if err != nil {
		writeServiceError(c, h.logger, "update SLA policy", err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

// DeletePolicy 删除SLA策略
// @Router /api/v1/sla/policies/{id} [delete]
func (h *SLAHandler) DeletePolicy(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "policy")
	if !ok {
		return
	}
	if err := h.slaService.DeletePolicy(c.Request.Context(), tenantID, id); err != nil {
		writeServiceError(c, h.logger, "delete SLA policy", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "SLA policy deleted"})
}

// GetTicketSla 查看工单当前 SLA 状态（不落库）
// @Router /api/v1/sla/tickets/{id} [get]
func (h *SLAHandler) GetTicketSla(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "ticket")
	if !ok {
		return
	}
	res, err := h.slaService.GetTicketSla(c.Request.Context(), tenantID, id)
	if err != nil {
		writeServiceError(c, h.logger, "get ticket SLA", err)
		return
	}
	c.JSON(http.StatusOK, ticketSlaResponse(res, time.Now().UTC()))
}

// RecomputeTicket 按触发原因重算工单 SLA 并落库；默认 sweep
// @Router /api/v1/sla/tickets/{id}/recompute [post]
func (h *SLAHandler) RecomputeTicket(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "ticket")
	if !ok {
		return
	}
	var req recomputeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	trigger := services.SlaTriggerSweep
	if req.Trigger != "" {
		trigger = services.SlaTrigger(req.Trigger)
	}
	res, err := h.slaService.HandleTicketEvent(c.Request.Context(), tenantID, id, trigger)
	if err != nil {
		writeServiceError(c, h.logger, "recompute ticket SLA", err)
		return
	}
	c.JSON(http.StatusOK, ticketSlaResponse(res, time.Now().UTC()))
}

// RecomputeOpenTickets 重算租户全部未关闭工单
// @Router /api/v1/sla/recompute [post]
func (h *SLAHandler) RecomputeOpenTickets(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	n, err := h.slaService.RecomputeOpenTickets(c.Request.Context(), tenantID, services.SlaTriggerSweep)
	if err != nil {
		writeServiceError(c, h.logger, "recompute open tickets", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recomputed": n})
}

// RegisterSLARoutes 注册SLA路由
func RegisterSLARoutes(r *gin.RouterGroup, handler *SLAHandler) {
	sla := r.Group("/sla")
	{
		policies := sla.Group("/policies")
		{
			policies.POST("", handler.CreatePolicy)
			policies.GET("", handler.ListPolicies)
			policies.GET("/:id", handler.GetPolicy)
			policies.PUT("/:id", handler.UpdatePolicy)
			policies.DELETE("/:id", handler.DeletePolicy)
		}
		sla.GET("/tickets/:id", handler.GetTicketSla)
		sla.POST("/tickets/:id/recompute", handler.RecomputeTicket)
		sla.POST("/recompute", handler.RecomputeOpenTickets)
	}
}
