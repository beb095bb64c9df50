package handlers

import (
	"net/http"
	"strconv"

	"servicedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler 自动化规则处理器
type AutomationHandler struct {
	automation *services.AutomationService
	actions    *services.ActionRegistry
	logger     *logrus.Logger
}

// NewAutomationHandler 创建自动化规则处理器
func NewAutomationHandler(automation *services.AutomationService, actions *services.ActionRegistry, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationHandler{automation: automation, actions: actions, logger: logger}
}

// MatchedRule 规则匹配结果（不执行动作）
type MatchedRule struct {
	ID         uint   `json:"id"`
	Name       string `json:"name"`
	Priority   int    `json:"priority"`
	ScopeKind  string `json:"scope_kind"`
	ActionType string `json:"action_type"`
}

// CreateRule 创建自动化规则
// @Summary 创建自动化规则
// @Tags 自动化
// @Accept json
// @Produce json
// @Param rule body services.AutomationRuleRequest true "规则"
// @Success 201 {object} models.AutomationRule
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/automations/rules [post]
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.automation.CreateRule(c.Request.Context(), tenantID, &req)
	if err != nil {
		writeServiceError(c, h.logger, "create automation rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// GetRule 获取规则详情
// @Router /api/v1/automations/rules/{id} [get]
func (h *AutomationHandler) GetRule(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "rule")
	if !ok {
		return
	}
	rule, err := h.automation.GetRule(c.Request.Context(), tenantID, id)
	if err != nil {
		writeServiceError(c, h.logger, "get automation rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// ListRules 获取规则列表，支持分页和筛选
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页大小" default(50)
// @Param entity_type query string false "实体类型"
// @Param trigger_event query string false "触发事件"
// @Param enabled query bool false "是否启用"
// @Success 200 {object} PaginatedResponse{data=[]models.AutomationRule}
// @Router /api/v1/automations/rules [get]
func (h *AutomationHandler) ListRules(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	var req services.AutomationRuleListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameters", Message: err.Error()})
		return
	}
	rules, total, err := h.automation.ListRules(c.Request.Context(), tenantID, &req)
	if err != nil {
		writeServiceError(c, h.logger, "list automation rules", err)
		return
	}
	c.JSON(http.StatusOK, paginated(rules, total, req.Page, req.PageSize))
}

// UpdateRule 更新规则
// @Router /api/v1/automations/rules/{id} [put]
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "rule")
	if !ok {
		return
	}
	var req services.AutomationRuleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.automation.UpdateRule(c.Request.Context(), tenantID, id, &req)
	if err != nil {
		writeServiceError(c, h.logger, "update automation rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule 删除规则
// @Router /api/v1/automations/rules/{id} [delete]
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "rule")
	if !ok {
		return
	}
	if err := h.automation.DeleteRule(c.Request.Context(), tenantID, id); err != nil {
		writeServiceError(c, h.logger, "delete automation rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Automation rule deleted"})
}

// ListRuns 最近执行记录；rule_id 可选
// @Router /api/v1/automations/runs [get]
func (h *AutomationHandler) ListRuns(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	var ruleID uint64
	if raw := c.Query("rule_id"); raw != "" {
		var err error
		if ruleID, err = strconv.ParseUint(raw, 10, 32); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid rule ID", Message: "rule_id must be a positive integer"})
			return
		}
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	runs, err := h.automation.ListRuns(c.Request.Context(), tenantID, uint(ruleID), limit)
	if err != nil {
		writeServiceError(c, h.logger, "list automation runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs, "count": len(runs)})
}

// HandleEvent 投递一个记录事件，匹配并执行规则
// @Accept json
// @Param event body services.AutomationEvent true "事件"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/automations/events [post]
func (h *AutomationHandler) HandleEvent(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	var evt services.AutomationEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		badRequest(c, err)
		return
	}
	evt.TenantID = tenantID
	results, err := h.automation.HandleEvent(c.Request.Context(), evt)
	if err != nil {
		writeServiceError(c, h.logger, "handle automation event", err)
		return
	}
	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	if results == nil {
		results = []services.ActionResult{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "dispatched": len(results), "failed": failed})
}

// MatchRules 预览事件会触发哪些规则，不执行动作
// @Router /api/v1/automations/match [post]
func (h *AutomationHandler) MatchRules(c *gin.Context) {
	tenantID, ok := tenantOf(c)
	if !ok {
		return
	}
	var evt services.AutomationEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		badRequest(c, err)
		return
	}
	evt.TenantID = tenantID
	rules, err := h.automation.MatchRules(c.Request.Context(), evt)
	if err != nil {
		writeServiceError(c, h.logger, "match automation rules", err)
		return
	}
	out := make([]MatchedRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, MatchedRule{
			ID:         r.ID,
			Name:       r.Name,
			Priority:   r.Priority,
			ScopeKind:  services.ScopeKind(r.Scope),
			ActionType: r.Action.Type,
		})
	}
	c.JSON(http.StatusOK, gin.H{"rules": out})
}

// ListActions 已注册的动作类型及熔断状态
// @Router /api/v1/automations/actions [get]
func (h *AutomationHandler) ListActions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"types":    h.actions.Types(),
		"breakers": h.actions.BreakerStats(),
	})
}

// RegisterAutomationRoutes 注册自动化路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		rules := auto.Group("/rules")
		{
			rules.POST("", handler.CreateRule)
			rules.GET("", handler.ListRules)
			rules.GET("/:id", handler.GetRule)
			rules.PUT("/:id", handler.UpdateRule)
			rules.DELETE("/:id", handler.DeleteRule)
		}
		auto.GET("/runs", handler.ListRuns)
		auto.GET("/actions", handler.ListActions)
		auto.POST("/events", handler.HandleEvent) // 匹配并执行
		auto.POST("/match", handler.MatchRules)   // 只匹配
	}
}
