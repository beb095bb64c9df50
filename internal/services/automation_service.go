package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"servicedesk/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AutomationEvent is something that happened to a record and may fire rules.
type AutomationEvent struct {
	TenantID     string                 `json:"-"`
	EntityType   string                 `json:"entity_type" binding:"required"`
	TriggerEvent string                 `json:"trigger_event" binding:"required"`
	Scope        RecordScope            `json:"scope"`
	Record       map[string]interface{} `json:"record"`
}

// AutomationService handles rule management and event evaluation.
type AutomationService struct {
	db         *gorm.DB
	matcher    *RuleMatcher
	dispatcher *ActionDispatcher
	executor   ActionExecutor
	logger     *logrus.Logger
	tracer     trace.Tracer
}

func NewAutomationService(db *gorm.DB, matcher *RuleMatcher, dispatcher *ActionDispatcher, executor ActionExecutor, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:         db,
		matcher:    matcher,
		dispatcher: dispatcher,
		executor:   executor,
		logger:     logger,
		tracer:     otel.Tracer("servicedesk.automation"),
	}
}

// AutomationRuleRequest 创建规则请求；四个 scope 字段必须恰好填一个
type AutomationRuleRequest struct {
	Name                   string          `json:"name" binding:"required"`
	EntityType             string          `json:"entity_type" binding:"required"`
	RecordType             *string         `json:"record_type"`
	RecordID               *string         `json:"record_id"`
	PipelineID             *string         `json:"pipeline_id"`
	PipelineStageID        *string         `json:"pipeline_stage_id"`
	InheritPipelineActions bool            `json:"inherit_pipeline_actions"`
	ListID                 *string         `json:"list_id"`
	TriggerEvent           string          `json:"trigger_event" binding:"required"`
	Condition              json.RawMessage `json:"condition"`
	ActionType             string          `json:"action_type" binding:"required"`
	ActionConfig           json.RawMessage `json:"action_config"`
	Priority               *int            `json:"priority"`
	Enabled                *bool           `json:"enabled"`
}

// AutomationRuleUpdateRequest 更新规则请求；scope 字段传空串表示清除
type AutomationRuleUpdateRequest struct {
	Name                   *string         `json:"name"`
	RecordType             *string         `json:"record_type"`
	RecordID               *string         `json:"record_id"`
	PipelineID             *string         `json:"pipeline_id"`
	PipelineStageID        *string         `json:"pipeline_stage_id"`
	InheritPipelineActions *bool           `json:"inherit_pipeline_actions"`
	ListID                 *string         `json:"list_id"`
	TriggerEvent           *string         `json:"trigger_event"`
	Condition              json.RawMessage `json:"condition"`
	ActionType             *string         `json:"action_type"`
	ActionConfig           json.RawMessage `json:"action_config"`
	Priority               *int            `json:"priority"`
	Enabled                *bool           `json:"enabled"`
}

// AutomationRuleListRequest 规则列表筛选
type AutomationRuleListRequest struct {
	Page         int    `form:"page,default=1"`
	PageSize     int    `form:"page_size,default=50"`
	EntityType   string `form:"entity_type"`
	TriggerEvent string `form:"trigger_event"`
	Enabled      *bool  `form:"enabled"`
}

func validEntityType(t string) bool {
	switch t {
	case models.EntityContact, models.EntityCompany, models.EntityDeal, models.EntityTicket:
		return true
	}
	return false
}

// normalizeScope turns empty scope strings into NULLs.
func normalizeScope(rule *models.AutomationRule) {
	for _, p := range []**string{&rule.RecordID, &rule.PipelineID, &rule.PipelineStageID, &rule.ListID, &rule.RecordType} {
		if *p != nil && strings.TrimSpace(**p) == "" {
			*p = nil
		}
	}
}

func (s *AutomationService) validateRule(rule *models.AutomationRule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return invalidf("name required")
	}
	if !validEntityType(rule.EntityType) {
		return invalidf("unsupported entity type: %s", rule.EntityType)
	}
	if strings.TrimSpace(rule.TriggerEvent) == "" {
		return invalidf("trigger_event required")
	}
	if rule.ActionType == "" {
		return invalidf("action_type required")
	}
	if known, ok := s.executor.(interface{ Has(string) bool }); ok && !known.Has(rule.ActionType) {
		return invalidf("unsupported action type: %s", rule.ActionType)
	}
	if _, err := CompileRule(rule); err != nil {
		if errors.Is(err, models.ErrInvalidScope) {
			return err
		}
		return invalidf("%v", err)
	}
	return nil
}

func rawJSON(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}

// CreateRule 新建自动化规则
func (s *AutomationService) CreateRule(ctx context.Context, tenantID string, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, invalidf("request required")
	}
	priority := 100
	if req.Priority != nil {
		priority = *req.Priority
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule := &models.AutomationRule{
		TenantID:               tenantID,
		Name:                   req.Name,
		EntityType:             req.EntityType,
		RecordType:             req.RecordType,
		RecordID:               req.RecordID,
		PipelineID:             req.PipelineID,
		PipelineStageID:        req.PipelineStageID,
		InheritPipelineActions: req.InheritPipelineActions,
		ListID:                 req.ListID,
		TriggerEvent:           req.TriggerEvent,
		Condition:              rawJSON(req.Condition),
		ActionType:             req.ActionType,
		ActionConfig:           rawJSON(req.ActionConfig),
		Priority:               priority,
		Enabled:                enabled,
	}
	normalizeScope(rule)
	if err := s.validateRule(rule); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("create automation rule: %w", err)
	}
	s.logger.Infof("automation: created rule tenant=%s id=%d name=%s", tenantID, rule.ID, rule.Name)
	return rule, nil
}

// GetRule 获取规则
func (s *AutomationService) GetRule(ctx context.Context, tenantID string, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules 返回租户规则，按执行顺序排列
func (s *AutomationService) ListRules(ctx context.Context, tenantID string, req *AutomationRuleListRequest) ([]models.AutomationRule, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AutomationRule{}).Where("tenant_id = ?", tenantID)
	if req.EntityType != "" {
		query = query.Where("entity_type = ?", req.EntityType)
	}
	if req.TriggerEvent != "" {
		query = query.Where("trigger_event = ?", req.TriggerEvent)
	}
	if req.Enabled != nil {
		query = query.Where("enabled = ?", *req.Enabled)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if req.PageSize > 0 {
		page := req.Page
		if page < 1 {
			page = 1
		}
		query = query.Offset((page - 1) * req.PageSize).Limit(req.PageSize)
	}

	var rules []models.AutomationRule
	if err := query.Order("priority ASC, id ASC").Find(&rules).Error; err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// UpdateRule 部分更新规则；更新后仍须恰好一个 scope
func (s *AutomationService) UpdateRule(ctx context.Context, tenantID string, id uint, req *AutomationRuleUpdateRequest) (*models.AutomationRule, error) {
	rule, err := s.GetRule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.RecordType != nil {
		rule.RecordType = req.RecordType
	}
	if req.RecordID != nil {
		rule.RecordID = req.RecordID
	}
	if req.PipelineID != nil {
		rule.PipelineID = req.PipelineID
	}
	if req.PipelineStageID != nil {
		rule.PipelineStageID = req.PipelineStageID
	}
	if req.InheritPipelineActions != nil {
		rule.InheritPipelineActions = *req.InheritPipelineActions
	}
	if req.ListID != nil {
		rule.ListID = req.ListID
	}
	if req.TriggerEvent != nil {
		rule.TriggerEvent = *req.TriggerEvent
	}
	if req.Condition != nil {
		rule.Condition = rawJSON(req.Condition)
	}
	if req.ActionType != nil {
		rule.ActionType = *req.ActionType
	}
	if req.ActionConfig != nil {
		rule.ActionConfig = rawJSON(req.ActionConfig)
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	normalizeScope(rule)
	if err := s.validateRule(rule); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, fmt.Errorf("update automation rule: %w", err)
	}
	return rule, nil
}

// DeleteRule 删除规则
func (s *AutomationService) DeleteRule(ctx context.Context, tenantID string, id uint) error {
	result := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).Delete(&models.AutomationRule{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// ListRuns 返回最近的执行记录
func (s *AutomationService) ListRuns(ctx context.Context, tenantID string, ruleID uint, limit int) ([]models.AutomationRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if ruleID != 0 {
		query = query.Where("rule_id = ?", ruleID)
	}
	var runs []models.AutomationRun
	if err := query.Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// prepareRecord copies the snapshot and stamps tenant, entity type and id so
// conditions and actions always see them.
func prepareRecord(evt AutomationEvent) map[string]interface{} {
	record := make(map[string]interface{}, len(evt.Record)+3)
	for k, v := range evt.Record {
		record[k] = v
	}
	record["tenant_id"] = evt.TenantID
	record["entity_type"] = evt.EntityType
	if _, ok := record["id"]; !ok && evt.Scope.RecordID != "" {
		record["id"] = evt.Scope.RecordID
	}
	return record
}

// MatchRules returns the rules an event would fire without running them.
func (s *AutomationService) MatchRules(ctx context.Context, evt AutomationEvent) ([]*AutomationRule, error) {
	return s.matcher.Match(ctx, evt.TenantID, evt.EntityType, evt.TriggerEvent, evt.Scope, prepareRecord(evt))
}

// HandleEvent matches rules for the event and runs their actions in order. Action
// failures are reported in the results, not as an error.
func (s *AutomationService) HandleEvent(ctx context.Context, evt AutomationEvent) ([]ActionResult, error) {
	ctx, span := s.tracer.Start(ctx, "automation.handle_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", evt.TenantID),
		attribute.String("automation.entity_type", evt.EntityType),
		attribute.String("automation.trigger_event", evt.TriggerEvent),
	)

	record := prepareRecord(evt)
	rules, err := s.matcher.Match(ctx, evt.TenantID, evt.EntityType, evt.TriggerEvent, evt.Scope, record)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}

	results := s.dispatcher.Dispatch(ctx, rules, record, s.executor)
	s.recordRuns(ctx, evt, results)

	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("automation.actions", len(results)), attribute.Int("automation.failed", failed))
	return results, nil
}

func (s *AutomationService) recordRuns(ctx context.Context, evt AutomationEvent, results []ActionResult) {
	runs := make([]models.AutomationRun, 0, len(results))
	msgs := make([]OutboxMessage, 0, len(results))
	now := time.Now()
	for _, r := range results {
		runs = append(runs, models.AutomationRun{
			TenantID:     evt.TenantID,
			RuleID:       r.RuleID,
			EntityType:   evt.EntityType,
			RecordID:     evt.Scope.RecordID,
			TriggerEvent: evt.TriggerEvent,
			ActionType:   r.ActionType,
			Status:       string(r.Outcome),
			Message:      r.Reason,
			DurationMs:   r.Duration.Milliseconds(),
			CreatedAt:    now,
		})
		msgs = append(msgs, OutboxMessage{
			Topic: TopicActionDispatched,
			Payload: map[string]interface{}{
				"rule_id":       r.RuleID,
				"action_type":   r.ActionType,
				"outcome":       r.Outcome,
				"reason":        r.Reason,
				"entity_type":   evt.EntityType,
				"record_id":     evt.Scope.RecordID,
				"trigger_event": evt.TriggerEvent,
			},
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&runs).Error; err != nil {
			return err
		}
		return EnqueueOutbox(tx, evt.TenantID, msgs...)
	})
	if err != nil {
		s.logger.Warnf("automation: record runs failed: %v", err)
	}
}
