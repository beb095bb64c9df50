package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"servicedesk/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SlaTrigger names what happened to a ticket that requires an SLA recompute.
type SlaTrigger string

const (
	SlaTriggerTicketCreated   SlaTrigger = "ticket_created"
	SlaTriggerPriorityChanged SlaTrigger = "priority_changed"
	SlaTriggerCustomerMessage SlaTrigger = "customer_message"
	SlaTriggerAgentReply      SlaTrigger = "agent_reply"
	SlaTriggerStatusChanged   SlaTrigger = "status_changed"
	SlaTriggerPolicyChanged   SlaTrigger = "policy_changed"
	SlaTriggerSweep           SlaTrigger = "sweep"
)

func (t SlaTrigger) Valid() bool {
	switch t {
	case SlaTriggerTicketCreated, SlaTriggerPriorityChanged, SlaTriggerCustomerMessage,
		SlaTriggerAgentReply, SlaTriggerStatusChanged, SlaTriggerPolicyChanged, SlaTriggerSweep:
		return true
	}
	return false
}

// AutomationEventHandler is the part of AutomationService the SLA side re-enters.
type AutomationEventHandler interface {
	HandleEvent(ctx context.Context, evt AutomationEvent) ([]ActionResult, error)
}

// SLAService SLA 策略管理与工单计时触发
type SLAService struct {
	db            *gorm.DB
	engine        *SlaTimerEngine
	automation    AutomationEventHandler
	breachTrigger string
	now           func() time.Time
	logger        *logrus.Logger
	tracer        trace.Tracer
}

// NewSLAService 创建SLA服务
func NewSLAService(db *gorm.DB, engine *SlaTimerEngine, logger *logrus.Logger) *SLAService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SLAService{
		db:     db,
		engine: engine,
		now:    time.Now,
		logger: logger,
		tracer: otel.Tracer("servicedesk.sla"),
	}
}

// SetAutomation makes newly breached tickets re-enter automation under trigger.
func (s *SLAService) SetAutomation(h AutomationEventHandler, trigger string) {
	s.automation = h
	s.breachTrigger = trigger
}

// SetClock overrides the time source used for recomputes.
func (s *SLAService) SetClock(now func() time.Time) {
	s.now = now
}

// SlaTargetRequest 单个优先级的时限（分钟）
type SlaTargetRequest struct {
	Priority             string `json:"priority" binding:"required"`
	FirstResponseMinutes *int   `json:"first_response_minutes"`
	NextResponseMinutes  *int   `json:"next_response_minutes"`
	ResolutionMinutes    *int   `json:"resolution_minutes"`
}

// SlaPolicyCreateRequest 创建SLA策略请求
type SlaPolicyCreateRequest struct {
	Name            string             `json:"name" binding:"required"`
	Description     string             `json:"description"`
	IsActive        *bool              `json:"is_active"`
	MatchRules      json.RawMessage    `json:"match_rules"`
	BusinessHoursID *string            `json:"business_hours_id"`
	Targets         []SlaTargetRequest `json:"targets"`
}

// SlaPolicyUpdateRequest 更新SLA策略请求；Targets 非空时整体替换
type SlaPolicyUpdateRequest struct {
	Name            *string             `json:"name"`
	Description     *string             `json:"description"`
	IsActive        *bool               `json:"is_active"`
	MatchRules      json.RawMessage     `json:"match_rules"`
	BusinessHoursID *string             `json:"business_hours_id"`
	Targets         *[]SlaTargetRequest `json:"targets"`
}

// SlaPolicyListRequest SLA策略列表请求
type SlaPolicyListRequest struct {
	Page     int   `form:"page,default=1"`
	PageSize int   `form:"page_size,default=20"`
	Active   *bool `form:"active"`
}

func buildTargets(reqs []SlaTargetRequest) ([]models.SlaTarget, error) {
	seen := make(map[string]bool, len(reqs))
	targets := make([]models.SlaTarget, 0, len(reqs))
	for _, r := range reqs {
		if !models.ValidPriority(r.Priority) {
			return nil, invalidf("invalid priority: %s", r.Priority)
		}
		if seen[r.Priority] {
			return nil, invalidf("duplicate target for priority %s", r.Priority)
		}
		seen[r.Priority] = true
		for name, v := range map[string]*int{
			"first_response_minutes": r.FirstResponseMinutes,
			"next_response_minutes":  r.NextResponseMinutes,
			"resolution_minutes":     r.ResolutionMinutes,
		} {
			if v != nil && *v < 0 {
				return nil, invalidf("%s must not be negative", name)
			}
		}
		targets = append(targets, models.SlaTarget{
			Priority:             r.Priority,
			FirstResponseMinutes: r.FirstResponseMinutes,
			NextResponseMinutes:  r.NextResponseMinutes,
			ResolutionMinutes:    r.ResolutionMinutes,
		})
	}
	return targets, nil
}

func validMatchRules(raw json.RawMessage) (datatypes.JSON, error) {
	if _, err := ParseCondition(raw); err != nil {
		return nil, invalidf("match_rules: %v", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return datatypes.JSON(raw), nil
}

// CreatePolicy 创建SLA策略
func (s *SLAService) CreatePolicy(ctx context.Context, tenantID string, req *SlaPolicyCreateRequest) (*models.SlaPolicy, error) {
	ctx, span := s.tracer.Start(ctx, "sla.create_policy")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID), attribute.String("sla.policy.name", req.Name))

	if req.Name == "" {
		return nil, invalidf("name required")
	}
	rules, err := validMatchRules(req.MatchRules)
	if err != nil {
		return nil, err
	}
	targets, err := buildTargets(req.Targets)
	if err != nil {
		return nil, err
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	policy := &models.SlaPolicy{
		TenantID:        tenantID,
		Name:            req.Name,
		Description:     req.Description,
		IsActive:        active,
		MatchRules:      rules,
		BusinessHoursID: req.BusinessHoursID,
		Targets:         targets,
	}
	if err := s.db.WithContext(ctx).Create(policy).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create sla policy: %w", err)
	}

	s.logger.Infof("Created SLA policy: tenant=%s id=%d name=%s", tenantID, policy.ID, policy.Name)
	s.policyChanged(ctx, tenantID)
	return policy, nil
}

// GetPolicy 获取SLA策略（含各优先级时限）
func (s *SLAService) GetPolicy(ctx context.Context, tenantID string, id uint) (*models.SlaPolicy, error) {
	var policy models.SlaPolicy
	err := s.db.WithContext(ctx).Preload("Targets").
		Where("tenant_id = ? AND id = ?", tenantID, id).First(&policy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sla policy: %w", err)
	}
	return &policy, nil
}

// ListPolicies 获取SLA策略列表
func (s *SLAService) ListPolicies(ctx context.Context, tenantID string, req *SlaPolicyListRequest) ([]models.SlaPolicy, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.SlaPolicy{}).Where("tenant_id = ?", tenantID)
	if req.Active != nil {
		query = query.Where("is_active = ?", *req.Active)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count sla policies: %w", err)
	}
	if req.PageSize > 0 {
		page := req.Page
		if page < 1 {
			page = 1
		}
		query = query.Offset((page - 1) * req.PageSize).Limit(req.PageSize)
	}

	var policies []models.SlaPolicy
	if err := query.Preload("Targets").Order("created_at DESC, id DESC").Find(&policies).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list sla policies: %w", err)
	}
	return policies, total, nil
}

// UpdatePolicy 更新SLA策略
func (s *SLAService) UpdatePolicy(ctx context.Context, tenantID string, id uint, req *SlaPolicyUpdateRequest) (*models.SlaPolicy, error) {
	ctx, span := s.tracer.Start(ctx, "sla.update_policy")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID), attribute.Int64("sla.policy.id", int64(id)))

	policy, err := s.GetPolicy(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if *req.Name == "" {
			return nil, invalidf("name required")
		}
		policy.Name = *req.Name
	}
	if req.Description != nil {
		policy.Description = *req.Description
	}
	if req.IsActive != nil {
		policy.IsActive = *req.IsActive
	}
	if req.BusinessHoursID != nil {
		policy.BusinessHoursID = req.BusinessHoursID
	}
	if req.MatchRules != nil {
		rules, err := validMatchRules(req.MatchRules)
		if err != nil {
			return nil, err
		}
		policy.MatchRules = rules
	}
	var targets []models.SlaTarget
	if req.Targets != nil {
		if targets, err = buildTargets(*req.Targets); err != nil {
			return nil, err
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Targets").Save(policy).Error; err != nil {
			return err
		}
		if req.Targets == nil {
			return nil
		}
		if err := tx.Where("policy_id = ?", policy.ID).Delete(&models.SlaTarget{}).Error; err != nil {
			return err
		}
		for i := range targets {
			targets[i].PolicyID = policy.ID
		}
		if len(targets) > 0 {
			if err := tx.Create(&targets).Error; err != nil {
				return err
			}
		}
		policy.Targets = targets
		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Errorf("Failed to update SLA policy: %v", err)
		return nil, fmt.Errorf("failed to update sla policy: %w", err)
	}

	s.logger.Infof("Updated SLA policy: tenant=%s id=%d", tenantID, id)
	s.policyChanged(ctx, tenantID)
	return policy, nil
}

// DeletePolicy 删除SLA策略及其时限
func (s *SLAService) DeletePolicy(ctx context.Context, tenantID string, id uint) error {
	ctx, span := s.tracer.Start(ctx, "sla.delete_policy")
	defer span.End()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("tenant_id = ? AND id = ?", tenantID, id).Delete(&models.SlaPolicy{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrPolicyNotFound
		}
		return tx.Where("policy_id = ?", id).Delete(&models.SlaTarget{}).Error
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
		}
		return err
	}

	s.logger.Infof("Deleted SLA policy: tenant=%s id=%d", tenantID, id)
	s.policyChanged(ctx, tenantID)
	return nil
}

func (s *SLAService) policyChanged(ctx context.Context, tenantID string) {
	if s.engine == nil {
		return
	}
	if _, err := s.RecomputeOpenTickets(ctx, tenantID, SlaTriggerPolicyChanged); err != nil {
		s.logger.Errorf("sla: recompute after policy change failed for tenant %s: %v", tenantID, err)
	}
}

// HandleTicketEvent recomputes the ticket's SLA state in response to trigger. Newly
// breached deadlines re-enter automation as a ticket event.
func (s *SLAService) HandleTicketEvent(ctx context.Context, tenantID string, ticketID uint, trigger SlaTrigger) (*SlaRecomputeResult, error) {
	if !trigger.Valid() {
		return nil, invalidf("unknown sla trigger: %s", trigger)
	}
	ctx, span := s.tracer.Start(ctx, "sla.ticket_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int64("ticket.id", int64(ticketID)),
		attribute.String("sla.trigger", string(trigger)),
	)

	res, err := s.engine.Recompute(ctx, tenantID, ticketID, s.now())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(res.NewlyBreached) > 0 {
		s.logger.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"ticket_id": ticketID,
			"kinds":     res.NewlyBreached,
			"trigger":   trigger,
		}).Warn("sla: deadline breached")
		s.notifyBreach(ctx, res)
	}
	return res, nil
}

func (s *SLAService) notifyBreach(ctx context.Context, res *SlaRecomputeResult) {
	if s.automation == nil || s.breachTrigger == "" || res.Ticket == nil {
		return
	}
	record := res.Ticket.Document()
	kinds := make([]interface{}, 0, len(res.NewlyBreached))
	for _, k := range res.NewlyBreached {
		kinds = append(kinds, k)
	}
	record["sla_breached"] = kinds

	_, err := s.automation.HandleEvent(ctx, AutomationEvent{
		TenantID:     res.Ticket.TenantID,
		EntityType:   models.EntityTicket,
		TriggerEvent: s.breachTrigger,
		Scope:        res.Ticket.Scope(),
		Record:       record,
	})
	if err != nil {
		s.logger.Errorf("sla: breach automation for ticket %d failed: %v", res.Ticket.ID, err)
	}
}

// GetTicketSla returns the ticket's SLA state as of now without persisting it.
func (s *SLAService) GetTicketSla(ctx context.Context, tenantID string, ticketID uint) (*SlaRecomputeResult, error) {
	return s.engine.Preview(ctx, tenantID, ticketID, s.now())
}

// RecomputeOpenTickets recomputes every unresolved ticket of a tenant, or of all
// tenants when tenantID is empty. Per-ticket failures are logged and skipped.
func (s *SLAService) RecomputeOpenTickets(ctx context.Context, tenantID string, trigger SlaTrigger) (int, error) {
	ctx, span := s.tracer.Start(ctx, "sla.recompute_open_tickets")
	defer span.End()

	query := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("status NOT IN ?", []string{models.TicketStatusSolved, models.TicketStatusClosed})
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	var refs []struct {
		ID       uint
		TenantID string
	}
	if err := query.Select("id", "tenant_id").Find(&refs).Error; err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to get open tickets: %w", err)
	}

	recomputed := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return recomputed, ctx.Err()
		}
		if _, err := s.HandleTicketEvent(ctx, ref.TenantID, ref.ID, trigger); err != nil {
			s.logger.Errorf("Failed to recompute SLA for ticket %d: %v", ref.ID, err)
			continue
		}
		recomputed++
	}

	span.SetAttributes(
		attribute.Int("sla.tickets_checked", len(refs)),
		attribute.Int("sla.tickets_recomputed", recomputed),
	)
	return recomputed, nil
}

// StartSLAMonitor 定期重算未关闭工单，让无事件的超时也能被发现
func (s *SLAService) StartSLAMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.logger.Info("Starting SLA monitoring service")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SLA monitoring service stopped")
			return
		case <-ticker.C:
			n, err := s.RecomputeOpenTickets(ctx, "", SlaTriggerSweep)
			if err != nil {
				s.logger.Errorf("SLA monitoring error: %v", err)
				continue
			}
			s.logger.Debugf("SLA monitoring completed: recomputed %d tickets", n)
		}
	}
}
