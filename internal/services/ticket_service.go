package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"servicedesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Ticket automation triggers.
const (
	TriggerTicketCreated   = "ticket_created"
	TriggerPriorityChanged = "priority_changed"
	TriggerStatusChanged   = "status_changed"
	TriggerCustomerMessage = "customer_message"
	TriggerAgentReplied    = "agent_replied"
	TriggerEnteredStage    = "entered_stage"
)

// TicketService 工单服务：提交工单变更后驱动 SLA 重算与自动化规则
type TicketService struct {
	db         *gorm.DB
	sla        *SLAService
	automation *AutomationService
	now        func() time.Time
	logger     *logrus.Logger
}

// NewTicketService 创建工单服务；sla 与 automation 可为空
func NewTicketService(db *gorm.DB, sla *SLAService, automation *AutomationService, logger *logrus.Logger) *TicketService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketService{
		db:         db,
		sla:        sla,
		automation: automation,
		now:        time.Now,
		logger:     logger,
	}
}

// SetClock overrides the time source used for ticket timestamps.
func (s *TicketService) SetClock(now func() time.Time) {
	s.now = now
}

// TicketCreateRequest 创建工单请求
type TicketCreateRequest struct {
	Subject         string   `json:"subject" binding:"required"`
	Description     string   `json:"description"`
	Category        string   `json:"category"`
	Priority        string   `json:"priority"`
	Source          string   `json:"source"`
	Tags            []string `json:"tags"`
	PipelineID      *string  `json:"pipeline_id"`
	PipelineStageID *string  `json:"pipeline_stage_id"`
}

// GetTicket 获取工单
func (s *TicketService) GetTicket(ctx context.Context, tenantID string, id uint) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return &ticket, nil
}

// CreateTicket 创建工单
func (s *TicketService) CreateTicket(ctx context.Context, tenantID string, req *TicketCreateRequest) (*models.Ticket, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return nil, invalidf("subject required")
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !models.ValidPriority(priority) {
		return nil, invalidf("invalid priority: %s", priority)
	}

	now := s.now()
	ticket := &models.Ticket{
		TenantID:        tenantID,
		Subject:         req.Subject,
		Description:     req.Description,
		Category:        req.Category,
		Priority:        priority,
		Status:          models.TicketStatusOpen,
		Source:          req.Source,
		Tags:            strings.Join(req.Tags, ","),
		PipelineID:      req.PipelineID,
		PipelineStageID: req.PipelineStageID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(ticket).Error; err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}

	s.logger.Infof("Created ticket %d for tenant %s", ticket.ID, tenantID)
	s.afterChange(ctx, ticket, SlaTriggerTicketCreated, TriggerTicketCreated)
	return ticket, nil
}

// UpdatePriority 修改优先级
func (s *TicketService) UpdatePriority(ctx context.Context, tenantID string, id uint, priority string) (*models.Ticket, error) {
	if !models.ValidPriority(priority) {
		return nil, invalidf("invalid priority: %s", priority)
	}
	ticket, err := s.mutate(ctx, tenantID, id, func(t *models.Ticket) {
		t.Priority = priority
	})
	if err != nil {
		return nil, err
	}
	s.afterChange(ctx, ticket, SlaTriggerPriorityChanged, TriggerPriorityChanged)
	return ticket, nil
}

// UpdateStatus 修改状态；进入 solved/closed 时记录时间，重新打开时清除
func (s *TicketService) UpdateStatus(ctx context.Context, tenantID string, id uint, status string) (*models.Ticket, error) {
	switch status {
	case models.TicketStatusOpen, models.TicketStatusPending, models.TicketStatusSolved, models.TicketStatusClosed:
	default:
		return nil, invalidf("invalid status: %s", status)
	}
	now := s.now()
	ticket, err := s.mutate(ctx, tenantID, id, func(t *models.Ticket) {
		applyTicketStatus(t, status, now)
	})
	if err != nil {
		return nil, err
	}
	s.afterChange(ctx, ticket, SlaTriggerStatusChanged, TriggerStatusChanged)
	return ticket, nil
}

// AddMessage records a customer message or an agent reply on the ticket.
func (s *TicketService) AddMessage(ctx context.Context, tenantID string, id uint, fromCustomer bool) (*models.Ticket, error) {
	now := s.now()
	ticket, err := s.mutate(ctx, tenantID, id, func(t *models.Ticket) {
		if fromCustomer {
			t.LastCustomerMessageAt = &now
			return
		}
		if t.FirstResponseAt == nil {
			t.FirstResponseAt = &now
		}
		t.LastAgentReplyAt = &now
	})
	if err != nil {
		return nil, err
	}
	if fromCustomer {
		s.afterChange(ctx, ticket, SlaTriggerCustomerMessage, TriggerCustomerMessage)
	} else {
		s.afterChange(ctx, ticket, SlaTriggerAgentReply, TriggerAgentReplied)
	}
	return ticket, nil
}

// MoveToStage 移动工单到流水线阶段；只触发自动化，不影响 SLA
func (s *TicketService) MoveToStage(ctx context.Context, tenantID string, id uint, pipelineID, stageID string) (*models.Ticket, error) {
	if pipelineID == "" || stageID == "" {
		return nil, invalidf("pipeline_id and stage_id required")
	}
	ticket, err := s.mutate(ctx, tenantID, id, func(t *models.Ticket) {
		t.PipelineID = &pipelineID
		t.PipelineStageID = &stageID
	})
	if err != nil {
		return nil, err
	}
	s.afterChange(ctx, ticket, "", TriggerEnteredStage)
	return ticket, nil
}

// applyTicketStatus sets status and keeps solved_at/closed_at consistent with it.
func applyTicketStatus(t *models.Ticket, status string, now time.Time) {
	t.Status = status
	switch status {
	case models.TicketStatusSolved:
		if t.SolvedAt == nil {
			t.SolvedAt = &now
		}
	case models.TicketStatusClosed:
		if t.ClosedAt == nil {
			t.ClosedAt = &now
		}
	default:
		t.SolvedAt, t.ClosedAt = nil, nil
	}
}

func (s *TicketService) mutate(ctx context.Context, tenantID string, id uint, apply func(*models.Ticket)) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ? AND id = ?", tenantID, id).First(&ticket).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTicketNotFound
			}
			return err
		}
		apply(&ticket)
		ticket.UpdatedAt = s.now()
		return tx.Save(&ticket).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}
	return &ticket, nil
}

// afterChange runs the SLA recompute and automation for a committed mutation.
// Failures are logged: the mutation itself has already succeeded.
func (s *TicketService) afterChange(ctx context.Context, ticket *models.Ticket, slaTrigger SlaTrigger, automationTrigger string) {
	if s.sla != nil && slaTrigger != "" {
		if _, err := s.sla.HandleTicketEvent(ctx, ticket.TenantID, ticket.ID, slaTrigger); err != nil {
			s.logger.Errorf("sla recompute for ticket %d failed: %v", ticket.ID, err)
		}
	}
	if s.automation != nil && automationTrigger != "" {
		snap := SnapshotFromTicket(ticket)
		_, err := s.automation.HandleEvent(ctx, AutomationEvent{
			TenantID:     ticket.TenantID,
			EntityType:   models.EntityTicket,
			TriggerEvent: automationTrigger,
			Scope:        snap.Scope(),
			Record:       snap.Document(),
		})
		if err != nil {
			s.logger.Errorf("automation for ticket %d failed: %v", ticket.ID, err)
		}
	}
}
