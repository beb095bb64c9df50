package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"servicedesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AutomationRule is a stored rule with its scope, condition and action decoded.
type AutomationRule struct {
	ID           uint
	TenantID     string
	Name         string
	EntityType   string
	TriggerEvent string
	Scope        RuleScope
	Condition    Condition
	Action       ActionSpec
	Priority     int
	Enabled      bool
}

// ActionSpec is the action a rule runs: a registered executor type plus its config.
type ActionSpec struct {
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// CompileRule decodes a stored rule. Rules that fail here are never applicable.
func CompileRule(row *models.AutomationRule) (*AutomationRule, error) {
	scope, err := ScopeOf(row)
	if err != nil {
		return nil, err
	}
	cond, err := ParseCondition(row.Condition)
	if err != nil {
		return nil, err
	}
	cfg := map[string]interface{}{}
	if len(row.ActionConfig) > 0 && string(row.ActionConfig) != "null" {
		if err := json.Unmarshal(row.ActionConfig, &cfg); err != nil {
			return nil, fmt.Errorf("invalid action config: %w", err)
		}
	}
	return &AutomationRule{
		ID:           row.ID,
		TenantID:     row.TenantID,
		Name:         row.Name,
		EntityType:   row.EntityType,
		TriggerEvent: row.TriggerEvent,
		Scope:        scope,
		Condition:    cond,
		Action:       ActionSpec{Type: row.ActionType, Config: cfg},
		Priority:     row.Priority,
		Enabled:      row.Enabled,
	}, nil
}

// SlaPolicy is an active policy with its match rules decoded.
type SlaPolicy struct {
	ID         uint
	TenantID   string
	Name       string
	MatchRules Condition
	CreatedAt  time.Time
}

// RuleStore is the persistence the matching and SLA engines read and write through.
type RuleStore interface {
	// FindAutomationRules returns the tenant's enabled rules for an entity type and trigger.
	FindAutomationRules(ctx context.Context, tenantID, entityType, triggerEvent string) ([]*AutomationRule, error)
	FindActiveSlaPolicies(ctx context.Context, tenantID string) ([]*SlaPolicy, error)
	// FindSlaTarget returns nil when the policy has no target for the priority.
	FindSlaTarget(ctx context.Context, policyID uint, priority string) (*models.SlaTarget, error)
	// LoadTicketSlaState returns nil when no state has been persisted yet.
	LoadTicketSlaState(ctx context.Context, tenantID string, ticketID uint) (*models.TicketSlaState, error)
	// SaveTicketSlaState writes state only if the stored last_computed_at still equals
	// expected (nil meaning no row exists yet) and reports whether the write happened.
	// Outbox messages commit in the same transaction.
	SaveTicketSlaState(ctx context.Context, state *models.TicketSlaState, expected *time.Time, events ...OutboxMessage) (bool, error)
}

// GormRuleStore 基于 gorm 的 RuleStore 实现
type GormRuleStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewGormRuleStore(db *gorm.DB, logger *logrus.Logger) *GormRuleStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &GormRuleStore{db: db, logger: logger}
}

func (s *GormRuleStore) FindAutomationRules(ctx context.Context, tenantID, entityType, triggerEvent string) ([]*AutomationRule, error) {
	var rows []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND trigger_event = ? AND enabled = ?", tenantID, entityType, triggerEvent, true).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load automation rules: %w", err)
	}

	rules := make([]*AutomationRule, 0, len(rows))
	for i := range rows {
		rule, err := CompileRule(&rows[i])
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"tenant_id": tenantID,
				"rule_id":   rows[i].ID,
			}).Warnf("automation: skipping invalid rule: %v", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (s *GormRuleStore) FindActiveSlaPolicies(ctx context.Context, tenantID string) ([]*SlaPolicy, error) {
	var rows []models.SlaPolicy
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load sla policies: %w", err)
	}

	policies := make([]*SlaPolicy, 0, len(rows))
	for _, row := range rows {
		cond, err := ParseCondition(row.MatchRules)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"tenant_id": tenantID,
				"policy_id": row.ID,
			}).Warnf("sla: skipping policy with invalid match rules: %v", err)
			continue
		}
		policies = append(policies, &SlaPolicy{
			ID:         row.ID,
			TenantID:   row.TenantID,
			Name:       row.Name,
			MatchRules: cond,
			CreatedAt:  row.CreatedAt,
		})
	}
	return policies, nil
}

func (s *GormRuleStore) FindSlaTarget(ctx context.Context, policyID uint, priority string) (*models.SlaTarget, error) {
	var target models.SlaTarget
	err := s.db.WithContext(ctx).Where("policy_id = ? AND priority = ?", policyID, priority).First(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sla target: %w", err)
	}
	return &target, nil
}

func (s *GormRuleStore) LoadTicketSlaState(ctx context.Context, tenantID string, ticketID uint) (*models.TicketSlaState, error) {
	var state models.TicketSlaState
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND ticket_id = ?", tenantID, ticketID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket sla state: %w", err)
	}
	return &state, nil
}

func (s *GormRuleStore) SaveTicketSlaState(ctx context.Context, state *models.TicketSlaState, expected *time.Time, events ...OutboxMessage) (bool, error) {
	saved := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if expected == nil {
			// 首次写入：唯一索引冲突说明并发写者已抢先插入
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(state)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
		} else {
			res := tx.Model(&models.TicketSlaState{}).
				Where("tenant_id = ? AND ticket_id = ? AND last_computed_at = ?", state.TenantID, state.TicketID, *expected).
				Updates(map[string]interface{}{
					"sla_policy_id":           state.SlaPolicyID,
					"first_response_due_at":   state.FirstResponseDueAt,
					"next_response_due_at":    state.NextResponseDueAt,
					"resolution_due_at":       state.ResolutionDueAt,
					"first_response_breached": state.FirstResponseBreached,
					"next_response_breached":  state.NextResponseBreached,
					"resolution_breached":     state.ResolutionBreached,
					"last_computed_at":        state.LastComputedAt,
					"updated_at":              time.Now(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
		}
		if err := EnqueueOutbox(tx, state.TenantID, events...); err != nil {
			return err
		}
		saved = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("save ticket sla state: %w", err)
	}
	return saved, nil
}

// LoadTicket implements TicketSource.
func (s *GormRuleStore) LoadTicket(ctx context.Context, tenantID string, ticketID uint) (*TicketSnapshot, error) {
	var ticket models.Ticket
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, ticketID).First(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	return SnapshotFromTicket(&ticket), nil
}
