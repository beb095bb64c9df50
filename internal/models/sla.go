package models

import (
	"time"

	"gorm.io/datatypes"
)

// Ticket priorities an SLA target can be defined for.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// ValidPriority reports whether p is one of the four SLA priority tiers.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// SlaPolicy SLA 策略；match_rules 与自动化规则的 condition 结构相同
type SlaPolicy struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	TenantID        string         `gorm:"index;not null" json:"tenant_id"`
	Name            string         `gorm:"not null" json:"name"`
	Description     string         `gorm:"type:text" json:"description"`
	IsActive        bool           `gorm:"index" json:"is_active"`
	MatchRules      datatypes.JSON `json:"match_rules,omitempty"`
	BusinessHoursID *string        `json:"business_hours_id,omitempty"` // reserved, not used in deadline math
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`

	Targets []SlaTarget `gorm:"foreignKey:PolicyID;constraint:OnDelete:CASCADE" json:"targets,omitempty"`
}

// SlaTarget 每个优先级一条；分钟数为空表示没有该类截止时间
type SlaTarget struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	PolicyID             uint      `gorm:"uniqueIndex:idx_policy_priority;not null" json:"policy_id"`
	Priority             string    `gorm:"uniqueIndex:idx_policy_priority;not null" json:"priority"`
	FirstResponseMinutes *int      `json:"first_response_minutes,omitempty"`
	NextResponseMinutes  *int      `json:"next_response_minutes,omitempty"`
	ResolutionMinutes    *int      `json:"resolution_minutes,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TicketSlaState 工单 SLA 计时状态；last_computed_at 用作乐观锁
type TicketSlaState struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	TenantID              string     `gorm:"uniqueIndex:idx_ticket_sla_state;not null" json:"tenant_id"`
	TicketID              uint       `gorm:"uniqueIndex:idx_ticket_sla_state;not null" json:"ticket_id"`
	SlaPolicyID           *uint      `json:"sla_policy_id"`
	FirstResponseDueAt    *time.Time `json:"first_response_due_at"`
	NextResponseDueAt     *time.Time `json:"next_response_due_at"`
	ResolutionDueAt       *time.Time `json:"resolution_due_at"`
	FirstResponseBreached bool       `json:"first_response_breached"`
	NextResponseBreached  bool       `json:"next_response_breached"`
	ResolutionBreached    bool       `json:"resolution_breached"`
	LastComputedAt        *time.Time `json:"last_computed_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}
