package models

import (
	"time"

	"gorm.io/gorm"
)

// Ticket statuses.
const (
	TicketStatusOpen    = "open"
	TicketStatusPending = "pending"
	TicketStatusSolved  = "solved"
	TicketStatusClosed  = "closed"
)

// 工单模型（按租户隔离）
type Ticket struct {
	ID                    uint           `gorm:"primaryKey" json:"id"`
	TenantID              string         `gorm:"index;not null" json:"tenant_id"`
	Subject               string         `gorm:"not null" json:"subject"`
	Description           string         `gorm:"type:text" json:"description"`
	Category              string         `json:"category"`                         // technical, billing, general, complaint
	Priority              string         `gorm:"default:'normal'" json:"priority"` // low, normal, high, urgent
	Status                string         `gorm:"default:'open'" json:"status"`     // open, pending, solved, closed
	Source                string         `json:"source"`                           // web, email, phone, chat
	Tags                  string         `json:"tags"`                             // comma separated
	PipelineID            *string        `gorm:"index" json:"pipeline_id,omitempty"`
	PipelineStageID       *string        `gorm:"index" json:"pipeline_stage_id,omitempty"`
	FirstResponseAt       *time.Time     `json:"first_response_at"`
	LastCustomerMessageAt *time.Time     `json:"last_customer_message_at"`
	LastAgentReplyAt      *time.Time     `json:"last_agent_reply_at"`
	SolvedAt              *time.Time     `json:"solved_at"`
	ClosedAt              *time.Time     `json:"closed_at"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	DeletedAt             gorm.DeletedAt `gorm:"index" json:"-"`
}

// IsTerminal reports whether the ticket has been solved or closed.
func (t *Ticket) IsTerminal() bool {
	return t.Status == TicketStatusSolved || t.Status == TicketStatusClosed
}
