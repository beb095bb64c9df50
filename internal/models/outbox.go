package models

import (
	"time"

	"gorm.io/datatypes"
)

// OutboxEvent 与业务状态同事务写入的待投递事件，由 relay 异步投递
type OutboxEvent struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	EventID       string         `gorm:"uniqueIndex;size:36;not null" json:"event_id"`
	TenantID      string         `gorm:"index;not null" json:"tenant_id"`
	Topic         string         `gorm:"not null" json:"topic"`
	Payload       datatypes.JSON `json:"payload"`
	Attempts      int            `gorm:"default:0" json:"attempts"`
	LastError     string         `gorm:"type:text" json:"last_error,omitempty"`
	NextAttemptAt time.Time      `gorm:"index" json:"next_attempt_at"`
	DeliveredAt   *time.Time     `gorm:"index" json:"delivered_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AllModels lists every table owned by this service, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Ticket{},
		&AutomationRule{}, &AutomationRun{},
		&SlaPolicy{}, &SlaTarget{}, &TicketSlaState{},
		&OutboxEvent{},
	}
}
