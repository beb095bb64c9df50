package services

import (
	"encoding/json"
	"fmt"
	"time"

	"servicedesk/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Outbox topics.
const (
	TopicSlaBreached      = "sla.breached"
	TopicSlaStateChanged  = "sla.state_changed"
	TopicActionDispatched = "automation.action_dispatched"
	TopicCustomEvent      = "automation.event"
)

// OutboxMessage is an event to publish once the surrounding transaction commits.
type OutboxMessage struct {
	Topic   string
	Payload interface{}
}

// EnqueueOutbox inserts messages as outbox rows using tx.
func EnqueueOutbox(tx *gorm.DB, tenantID string, msgs ...OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]models.OutboxEvent, 0, len(msgs))
	for _, msg := range msgs {
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("marshal outbox payload for %s: %w", msg.Topic, err)
		}
		rows = append(rows, models.OutboxEvent{
			EventID:       uuid.NewString(),
			TenantID:      tenantID,
			Topic:         msg.Topic,
			Payload:       payload,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	}
	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}
