package eventbus

import (
	"encoding/json"
	"time"

	"servicedesk/internal/models"
)

// Meta 事件元数据，消费者用 ID 去重
type Meta struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	TenantID string    `json:"tenant_id"`
	Producer string    `json:"producer,omitempty"`
	Time     time.Time `json:"time"`
	Attempt  int       `json:"attempt"`
}

// Envelope is the wire format of every published event.
type Envelope struct {
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// FromOutbox wraps a stored outbox row for publishing.
func FromOutbox(row *models.OutboxEvent, producer string) Envelope {
	data := json.RawMessage(row.Payload)
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return Envelope{
		Meta: Meta{
			ID:       row.EventID,
			Type:     row.Topic,
			TenantID: row.TenantID,
			Producer: producer,
			Time:     row.CreatedAt.UTC(),
			Attempt:  row.Attempts + 1,
		},
		Data: data,
	}
}
