package services

import (
	"context"
	"strconv"
	"time"

	"servicedesk/internal/models"
)

// TicketSnapshot is the read-only view of a ticket the SLA engine computes from.
type TicketSnapshot struct {
	ID                    uint
	TenantID              string
	Subject               string
	Category              string
	Priority              string
	Status                string
	Source                string
	Tags                  []string
	PipelineID            string
	PipelineStageID       string
	CreatedAt             time.Time
	FirstResponseAt       *time.Time
	LastCustomerMessageAt *time.Time
	LastAgentReplyAt      *time.Time
	SolvedAt              *time.Time
	ClosedAt              *time.Time
}

// TicketSource loads ticket snapshots; every recompute attempt reads a fresh one.
type TicketSource interface {
	LoadTicket(ctx context.Context, tenantID string, ticketID uint) (*TicketSnapshot, error)
}

func SnapshotFromTicket(t *models.Ticket) *TicketSnapshot {
	s := &TicketSnapshot{
		ID:                    t.ID,
		TenantID:              t.TenantID,
		Subject:               t.Subject,
		Category:              t.Category,
		Priority:              t.Priority,
		Status:                t.Status,
		Source:                t.Source,
		Tags:                  splitTags(t.Tags),
		CreatedAt:             t.CreatedAt,
		FirstResponseAt:       t.FirstResponseAt,
		LastCustomerMessageAt: t.LastCustomerMessageAt,
		LastAgentReplyAt:      t.LastAgentReplyAt,
		SolvedAt:              t.SolvedAt,
		ClosedAt:              t.ClosedAt,
	}
	if t.PipelineID != nil {
		s.PipelineID = *t.PipelineID
	}
	if t.PipelineStageID != nil {
		s.PipelineStageID = *t.PipelineStageID
	}
	return s
}

func (s *TicketSnapshot) terminal() bool {
	return s.Status == models.TicketStatusSolved || s.Status == models.TicketStatusClosed
}

// closedAt is the earlier of solved/closed timestamps, nil while unresolved.
func (s *TicketSnapshot) closedAt() *time.Time {
	return earliest(s.SolvedAt, s.ClosedAt)
}

// awaitingReplySince returns the customer message that opened a next-response
// obligation: one that arrived after the first response and after the latest agent reply.
func (s *TicketSnapshot) awaitingReplySince() *time.Time {
	if s.FirstResponseAt == nil || s.LastCustomerMessageAt == nil {
		return nil
	}
	lastReply := latest(s.FirstResponseAt, s.LastAgentReplyAt)
	if !s.LastCustomerMessageAt.After(*lastReply) {
		return nil
	}
	return s.LastCustomerMessageAt
}

// Document renders the snapshot as the field map conditions and actions see.
func (s *TicketSnapshot) Document() map[string]interface{} {
	tags := make([]interface{}, 0, len(s.Tags))
	for _, t := range s.Tags {
		tags = append(tags, t)
	}
	doc := map[string]interface{}{
		"entity_type": models.EntityTicket,
		"id":          s.ID,
		"tenant_id":   s.TenantID,
		"subject":     s.Subject,
		"category":    s.Category,
		"priority":    s.Priority,
		"status":      s.Status,
		"source":      s.Source,
		"tags":        tags,
		"created_at":  s.CreatedAt.UTC().Format(time.RFC3339),
	}
	if s.PipelineID != "" {
		doc["pipeline_id"] = s.PipelineID
	}
	if s.PipelineStageID != "" {
		doc["pipeline_stage_id"] = s.PipelineStageID
	}
	return doc
}

// Scope is where the ticket sits for rule matching. Tickets have no list memberships.
func (s *TicketSnapshot) Scope() RecordScope {
	return RecordScope{
		RecordID:   strconv.FormatUint(uint64(s.ID), 10),
		PipelineID: s.PipelineID,
		StageID:    s.PipelineStageID,
	}
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	}
	return a
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	}
	return a
}
