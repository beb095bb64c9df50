package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"servicedesk/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketService_SlaLifecycle(t *testing.T) {
	svc, _, c := newTestServices(t)
	ctx := context.Background()

	_, err := svc.SLA.CreatePolicy(ctx, "acme", &SlaPolicyCreateRequest{
		Name: "standard",
		Targets: []SlaTargetRequest{{
			Priority:             models.PriorityHigh,
			FirstResponseMinutes: intPtr(60),
			NextResponseMinutes:  intPtr(30),
			ResolutionMinutes:    intPtr(480),
		}},
	})
	require.NoError(t, err)

	ticket, err := svc.Tickets.CreateTicket(ctx, "acme", &TicketCreateRequest{Subject: "vpn down", Priority: models.PriorityHigh})
	require.NoError(t, err)

	state := func() *models.TicketSlaState {
		s, err := svc.Store.LoadTicketSlaState(ctx, "acme", ticket.ID)
		require.NoError(t, err)
		require.NotNil(t, s)
		return s
	}
	assert.True(t, t0.Add(time.Hour).Equal(*state().FirstResponseDueAt))

	c.now = t0.Add(40 * time.Minute)
	_, err = svc.Tickets.AddMessage(ctx, "acme", ticket.ID, false)
	require.NoError(t, err)
	assert.False(t, state().FirstResponseBreached)

	c.now = t0.Add(50 * time.Minute)
	_, err = svc.Tickets.AddMessage(ctx, "acme", ticket.ID, true)
	require.NoError(t, err)
	require.NotNil(t, state().NextResponseDueAt)
	assert.True(t, t0.Add(80*time.Minute).Equal(*state().NextResponseDueAt))

	c.now = t0.Add(90 * time.Minute)
	_, err = svc.SLA.HandleTicketEvent(ctx, "acme", ticket.ID, SlaTriggerSweep)
	require.NoError(t, err)
	assert.True(t, state().NextResponseBreached)

	c.now = t0.Add(2 * time.Hour)
	_, err = svc.Tickets.AddMessage(ctx, "acme", ticket.ID, false)
	require.NoError(t, err)
	s := state()
	assert.True(t, s.NextResponseBreached)
	assert.Nil(t, s.NextResponseDueAt)
	assert.False(t, s.FirstResponseBreached)

	c.now = t0.Add(3 * time.Hour)
	solved, err := svc.Tickets.UpdateStatus(ctx, "acme", ticket.ID, models.TicketStatusSolved)
	require.NoError(t, err)
	require.NotNil(t, solved.SolvedAt)

	c.now = t0.Add(24 * time.Hour)
	_, err = svc.SLA.HandleTicketEvent(ctx, "acme", ticket.ID, SlaTriggerSweep)
	require.NoError(t, err)
	assert.False(t, state().ResolutionBreached, "solved within the target")

	reopened, err := svc.Tickets.UpdateStatus(ctx, "acme", ticket.ID, models.TicketStatusOpen)
	require.NoError(t, err)
	assert.Nil(t, reopened.SolvedAt)
	assert.True(t, state().ResolutionBreached)
}

func TestTicketService_PriorityChangeMovesDeadlines(t *testing.T) {
	svc, _, _ := newTestServices(t)
	ctx := context.Background()
	_, err := svc.SLA.CreatePolicy(ctx, "acme", &SlaPolicyCreateRequest{
		Name: "standard",
		Targets: []SlaTargetRequest{
			{Priority: models.PriorityNormal, FirstResponseMinutes: intPtr(240)},
			{Priority: models.PriorityUrgent, FirstResponseMinutes: intPtr(15)},
		},
	})
	require.NoError(t, err)

	ticket, err := svc.Tickets.CreateTicket(ctx, "acme", &TicketCreateRequest{Subject: "slow page"})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityNormal, ticket.Priority)

	_, err = svc.Tickets.UpdatePriority(ctx, "acme", ticket.ID, models.PriorityUrgent)
	require.NoError(t, err)
	s, err := svc.Store.LoadTicketSlaState(ctx, "acme", ticket.ID)
	require.NoError(t, err)
	assert.True(t, t0.Add(15*time.Minute).Equal(*s.FirstResponseDueAt))

	_, err = svc.Tickets.UpdatePriority(ctx, "acme", ticket.ID, "p0")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Tickets.UpdatePriority(ctx, "globex", ticket.ID, models.PriorityLow)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTicketService_Validation(t *testing.T) {
	svc, _, _ := newTestServices(t)
	ctx := context.Background()

	_, err := svc.Tickets.CreateTicket(ctx, "acme", &TicketCreateRequest{Subject: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Tickets.CreateTicket(ctx, "acme", &TicketCreateRequest{Subject: "x", Priority: "p1"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	ticket, err := svc.Tickets.CreateTicket(ctx, "acme", &TicketCreateRequest{Subject: "x", Tags: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "a,b", ticket.Tags)

	_, err = svc.Tickets.UpdateStatus(ctx, "acme", ticket.ID, "archived")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Tickets.MoveToStage(ctx, "acme", ticket.ID, "", "s")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTicketService_MoveToStageFiresInheritedRules(t *testing.T) {
	svc, db, _ := newTestServices(t)
	ctx := context.Background()

	_, err := svc.Automation.CreateRule(ctx, "acme", &AutomationRuleRequest{
		Name: "pipeline tag", EntityType: models.EntityTicket, PipelineID: strPtr("escalations"),
		TriggerEvent: TriggerEnteredStage, ActionType: ActionAddTag,
		ActionConfig: json.RawMessage(`{"tag":"pipeline"}`), Priority: intPtr(1),
	})
	require.NoError(t, err)
	_, err = svc.Automation.CreateRule(ctx, "acme", &AutomationRuleRequest{
		Name: "stage tag", EntityType: models.EntityTicket, PipelineStageID: strPtr("tier2"),
		InheritPipelineActions: true,
		TriggerEvent:           TriggerEnteredStage, ActionType: ActionAddTag,
		ActionConfig: json.RawMessage(`{"tag":"tier2"}`), Priority: intPtr(5),
	})
	require.NoError(t, err)

	ticket, err := svc.Tickets.CreateTicket(ctx, "acme", &TicketCreateRequest{Subject: "db failover"})
	require.NoError(t, err)

	moved, err := svc.Tickets.MoveToStage(ctx, "acme", ticket.ID, "escalations", "tier2")
	require.NoError(t, err)
	assert.Equal(t, "tier2", *moved.PipelineStageID)

	var stored models.Ticket
	require.NoError(t, db.First(&stored, ticket.ID).Error)
	assert.Equal(t, "pipeline,tier2", stored.Tags)

	// stage moves do not touch SLA state beyond creation
	var states int64
	require.NoError(t, db.Model(&models.TicketSlaState{}).Count(&states).Error)
	assert.Equal(t, int64(1), states)
}
