package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"servicedesk/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestServices(t *testing.T) (*Services, *gorm.DB, *clock) {
	db := newTestDB(t)
	svc := NewServices(db, testConfig(), nil, quietLogger())
	c := &clock{now: t0}
	svc.SLA.SetClock(c.Now)
	svc.Tickets.SetClock(c.Now)
	return svc, db, c
}

func TestSLAService_CreatePolicyValidation(t *testing.T) {
	svc, _, _ := newTestServices(t)
	ctx := context.Background()

	cases := []*SlaPolicyCreateRequest{
		{Name: ""},
		{Name: "x", Targets: []SlaTargetRequest{{Priority: "critical"}}},
		{Name: "x", Targets: []SlaTargetRequest{{Priority: "high"}, {Priority: "high"}}},
		{Name: "x", Targets: []SlaTargetRequest{{Priority: "high", ResolutionMinutes: intPtr(-5)}}},
		{Name: "x", MatchRules: json.RawMessage(`{"field":"a","op":"between"}`)},
	}
	for _, req := range cases {
		_, err := svc.SLA.CreatePolicy(ctx, "acme", req)
		assert.ErrorIs(t, err, ErrInvalidInput, req.Name)
	}
}

func TestSLAService_PolicyCRUD(t *testing.T) {
	svc, _, _ := newTestServices(t)
	ctx := context.Background()

	created, err := svc.SLA.CreatePolicy(ctx, "acme", &SlaPolicyCreateRequest{
		Name:       "billing",
		MatchRules: json.RawMessage(`{"field":"category","value":"billing"}`),
		Targets: []SlaTargetRequest{
			{Priority: models.PriorityHigh, FirstResponseMinutes: intPtr(60), ResolutionMinutes: intPtr(480)},
			{Priority: models.PriorityLow, ResolutionMinutes: intPtr(2880)},
		},
	})
	require.NoError(t, err)
	assert.True(t, created.IsActive)

	got, err := svc.SLA.GetPolicy(ctx, "acme", created.ID)
	require.NoError(t, err)
	assert.Len(t, got.Targets, 2)

	_, err = svc.SLA.GetPolicy(ctx, "globex", created.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	name := "billing v2"
	targets := []SlaTargetRequest{{Priority: models.PriorityUrgent, FirstResponseMinutes: intPtr(15)}}
	updated, err := svc.SLA.UpdatePolicy(ctx, "acme", created.ID, &SlaPolicyUpdateRequest{Name: &name, Targets: &targets})
	require.NoError(t, err)
	assert.Equal(t, "billing v2", updated.Name)

	got, err = svc.SLA.GetPolicy(ctx, "acme", created.ID)
	require.NoError(t, err)
	require.Len(t, got.Targets, 1)
	assert.Equal(t, models.PriorityUrgent, got.Targets[0].Priority)
	assert.JSONEq(t, `{"field":"category","value":"billing"}`, string(got.MatchRules))

	inactive := false
	_, err = svc.SLA.CreatePolicy(ctx, "acme", &SlaPolicyCreateRequest{Name: "paused", IsActive: &inactive})
	require.NoError(t, err)

	list, total, err := svc.SLA.ListPolicies(ctx, "acme", &SlaPolicyListRequest{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, list, 2)

	active := true
	list, total, err = svc.SLA.ListPolicies(ctx, "acme", &SlaPolicyListRequest{Active: &active})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, created.ID, list[0].ID)

	require.NoError(t, svc.SLA.DeletePolicy(ctx, "acme", created.ID))
	assert.ErrorIs(t, svc.SLA.DeletePolicy(ctx, "acme", created.ID), ErrNotFound)
}

func TestSLAService_InvalidTrigger(t *testing.T) {
	svc, _, _ := newTestServices(t)
	_, err := svc.SLA.HandleTicketEvent(context.Background(), "acme", 1, SlaTrigger("lunch_break"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

type capturingAutomation struct {
	events []AutomationEvent
}

func (c *capturingAutomation) HandleEvent(_ context.Context, evt AutomationEvent) ([]ActionResult, error) {
	c.events = append(c.events, evt)
	return nil, nil
}

func TestSLAService_BreachReentersAutomation(t *testing.T) {
	svc, db, c := newTestServices(t)
	auto := &capturingAutomation{}
	svc.SLA.SetAutomation(auto, "sla.breached")
	ctx := context.Background()

	createPolicy(t, db, "acme", "default", "", models.SlaTarget{Priority: models.PriorityHigh, FirstResponseMinutes: intPtr(60)})
	ticket := createTicket(t, db, "acme", models.PriorityHigh, t0)

	_, err := svc.SLA.HandleTicketEvent(ctx, "acme", ticket.ID, SlaTriggerTicketCreated)
	require.NoError(t, err)
	assert.Empty(t, auto.events)

	c.now = t0.Add(90 * time.Minute)
	res, err := svc.SLA.HandleTicketEvent(ctx, "acme", ticket.ID, SlaTriggerSweep)
	require.NoError(t, err)
	assert.Equal(t, []string{DeadlineFirstResponse}, res.NewlyBreached)

	require.Len(t, auto.events, 1)
	evt := auto.events[0]
	assert.Equal(t, "sla.breached", evt.TriggerEvent)
	assert.Equal(t, models.EntityTicket, evt.EntityType)
	assert.Equal(t, "acme", evt.TenantID)
	assert.Equal(t, []interface{}{DeadlineFirstResponse}, evt.Record["sla_breached"])

	// no second notification for the same breach
	c.now = t0.Add(3 * time.Hour)
	_, err = svc.SLA.HandleTicketEvent(ctx, "acme", ticket.ID, SlaTriggerSweep)
	require.NoError(t, err)
	assert.Len(t, auto.events, 1)
}

func TestSLAService_RecomputeOpenTickets(t *testing.T) {
	svc, db, c := newTestServices(t)
	ctx := context.Background()
	createPolicy(t, db, "acme", "default", "", models.SlaTarget{Priority: models.PriorityNormal, ResolutionMinutes: intPtr(120)})
	createPolicy(t, db, "globex", "default", "", models.SlaTarget{Priority: models.PriorityNormal, ResolutionMinutes: intPtr(120)})

	open := createTicket(t, db, "acme", models.PriorityNormal, t0)
	solved := createTicket(t, db, "acme", models.PriorityNormal, t0)
	require.NoError(t, db.Model(solved).Updates(map[string]interface{}{"status": models.TicketStatusSolved, "solved_at": t0.Add(time.Hour)}).Error)
	foreign := createTicket(t, db, "globex", models.PriorityNormal, t0)

	c.now = t0.Add(3 * time.Hour)
	n, err := svc.SLA.RecomputeOpenTickets(ctx, "acme", SlaTriggerSweep)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state, err := svc.Store.LoadTicketSlaState(ctx, "acme", open.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.ResolutionBreached)

	state, err = svc.Store.LoadTicketSlaState(ctx, "globex", foreign.ID)
	require.NoError(t, err)
	assert.Nil(t, state)

	n, err = svc.SLA.RecomputeOpenTickets(ctx, "", SlaTriggerSweep)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSLAService_PolicyChangeRecomputes(t *testing.T) {
	svc, db, _ := newTestServices(t)
	ctx := context.Background()
	ticket := createTicket(t, db, "acme", models.PriorityUrgent, t0)

	_, err := svc.SLA.CreatePolicy(ctx, "acme", &SlaPolicyCreateRequest{
		Name:    "urgent",
		Targets: []SlaTargetRequest{{Priority: models.PriorityUrgent, FirstResponseMinutes: intPtr(15)}},
	})
	require.NoError(t, err)

	state, err := svc.Store.LoadTicketSlaState(ctx, "acme", ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.FirstResponseDueAt)
	assert.True(t, t0.Add(15*time.Minute).Equal(*state.FirstResponseDueAt))
}

func TestSLAService_GetTicketSla(t *testing.T) {
	svc, db, c := newTestServices(t)
	createPolicy(t, db, "acme", "default", "", models.SlaTarget{Priority: models.PriorityHigh, FirstResponseMinutes: intPtr(60)})
	ticket := createTicket(t, db, "acme", models.PriorityHigh, t0)

	c.now = t0.Add(2 * time.Hour)
	res, err := svc.SLA.GetTicketSla(context.Background(), "acme", ticket.ID)
	require.NoError(t, err)
	assert.True(t, res.State.FirstResponseBreached)
	assert.Equal(t, "default", res.Policy.Name)

	_, err = svc.SLA.GetTicketSla(context.Background(), "acme", 4242)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSLAService_MonitorStopsOnCancel(t *testing.T) {
	svc, _, _ := newTestServices(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.SLA.StartSLAMonitor(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}

	// a zero interval disables the sweep
	svc.SLA.StartSLAMonitor(context.Background(), 0)
}
