package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"servicedesk/internal/metrics"
	"servicedesk/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrRecomputeConflict is returned when every recompute attempt lost the
// last_computed_at race to a concurrent writer.
var ErrRecomputeConflict = errors.New("sla recompute conflict")

// Deadline kinds.
const (
	DeadlineFirstResponse = "first_response"
	DeadlineNextResponse  = "next_response"
	DeadlineResolution    = "resolution"
)

// SlaRecomputeEvent is reported to the EventSink after a successful save.
type SlaRecomputeEvent struct {
	TenantID      string                `json:"tenant_id"`
	TicketID      uint                  `json:"ticket_id"`
	PolicyID      *uint                 `json:"policy_id"`
	NewlyBreached []string              `json:"newly_breached,omitempty"`
	State         models.TicketSlaState `json:"state"`
}

// SlaRecomputeResult 一次重算的结果
type SlaRecomputeResult struct {
	State         models.TicketSlaState
	Ticket        *TicketSnapshot
	Policy        *SlaPolicy
	Target        *models.SlaTarget
	NewlyBreached []string
	Attempts      int
}

// ComputeSlaState derives the next persisted state from the previous one and a ticket
// snapshot. It is pure: same inputs, same output.
//
// Due times come from the target; a nil target (no policy, or no target for the
// priority) clears all due times. Breach flags only ever go from false to true. For a
// solved or closed ticket, time stops at its closing timestamp, or at now when the
// timestamp is missing. last_computed_at is strictly increasing across writes.
func ComputeSlaState(prev *models.TicketSlaState, ticket *TicketSnapshot, policy *SlaPolicy, target *models.SlaTarget, now time.Time) models.TicketSlaState {
	now = normalizeTime(now)
	next := models.TicketSlaState{TenantID: ticket.TenantID, TicketID: ticket.ID}
	if prev != nil {
		next.ID = prev.ID
		next.CreatedAt = prev.CreatedAt
		next.FirstResponseBreached = prev.FirstResponseBreached
		next.NextResponseBreached = prev.NextResponseBreached
		next.ResolutionBreached = prev.ResolutionBreached
	}
	if policy != nil {
		id := policy.ID
		next.SlaPolicyID = &id
	}

	evalAt := now
	var resolvedAt *time.Time
	if ticket.terminal() {
		// solved/closed without a timestamp counts as closed now
		resolvedAt = &now
		if at := ticket.closedAt(); at != nil && at.Before(now) {
			closed := normalizeTime(*at)
			resolvedAt = &closed
		}
		evalAt = *resolvedAt
	}

	if target != nil {
		next.FirstResponseDueAt = addMinutes(&ticket.CreatedAt, target.FirstResponseMinutes)
		next.ResolutionDueAt = addMinutes(&ticket.CreatedAt, target.ResolutionMinutes)
		next.NextResponseDueAt = addMinutes(ticket.awaitingReplySince(), target.NextResponseMinutes)
	}

	next.FirstResponseBreached = next.FirstResponseBreached || overdue(next.FirstResponseDueAt, ticket.FirstResponseAt, evalAt)
	next.NextResponseBreached = next.NextResponseBreached || overdue(next.NextResponseDueAt, nil, evalAt)
	next.ResolutionBreached = next.ResolutionBreached || overdue(next.ResolutionDueAt, resolvedAt, evalAt)
	next.LastComputedAt = nextComputedAt(prev, now)
	return next
}

// nextComputedAt is the CAS stamp for a new write. It always moves past the previous
// stamp, so two writes in the same millisecond never leave last_computed_at unchanged.
func nextComputedAt(prev *models.TicketSlaState, now time.Time) *time.Time {
	stamp := now
	if prev != nil && prev.LastComputedAt != nil {
		if floor := normalizeTime(prev.LastComputedAt.Add(time.Millisecond)); stamp.Before(floor) {
			stamp = floor
		}
	}
	return &stamp
}

// overdue: an outstanding obligation whose due time has passed.
func overdue(due, satisfiedAt *time.Time, at time.Time) bool {
	return due != nil && satisfiedAt == nil && at.After(*due)
}

func addMinutes(from *time.Time, minutes *int) *time.Time {
	if from == nil || minutes == nil {
		return nil
	}
	due := normalizeTime(from.Add(time.Duration(*minutes) * time.Minute))
	return &due
}

// normalizeTime keeps timestamps at a precision every supported database round-trips,
// so last_computed_at compares equal after a read.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// newlyBreached lists the flags that are true in next but were not in prev.
func newlyBreached(prev *models.TicketSlaState, next models.TicketSlaState) []string {
	var was models.TicketSlaState
	if prev != nil {
		was = *prev
	}
	var kinds []string
	if next.FirstResponseBreached && !was.FirstResponseBreached {
		kinds = append(kinds, DeadlineFirstResponse)
	}
	if next.NextResponseBreached && !was.NextResponseBreached {
		kinds = append(kinds, DeadlineNextResponse)
	}
	if next.ResolutionBreached && !was.ResolutionBreached {
		kinds = append(kinds, DeadlineResolution)
	}
	return kinds
}

func slaStateChanged(prev *models.TicketSlaState, next models.TicketSlaState) bool {
	if prev == nil {
		return true
	}
	return !sameTime(prev.FirstResponseDueAt, next.FirstResponseDueAt) ||
		!sameTime(prev.NextResponseDueAt, next.NextResponseDueAt) ||
		!sameTime(prev.ResolutionDueAt, next.ResolutionDueAt) ||
		!sameUint(prev.SlaPolicyID, next.SlaPolicyID) ||
		len(newlyBreached(prev, next)) > 0
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameUint(a, b *uint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// SlaTimerEngine recomputes and persists ticket SLA state under optimistic concurrency.
type SlaTimerEngine struct {
	store      RuleStore
	tickets    TicketSource
	resolver   *SlaPolicyResolver
	maxRetries int
	sink       EventSink
	logger     *logrus.Logger
	tracer     trace.Tracer
}

func NewSlaTimerEngine(store RuleStore, tickets TicketSource, maxRetries int, logger *logrus.Logger) *SlaTimerEngine {
	if logger == nil {
		logger = logrus.New()
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &SlaTimerEngine{
		store:      store,
		tickets:    tickets,
		resolver:   NewSlaPolicyResolver(store, logger),
		maxRetries: maxRetries,
		logger:     logger,
		tracer:     otel.Tracer("servicedesk.sla"),
	}
}

// SetEventSink installs an optional sink; nil disables it.
func (e *SlaTimerEngine) SetEventSink(sink EventSink) {
	e.sink = sink
}

// Recompute reloads the ticket, computes its state and saves it if nobody else wrote
// in between. On a lost race the whole computation is retried with fresh reads, up
// to maxRetries attempts.
func (e *SlaTimerEngine) Recompute(ctx context.Context, tenantID string, ticketID uint, now time.Time) (*SlaRecomputeResult, error) {
	ctx, span := e.tracer.Start(ctx, "sla.recompute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int64("ticket.id", int64(ticketID)),
	)

	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		res, prev, err := e.compute(ctx, tenantID, ticketID, now)
		if err != nil {
			metrics.IncSlaRecompute("error")
			span.RecordError(err)
			return nil, err
		}
		res.Attempts = attempt

		var expected *time.Time
		if prev != nil {
			expected = prev.LastComputedAt
		}
		saved, err := e.store.SaveTicketSlaState(ctx, &res.State, expected, e.outboxMessages(prev, res)...)
		if err != nil {
			metrics.IncSlaRecompute("error")
			span.RecordError(err)
			return nil, err
		}
		if saved {
			metrics.IncSlaRecompute("saved")
			for _, kind := range res.NewlyBreached {
				metrics.IncSlaBreach(kind)
			}
			span.SetAttributes(
				attribute.Int("sla.recompute.attempts", attempt),
				attribute.StringSlice("sla.recompute.newly_breached", res.NewlyBreached),
			)
			if e.sink != nil {
				e.sink.SlaRecomputed(ctx, SlaRecomputeEvent{
					TenantID:      tenantID,
					TicketID:      ticketID,
					PolicyID:      res.State.SlaPolicyID,
					NewlyBreached: res.NewlyBreached,
					State:         res.State,
				})
			}
			return res, nil
		}

		metrics.IncSlaRecompute("conflict")
		e.logger.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"ticket_id": ticketID,
			"attempt":   attempt,
		}).Debug("sla: concurrent recompute detected, retrying")
	}

	metrics.IncSlaRecompute("exhausted")
	err := fmt.Errorf("%w: ticket %d after %d attempts", ErrRecomputeConflict, ticketID, e.maxRetries)
	span.RecordError(err)
	return nil, err
}

// Preview computes the state as of now without persisting it.
func (e *SlaTimerEngine) Preview(ctx context.Context, tenantID string, ticketID uint, now time.Time) (*SlaRecomputeResult, error) {
	res, _, err := e.compute(ctx, tenantID, ticketID, now)
	return res, err
}

func (e *SlaTimerEngine) compute(ctx context.Context, tenantID string, ticketID uint, now time.Time) (*SlaRecomputeResult, *models.TicketSlaState, error) {
	ticket, err := e.tickets.LoadTicket(ctx, tenantID, ticketID)
	if err != nil {
		return nil, nil, err
	}
	prev, err := e.store.LoadTicketSlaState(ctx, tenantID, ticketID)
	if err != nil {
		return nil, nil, err
	}
	policy, target, err := e.resolver.Resolve(ctx, ticket)
	if err != nil {
		return nil, nil, err
	}
	next := ComputeSlaState(prev, ticket, policy, target, now)
	return &SlaRecomputeResult{
		State:         next,
		Ticket:        ticket,
		Policy:        policy,
		Target:        target,
		NewlyBreached: newlyBreached(prev, next),
	}, prev, nil
}

func (e *SlaTimerEngine) outboxMessages(prev *models.TicketSlaState, res *SlaRecomputeResult) []OutboxMessage {
	var msgs []OutboxMessage
	if slaStateChanged(prev, res.State) {
		msgs = append(msgs, OutboxMessage{Topic: TopicSlaStateChanged, Payload: res.State})
	}
	if len(res.NewlyBreached) > 0 {
		msgs = append(msgs, OutboxMessage{
			Topic: TopicSlaBreached,
			Payload: map[string]interface{}{
				"tenant_id": res.State.TenantID,
				"ticket_id": res.State.TicketID,
				"policy_id": res.State.SlaPolicyID,
				"kinds":     res.NewlyBreached,
				"state":     res.State,
			},
		})
	}
	return msgs
}
