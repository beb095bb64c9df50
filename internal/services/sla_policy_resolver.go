package services

import (
	"context"
	"fmt"

	"servicedesk/internal/metrics"
	"servicedesk/internal/models"

	"github.com/sirupsen/logrus"
)

// SlaPolicyResolver picks the SLA policy and priority target governing a ticket.
type SlaPolicyResolver struct {
	store  RuleStore
	logger *logrus.Logger
}

func NewSlaPolicyResolver(store RuleStore, logger *logrus.Logger) *SlaPolicyResolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &SlaPolicyResolver{store: store, logger: logger}
}

// Resolve returns the governing policy and the target for the ticket's priority.
// Either may be nil: no matching policy, or a policy without a target for the
// priority. Only store failures are errors.
func (r *SlaPolicyResolver) Resolve(ctx context.Context, ticket *TicketSnapshot) (*SlaPolicy, *models.SlaTarget, error) {
	policies, err := r.store.FindActiveSlaPolicies(ctx, ticket.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve sla policy: %w", err)
	}

	policy, matched := SelectPolicy(policies, ticket.Document())
	if policy == nil {
		return nil, nil, nil
	}
	if matched > 1 {
		metrics.IncSlaPolicyAmbiguity()
		r.logger.WithFields(logrus.Fields{
			"tenant_id": ticket.TenantID,
			"ticket_id": ticket.ID,
			"policy_id": policy.ID,
			"matched":   matched,
		}).Warn("sla: several active policies match ticket, using the most recently created")
	}

	target, err := r.store.FindSlaTarget(ctx, policy.ID, ticket.Priority)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve sla target: %w", err)
	}
	return policy, target, nil
}

// SelectPolicy returns the winning policy among those whose match rules accept doc,
// plus how many matched. Ties go to the most recently created policy, then the
// higher id.
func SelectPolicy(policies []*SlaPolicy, doc map[string]interface{}) (*SlaPolicy, int) {
	var best *SlaPolicy
	matched := 0
	for _, p := range policies {
		if p == nil || !EvaluateCondition(p.MatchRules, doc) {
			continue
		}
		matched++
		if best == nil || newerPolicy(p, best) {
			best = p
		}
	}
	return best, matched
}

func newerPolicy(a, b *SlaPolicy) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
