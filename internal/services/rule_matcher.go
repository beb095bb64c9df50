package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RuleMatcher selects the automation rules that apply to a record event.
type RuleMatcher struct {
	store  RuleStore
	logger *logrus.Logger
	tracer trace.Tracer
}

func NewRuleMatcher(store RuleStore, logger *logrus.Logger) *RuleMatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &RuleMatcher{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("servicedesk.automation"),
	}
}

// Match returns the applicable rules in execution order. Only store failures are
// reported as errors; an empty result is not an error.
func (m *RuleMatcher) Match(ctx context.Context, tenantID, entityType, triggerEvent string, scope RecordScope, snapshot map[string]interface{}) ([]*AutomationRule, error) {
	ctx, span := m.tracer.Start(ctx, "automation.match_rules")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("automation.entity_type", entityType),
		attribute.String("automation.trigger_event", triggerEvent),
	)

	candidates, err := m.store.FindAutomationRules(ctx, tenantID, entityType, triggerEvent)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("match rules: %w", err)
	}
	rules := SelectRules(candidates, scope, snapshot)

	span.SetAttributes(
		attribute.Int("automation.candidates", len(candidates)),
		attribute.Int("automation.matched", len(rules)),
	)
	m.logger.WithFields(logrus.Fields{
		"tenant_id":     tenantID,
		"entity_type":   entityType,
		"trigger_event": triggerEvent,
		"record_id":     scope.RecordID,
		"matched":       len(rules),
	}).Debug("automation: rules matched")
	return rules, nil
}

// SelectRules applies scope selection, pipeline inheritance, condition filtering and
// ordering to candidates that already match tenant, entity type and trigger.
//
// A stage rule with inheritance enabled pulls in the rules of the record's pipeline.
// Those rules already apply directly through the record's pipeline, so the flag never
// changes the result; the pass only keeps inherited rules deduplicated if the direct
// pipeline match ever narrows. Each rule appears at most once, ordered by ascending
// priority and then id.
func SelectRules(candidates []*AutomationRule, scope RecordScope, snapshot map[string]interface{}) []*AutomationRule {
	seen := make(map[uint]bool, len(candidates))
	selected := make([]*AutomationRule, 0, len(candidates))
	add := func(r *AutomationRule) {
		if seen[r.ID] {
			return
		}
		seen[r.ID] = true
		selected = append(selected, r)
	}

	inherit := false
	for _, r := range candidates {
		if r == nil || !r.Enabled || !scopeAppliesTo(r.Scope, scope) {
			continue
		}
		add(r)
		if st, ok := r.Scope.(StageTarget); ok && st.InheritPipeline {
			inherit = true
		}
	}

	if inherit && scope.PipelineID != "" {
		for _, r := range candidates {
			if r == nil || !r.Enabled {
				continue
			}
			if pt, ok := r.Scope.(PipelineTarget); ok && pt.PipelineID == scope.PipelineID {
				add(r)
			}
		}
	}

	matched := selected[:0]
	for _, r := range selected {
		if EvaluateCondition(r.Condition, snapshot) {
			matched = append(matched, r)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return lessRule(matched[i], matched[j])
	})
	return matched
}

// lessRule is the total execution order: priority ascending, then id ascending.
func lessRule(a, b *AutomationRule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}
