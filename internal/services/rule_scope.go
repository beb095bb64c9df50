package services

import (
	"strings"

	"servicedesk/internal/models"
)

// RuleScope is where an automation rule applies. Exactly one of RecordTarget,
// PipelineTarget, StageTarget or ListTarget.
type RuleScope interface {
	scopeKind() string
}

type RecordTarget struct {
	RecordType string
	RecordID   string
}

type PipelineTarget struct {
	PipelineID string
}

// StageTarget scopes a rule to one pipeline stage. With InheritPipeline set, records in
// that stage also pick up the rules of the stage's pipeline.
type StageTarget struct {
	StageID         string
	InheritPipeline bool
}

type ListTarget struct {
	ListID string
}

func (RecordTarget) scopeKind() string   { return "record" }
func (PipelineTarget) scopeKind() string { return "pipeline" }
func (StageTarget) scopeKind() string    { return "stage" }
func (ListTarget) scopeKind() string     { return "list" }

// ScopeKind returns "record", "pipeline", "stage" or "list".
func ScopeKind(s RuleScope) string {
	if s == nil {
		return ""
	}
	return s.scopeKind()
}

// RecordScope is where a record currently sits; the input side of rule matching.
type RecordScope struct {
	RecordID   string   `json:"record_id"`
	PipelineID string   `json:"pipeline_id,omitempty"`
	StageID    string   `json:"stage_id,omitempty"`
	ListIDs    []string `json:"list_ids,omitempty"`
}

func (r RecordScope) inList(listID string) bool {
	for _, id := range r.ListIDs {
		if id == listID {
			return true
		}
	}
	return false
}

// scopeAppliesTo is the direct scope check; pipeline inheritance is handled by the matcher.
func scopeAppliesTo(scope RuleScope, rec RecordScope) bool {
	switch s := scope.(type) {
	case RecordTarget:
		return rec.RecordID != "" && s.RecordID == rec.RecordID
	case PipelineTarget:
		return rec.PipelineID != "" && s.PipelineID == rec.PipelineID
	case StageTarget:
		return rec.StageID != "" && s.StageID == rec.StageID
	case ListTarget:
		return rec.inList(s.ListID)
	default:
		return false
	}
}

// ScopeOf reads the scope columns of a stored rule.
func ScopeOf(rule *models.AutomationRule) (RuleScope, error) {
	if rule.ScopeTargetCount() != 1 {
		return nil, models.ErrInvalidScope
	}
	switch {
	case nonEmpty(rule.RecordID):
		recordType := ""
		if rule.RecordType != nil {
			recordType = *rule.RecordType
		}
		return RecordTarget{RecordType: recordType, RecordID: *rule.RecordID}, nil
	case nonEmpty(rule.PipelineID):
		return PipelineTarget{PipelineID: *rule.PipelineID}, nil
	case nonEmpty(rule.PipelineStageID):
		return StageTarget{StageID: *rule.PipelineStageID, InheritPipeline: rule.InheritPipelineActions}, nil
	default:
		return ListTarget{ListID: *rule.ListID}, nil
	}
}

// ApplyScope writes scope into the rule's columns, clearing the other targets.
func ApplyScope(rule *models.AutomationRule, scope RuleScope) error {
	rule.RecordType, rule.RecordID, rule.PipelineID, rule.PipelineStageID, rule.ListID = nil, nil, nil, nil, nil
	rule.InheritPipelineActions = false

	switch s := scope.(type) {
	case RecordTarget:
		if strings.TrimSpace(s.RecordID) == "" {
			return models.ErrInvalidScope
		}
		rule.RecordID = strPtr(s.RecordID)
		if s.RecordType != "" {
			rule.RecordType = strPtr(s.RecordType)
		}
	case PipelineTarget:
		if strings.TrimSpace(s.PipelineID) == "" {
			return models.ErrInvalidScope
		}
		rule.PipelineID = strPtr(s.PipelineID)
	case StageTarget:
		if strings.TrimSpace(s.StageID) == "" {
			return models.ErrInvalidScope
		}
		rule.PipelineStageID = strPtr(s.StageID)
		rule.InheritPipelineActions = s.InheritPipeline
	case ListTarget:
		if strings.TrimSpace(s.ListID) == "" {
			return models.ErrInvalidScope
		}
		rule.ListID = strPtr(s.ListID)
	default:
		return models.ErrInvalidScope
	}
	return nil
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}

func strPtr(s string) *string {
	return &s
}
