package models

import (
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrInvalidScope is returned when an automation rule does not target exactly one of
// record, pipeline, pipeline stage or list.
var ErrInvalidScope = errors.New("automation rule must target exactly one of record, pipeline, stage or list")

// Entity types an automation rule can apply to.
const (
	EntityContact = "CONTACT"
	EntityCompany = "COMPANY"
	EntityDeal    = "DEAL"
	EntityTicket  = "TICKET"
)

// AutomationRule 自动化规则（按租户隔离）
// 四个 scope 列中有且仅有一个非空；内存中由 services.RuleScope 表示。
type AutomationRule struct {
	ID                     uint           `gorm:"primaryKey" json:"id"`
	TenantID               string         `gorm:"index:idx_rule_lookup,priority:1;not null" json:"tenant_id"`
	Name                   string         `gorm:"not null" json:"name"`
	EntityType             string         `gorm:"index:idx_rule_lookup,priority:2;not null" json:"entity_type"`
	RecordType             *string        `json:"record_type,omitempty"`
	RecordID               *string        `gorm:"index" json:"record_id,omitempty"`
	PipelineID             *string        `gorm:"index" json:"pipeline_id,omitempty"`
	PipelineStageID        *string        `gorm:"index" json:"pipeline_stage_id,omitempty"`
	InheritPipelineActions bool           `gorm:"default:false" json:"inherit_pipeline_actions"`
	ListID                 *string        `gorm:"index" json:"list_id,omitempty"`
	TriggerEvent           string         `gorm:"index:idx_rule_lookup,priority:3;not null" json:"trigger_event"`
	Condition              datatypes.JSON `json:"condition,omitempty"`
	ActionType             string         `gorm:"not null" json:"action_type"`
	ActionConfig           datatypes.JSON `json:"action_config,omitempty"`
	Priority               int            `gorm:"not null" json:"priority"`
	Enabled                bool           `json:"enabled"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// ScopeTargetCount reports how many scope columns are populated.
func (r *AutomationRule) ScopeTargetCount() int {
	n := 0
	for _, v := range []*string{r.RecordID, r.PipelineID, r.PipelineStageID, r.ListID} {
		if v != nil && *v != "" {
			n++
		}
	}
	return n
}

// BeforeSave mirrors the database check constraint: every write path has to leave
// exactly one scope target set.
func (r *AutomationRule) BeforeSave(tx *gorm.DB) error {
	if r.ScopeTargetCount() != 1 {
		return ErrInvalidScope
	}
	return nil
}

// AutomationRun 执行记录用于审计
type AutomationRun struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	TenantID     string    `gorm:"index;not null" json:"tenant_id"`
	RuleID       uint      `gorm:"index" json:"rule_id"`
	EntityType   string    `json:"entity_type"`
	RecordID     string    `gorm:"index" json:"record_id"`
	TriggerEvent string    `json:"trigger_event"`
	ActionType   string    `json:"action_type"`
	Status       string    `gorm:"index" json:"status"` // succeeded, failed
	Message      string    `gorm:"type:text" json:"message"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}
