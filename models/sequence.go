package models

import "gorm.io/gorm"

// Target types a sequence can enroll
const (
	TargetTypeContact = "contact"
	TargetTypeDeal    = "deal"
	TargetTypeCompany = "company"
)

// Step action types
const (
	ActionTypeEmail = "email"
	ActionTypeTask  = "task"
	ActionTypeWait  = "wait"
)

// Per-sequence policy applied when a step fails permanently
const (
	FailurePolicyContinue = "continue"
	FailurePolicyHalt     = "halt"
)

// Sequence represents an ordered outreach cadence for one target type
type Sequence struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	TargetType  string `gorm:"not null;index" json:"target_type"` // contact, deal, company
	IsActive    bool   `gorm:"default:true" json:"is_active"`

	// Settings
	OnFailure string `gorm:"default:'continue'" json:"on_failure"` // continue, halt

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// SequenceStep represents one timed action within a sequence.
// StepOrder values form a contiguous 1-based run per sequence.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	StepOrder  int    `gorm:"not null" json:"step_order"`
	ActionType string `gorm:"not null" json:"action_type"` // email, task, wait
	DelayHours int    `gorm:"not null" json:"delay_hours"` // since previous step completed, or enrollment start

	// Action-specific config stored as JSON
	Config StepConfig `gorm:"type:jsonb;serializer:json" json:"config"`
}

// StepConfig contains action-specific step data
type StepConfig struct {
	// Email step fields
	TemplateID *uint `json:"template_id,omitempty"`

	// Task step fields
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}
