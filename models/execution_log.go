package models

import (
	"time"

	"gorm.io/gorm"
)

// Execution log statuses
const (
	LogStatusSuccess = "success"
	LogStatusFailed  = "failed"
	LogStatusSkipped = "skipped"
)

// ExecutionLog is an append-only record of one step attempt for one
// enrollment. Rows are never updated or deleted; retries append new rows.
type ExecutionLog struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	StepID       uint `gorm:"not null;index" json:"step_id"`
	SequenceID   uint `gorm:"not null;index" json:"sequence_id"` // denormalized for sequence-level audit queries

	ActionPerformed string    `gorm:"not null" json:"action_performed"` // copy of action_type at execution time
	PerformedAt     time.Time `gorm:"not null;index" json:"performed_at"`
	Status          string    `gorm:"not null" json:"status"` // success, failed, skipped
	Notes           string    `json:"notes"`
}
