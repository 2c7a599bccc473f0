package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses. "processing" is internal: it marks a claimed row
// while a worker executes the due step.
const (
	EnrollmentStatusActive     = "active"
	EnrollmentStatusPaused     = "paused"
	EnrollmentStatusProcessing = "processing"
	EnrollmentStatusCompleted  = "completed"
	EnrollmentStatusCancelled  = "cancelled"
)

// Enrollment tracks one target's progress through one sequence
type Enrollment struct {
	gorm.Model
	SequenceID uint   `gorm:"not null;index" json:"sequence_id"`
	TargetType string `gorm:"not null" json:"target_type"`
	TargetID   uint   `gorm:"not null;index" json:"target_id"`

	Status      string `gorm:"default:'active';index" json:"status"` // active, paused, processing, completed, cancelled
	CurrentStep int    `gorm:"default:0" json:"current_step"`        // 0 = first step not yet run

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CancelledAt *time.Time `json:"cancelled_at"`

	// Scheduling state
	NextDueAt     *time.Time `gorm:"index" json:"next_due_at"`
	RemainingSecs *int64     `json:"remaining_secs"` // time-until-due captured at pause
	ClaimedAt     *time.Time `json:"claimed_at"`

	// Set when the sequence was edited under the enrollment's feet
	NeedsReview bool   `gorm:"default:false" json:"needs_review"`
	ReviewNote  string `json:"review_note,omitempty"`

	// Relations
	Sequence Sequence `json:"-"`
}

// IsTerminal reports whether the enrollment can never advance again
func (e *Enrollment) IsTerminal() bool {
	return e.Status == EnrollmentStatusCompleted || e.Status == EnrollmentStatusCancelled
}
