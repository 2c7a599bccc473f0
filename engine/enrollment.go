package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cadence/models"
	"cadence/utils"

	"gorm.io/gorm"
)

// EnrollmentManager creates, pauses, resumes and cancels enrollments.
// Advancing an enrollment through its steps belongs to the dispatcher.
type EnrollmentManager struct {
	DB       *gorm.DB
	Logger   *log.Logger
	Catalog  *Catalog
	Resolver TargetResolver // nil skips the CRM existence check
}

func NewEnrollmentManager(db *gorm.DB, logger *log.Logger, catalog *Catalog, resolver TargetResolver) *EnrollmentManager {
	return &EnrollmentManager{
		DB:       db,
		Logger:   logger,
		Catalog:  catalog,
		Resolver: resolver,
	}
}

// Enroll attaches a target to a sequence. At most one non-cancelled
// enrollment may exist per (sequence, target); re-enrolling while the
// existing one is active returns it unchanged, so duplicate submissions
// are harmless.
func (em *EnrollmentManager) Enroll(ctx context.Context, sequenceID uint, targetType string, targetID uint) (*models.Enrollment, error) {
	sequence, err := em.Catalog.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if !sequence.IsActive {
		return nil, NewValidationError("sequence %d is not active", sequenceID)
	}
	if sequence.TargetType != targetType {
		return nil, NewValidationError("sequence %d targets %s, not %s", sequenceID, sequence.TargetType, targetType)
	}
	if len(sequence.Steps) == 0 {
		return nil, NewValidationError("sequence %d has no steps", sequenceID)
	}
	if targetID == 0 {
		return nil, NewValidationError("target id is required")
	}

	if em.Resolver != nil {
		exists, err := em.Resolver.TargetExists(ctx, targetType, targetID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve target: %w", err)
		}
		if !exists {
			return nil, NewValidationError("%s %d does not exist", targetType, targetID)
		}
	}

	if existing, err := em.findCurrent(sequenceID, targetID); err != nil {
		return nil, err
	} else if existing != nil {
		return em.handleExisting(existing)
	}

	now := time.Now()
	enrollment := models.Enrollment{
		SequenceID:  sequenceID,
		TargetType:  targetType,
		TargetID:    targetID,
		Status:      models.EnrollmentStatusActive,
		CurrentStep: 0,
		StartedAt:   now,
		NextDueAt:   utils.Pointer(now.Add(time.Duration(sequence.Steps[0].DelayHours) * time.Hour)),
	}
	if err := em.DB.Create(&enrollment).Error; err != nil {
		// The partial unique index catches racing duplicate submissions;
		// fall back to whatever row won.
		if existing, findErr := em.findCurrent(sequenceID, targetID); findErr == nil && existing != nil {
			return em.handleExisting(existing)
		}
		return nil, fmt.Errorf("failed to create enrollment: %w", err)
	}

	em.Logger.Printf("Enrolled %s %d into sequence %d (due %s)",
		targetType, targetID, sequenceID, enrollment.NextDueAt.Format(time.RFC3339))
	return &enrollment, nil
}

// Pause captures the remaining time-until-due instead of leaving the
// absolute timestamp in place, so a long pause does not flood the
// enrollment with overdue work on resume.
func (em *EnrollmentManager) Pause(enrollmentID uint) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := em.DB.First(&enrollment, enrollmentID).Error; err != nil {
		return nil, err
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return nil, NewConflictError("enrollment %d is %s, only active enrollments can be paused", enrollmentID, enrollment.Status)
	}

	var remaining int64
	if enrollment.NextDueAt != nil {
		remaining = int64(time.Until(*enrollment.NextDueAt).Seconds())
		if remaining < 0 {
			remaining = 0
		}
	}

	res := em.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", enrollmentID, models.EnrollmentStatusActive).
		Updates(map[string]interface{}{
			"status":         models.EnrollmentStatusPaused,
			"remaining_secs": remaining,
			"next_due_at":    nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// A dispatcher claimed it between the read and the update
		return nil, NewConflictError("enrollment %d changed state, retry the pause", enrollmentID)
	}

	em.Logger.Printf("Paused enrollment %d with %ds remaining", enrollmentID, remaining)
	return em.Get(enrollmentID)
}

// Resume reschedules a paused enrollment at now + remaining offset.
// Resuming a frozen enrollment clears its review flag; the operator
// resuming it is the review.
func (em *EnrollmentManager) Resume(enrollmentID uint) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := em.DB.First(&enrollment, enrollmentID).Error; err != nil {
		return nil, err
	}
	if enrollment.Status != models.EnrollmentStatusPaused {
		return nil, NewConflictError("enrollment %d is %s, only paused enrollments can be resumed", enrollmentID, enrollment.Status)
	}

	var remaining int64
	if enrollment.RemainingSecs != nil {
		remaining = *enrollment.RemainingSecs
	}
	nextDue := time.Now().Add(time.Duration(remaining) * time.Second)

	res := em.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", enrollmentID, models.EnrollmentStatusPaused).
		Updates(map[string]interface{}{
			"status":         models.EnrollmentStatusActive,
			"next_due_at":    nextDue,
			"remaining_secs": nil,
			"needs_review":   false,
			"review_note":    "",
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, NewConflictError("enrollment %d changed state, retry the resume", enrollmentID)
	}

	em.Logger.Printf("Resumed enrollment %d (due %s)", enrollmentID, nextDue.Format(time.RFC3339))
	return em.Get(enrollmentID)
}

// Cancel is terminal. A step already mid-execution finishes and is
// logged, but nothing further runs: the cancelled status makes every
// later claim attempt fail.
func (em *EnrollmentManager) Cancel(enrollmentID uint) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := em.DB.First(&enrollment, enrollmentID).Error; err != nil {
		return nil, err
	}
	if enrollment.IsTerminal() {
		return nil, NewConflictError("enrollment %d is already %s", enrollmentID, enrollment.Status)
	}

	res := em.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status IN ?", enrollmentID, []string{
			models.EnrollmentStatusActive,
			models.EnrollmentStatusPaused,
			models.EnrollmentStatusProcessing,
		}).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentStatusCancelled,
			"cancelled_at": time.Now(),
			"next_due_at":  nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, NewConflictError("enrollment %d is already terminal", enrollmentID)
	}

	em.Logger.Printf("Cancelled enrollment %d", enrollmentID)
	return em.Get(enrollmentID)
}

// Get returns one enrollment by id
func (em *EnrollmentManager) Get(enrollmentID uint) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := em.DB.First(&enrollment, enrollmentID).Error; err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// ListBySequence returns all enrollments of a sequence, newest first
func (em *EnrollmentManager) ListBySequence(sequenceID uint) ([]models.Enrollment, error) {
	var enrollments []models.Enrollment
	err := em.DB.Where("sequence_id = ?", sequenceID).
		Order("id DESC").
		Find(&enrollments).Error
	return enrollments, err
}

// findCurrent returns the non-cancelled enrollment holding the
// (sequence, target) slot, if any
func (em *EnrollmentManager) findCurrent(sequenceID, targetID uint) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := em.DB.Where("sequence_id = ? AND target_id = ? AND status <> ?",
		sequenceID, targetID, models.EnrollmentStatusCancelled).
		First(&enrollment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

func (em *EnrollmentManager) handleExisting(existing *models.Enrollment) (*models.Enrollment, error) {
	switch existing.Status {
	case models.EnrollmentStatusActive, models.EnrollmentStatusProcessing:
		// Idempotent: a duplicate submission gets the live enrollment back
		return existing, nil
	case models.EnrollmentStatusPaused:
		return nil, NewConflictError("target %d is already enrolled in sequence %d (paused)", existing.TargetID, existing.SequenceID)
	default:
		return nil, NewConflictError("target %d already completed sequence %d", existing.TargetID, existing.SequenceID)
	}
}
