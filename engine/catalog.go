package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cadence/models"
	"cadence/utils"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Catalog owns sequence and step definitions. Definitions are
// read-mostly: dispatch workers read them through a short-TTL Redis
// cache, writes invalidate it.
type Catalog struct {
	DB       *gorm.DB
	Logger   *log.Logger
	Cache    *redis.Client // nil disables caching
	CacheTTL time.Duration
}

func NewCatalog(db *gorm.DB, logger *log.Logger, cache *redis.Client, cacheTTL time.Duration) *Catalog {
	return &Catalog{
		DB:       db,
		Logger:   logger,
		Cache:    cache,
		CacheTTL: cacheTTL,
	}
}

type CreateSequenceInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"omitempty,max=1000"`
	TargetType  string `json:"target_type" validate:"required,oneof=contact deal company"`
	OnFailure   string `json:"on_failure" validate:"omitempty,oneof=continue halt"`
}

type AddStepInput struct {
	StepOrder  int               `json:"step_order" validate:"required,min=1"`
	ActionType string            `json:"action_type" validate:"required,oneof=email task wait"`
	DelayHours int               `json:"delay_hours" validate:"min=0"`
	Config     models.StepConfig `json:"config"`
}

// CreateSequence creates an empty sequence for one target type
func (ct *Catalog) CreateSequence(input CreateSequenceInput) (*models.Sequence, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	if input.OnFailure == "" {
		input.OnFailure = models.FailurePolicyContinue
	}

	sequence := models.Sequence{
		Name:        input.Name,
		Description: input.Description,
		TargetType:  input.TargetType,
		IsActive:    true,
		OnFailure:   input.OnFailure,
	}
	if err := ct.DB.Create(&sequence).Error; err != nil {
		return nil, fmt.Errorf("failed to create sequence: %w", err)
	}
	return &sequence, nil
}

// AddStep appends or inserts a step while keeping step orders a
// contiguous 1-based run.
func (ct *Catalog) AddStep(sequenceID uint, input AddStepInput) (*models.SequenceStep, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	if err := ct.validateStepConfig(input.ActionType, input.Config); err != nil {
		return nil, err
	}

	var sequence models.Sequence
	if err := ct.DB.First(&sequence, sequenceID).Error; err != nil {
		return nil, err
	}

	var count int64
	if err := ct.DB.Model(&models.SequenceStep{}).
		Where("sequence_id = ?", sequenceID).
		Count(&count).Error; err != nil {
		return nil, err
	}

	// Orders 1..count are occupied, so anything inside the run collides
	// and anything past count+1 would leave a gap.
	if input.StepOrder <= int(count) {
		return nil, NewConflictError("step order %d already exists on sequence %d", input.StepOrder, sequenceID)
	}
	if input.StepOrder > int(count)+1 {
		return nil, NewValidationError("step order %d would leave a gap (sequence has %d steps)", input.StepOrder, count)
	}

	step := models.SequenceStep{
		SequenceID: sequenceID,
		StepOrder:  input.StepOrder,
		ActionType: input.ActionType,
		DelayHours: input.DelayHours,
		Config:     input.Config,
	}
	if err := ct.DB.Create(&step).Error; err != nil {
		return nil, fmt.Errorf("failed to create step: %w", err)
	}

	ct.invalidateCache(sequenceID)
	return &step, nil
}

// ReorderSteps applies a full permutation of a sequence's steps.
// Enrollments with any progress are frozen for operator review, since
// their step pointer no longer means what it did.
func (ct *Catalog) ReorderSteps(sequenceID uint, orderedStepIDs []uint) error {
	var steps []models.SequenceStep
	if err := ct.DB.Where("sequence_id = ?", sequenceID).
		Order("step_order ASC").
		Find(&steps).Error; err != nil {
		return err
	}
	if len(steps) == 0 {
		return gorm.ErrRecordNotFound
	}

	if len(orderedStepIDs) != len(steps) {
		return NewValidationError("reorder must list all %d steps, got %d", len(steps), len(orderedStepIDs))
	}
	byID := make(map[uint]bool, len(steps))
	for _, s := range steps {
		byID[s.ID] = true
	}
	seen := make(map[uint]bool, len(orderedStepIDs))
	for _, id := range orderedStepIDs {
		if !byID[id] || seen[id] {
			return NewValidationError("step %d is not part of sequence %d or listed twice", id, sequenceID)
		}
		seen[id] = true
	}

	err := ct.DB.Transaction(func(tx *gorm.DB) error {
		// Shift every order past the live range first so the unique
		// index never sees a collision mid-permutation.
		offset := len(steps)
		if err := tx.Model(&models.SequenceStep{}).
			Where("sequence_id = ?", sequenceID).
			Update("step_order", gorm.Expr("step_order + ?", offset)).Error; err != nil {
			return err
		}
		for i, id := range orderedStepIDs {
			if err := tx.Model(&models.SequenceStep{}).
				Where("id = ?", id).
				Update("step_order", i+1).Error; err != nil {
				return err
			}
		}
		return ct.freezeInFlight(tx, sequenceID, 1, "sequence steps were reordered")
	})
	if err != nil {
		return err
	}

	ct.invalidateCache(sequenceID)
	return nil
}

// RemoveStep deletes a step and renumbers the rest to close the gap.
// Enrollments already past the removed position are frozen for review.
func (ct *Catalog) RemoveStep(sequenceID, stepID uint) error {
	var step models.SequenceStep
	if err := ct.DB.Where("sequence_id = ?", sequenceID).First(&step, stepID).Error; err != nil {
		return err
	}

	err := ct.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&step).Error; err != nil {
			return err
		}

		// Renumber one row at a time, ascending, so each decrement
		// lands on a slot the previous row just vacated.
		var later []models.SequenceStep
		if err := tx.Where("sequence_id = ? AND step_order > ?", sequenceID, step.StepOrder).
			Order("step_order ASC").
			Find(&later).Error; err != nil {
			return err
		}
		for i := range later {
			if err := tx.Model(&later[i]).
				Update("step_order", later[i].StepOrder-1).Error; err != nil {
				return err
			}
		}

		return ct.freezeInFlight(tx, sequenceID, step.StepOrder,
			fmt.Sprintf("step %d at position %d was removed", stepID, step.StepOrder))
	})
	if err != nil {
		return err
	}

	ct.invalidateCache(sequenceID)
	return nil
}

// GetSequence loads a sequence with its steps in order, via the cache
// when one is configured.
func (ct *Catalog) GetSequence(ctx context.Context, sequenceID uint) (*models.Sequence, error) {
	if ct.Cache != nil {
		cached, err := ct.Cache.Get(ctx, ct.cacheKey(sequenceID)).Result()
		if err == nil {
			var sequence models.Sequence
			if err := json.Unmarshal([]byte(cached), &sequence); err == nil {
				return &sequence, nil
			}
		}
	}

	var sequence models.Sequence
	if err := ct.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order ASC")
	}).First(&sequence, sequenceID).Error; err != nil {
		return nil, err
	}

	if ct.Cache != nil {
		if payload, err := json.Marshal(sequence); err == nil {
			if err := ct.Cache.Set(ctx, ct.cacheKey(sequenceID), payload, ct.CacheTTL).Err(); err != nil {
				ct.Logger.Printf("Failed to cache sequence %d: %v", sequenceID, err)
			}
		}
	}
	return &sequence, nil
}

// ListSequences returns all sequences with their steps
func (ct *Catalog) ListSequences() ([]models.Sequence, error) {
	var sequences []models.Sequence
	err := ct.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order ASC")
	}).Order("id ASC").Find(&sequences).Error
	return sequences, err
}

// SetActive toggles whether new enrollments may be created
func (ct *Catalog) SetActive(sequenceID uint, active bool) error {
	res := ct.DB.Model(&models.Sequence{}).
		Where("id = ?", sequenceID).
		Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	ct.invalidateCache(sequenceID)
	return nil
}

// DeleteSequence soft-deletes a sequence and its steps. Refused while
// non-terminal enrollments still reference it.
func (ct *Catalog) DeleteSequence(sequenceID uint) error {
	var sequence models.Sequence
	if err := ct.DB.First(&sequence, sequenceID).Error; err != nil {
		return err
	}

	var inFlight int64
	if err := ct.DB.Model(&models.Enrollment{}).
		Where("sequence_id = ? AND status IN ?", sequenceID,
			[]string{models.EnrollmentStatusActive, models.EnrollmentStatusPaused, models.EnrollmentStatusProcessing}).
		Count(&inFlight).Error; err != nil {
		return err
	}
	if inFlight > 0 {
		return NewConflictError("sequence %d still has %d in-flight enrollments", sequenceID, inFlight)
	}

	err := ct.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sequence_id = ?", sequenceID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		return tx.Delete(&sequence).Error
	})
	if err != nil {
		return err
	}

	ct.invalidateCache(sequenceID)
	return nil
}

// validateStepConfig checks the config against the action type's schema
func (ct *Catalog) validateStepConfig(actionType string, config models.StepConfig) error {
	switch actionType {
	case models.ActionTypeEmail:
		if config.TemplateID == nil {
			return NewValidationError("email steps require a template reference")
		}
		var template models.Template
		if err := ct.DB.First(&template, *config.TemplateID).Error; err != nil {
			return NewValidationError("template %d not found", *config.TemplateID)
		}
	case models.ActionTypeTask:
		if config.Title == "" {
			return NewValidationError("task steps require a title")
		}
		if config.TemplateID != nil {
			return NewValidationError("task steps do not take a template reference")
		}
	case models.ActionTypeWait:
		if config.TemplateID != nil || config.Title != "" || config.Description != "" || config.Assignee != "" {
			return NewValidationError("wait steps take no config")
		}
	default:
		return NewValidationError("unsupported action type %q", actionType)
	}
	return nil
}

// freezeInFlight pauses and flags enrollments whose step pointer was
// invalidated by a catalog edit. Rows currently mid-execution are left
// alone; their claim release keeps the pointer consistent for the step
// they are on.
func (ct *Catalog) freezeInFlight(tx *gorm.DB, sequenceID uint, fromStep int, note string) error {
	return tx.Model(&models.Enrollment{}).
		Where("sequence_id = ? AND status IN ? AND current_step >= ?",
			sequenceID,
			[]string{models.EnrollmentStatusActive, models.EnrollmentStatusPaused},
			fromStep).
		Updates(map[string]interface{}{
			"status":         models.EnrollmentStatusPaused,
			"needs_review":   true,
			"review_note":    note,
			"next_due_at":    nil,
			"remaining_secs": int64(0),
		}).Error
}

func (ct *Catalog) cacheKey(sequenceID uint) string {
	return fmt.Sprintf("catalog:sequence:%d", sequenceID)
}

func (ct *Catalog) invalidateCache(sequenceID uint) {
	if ct.Cache == nil {
		return
	}
	if err := ct.Cache.Del(context.Background(), ct.cacheKey(sequenceID)).Err(); err != nil {
		ct.Logger.Printf("Failed to invalidate sequence cache %d: %v", sequenceID, err)
	}
}
