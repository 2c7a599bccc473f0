package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"cadence/models"
	"cadence/utils"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDBCounter int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:engine%d?mode=memory&cache=shared", atomic.AddInt64(&testDBCounter, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.Migrate(db))
	return db
}

func newTestCatalog(t *testing.T, db *gorm.DB) *Catalog {
	t.Helper()
	return NewCatalog(db, log.New(os.Stdout, "CATALOG-TEST: ", log.LstdFlags), nil, time.Minute)
}

func createTestTemplate(t *testing.T, db *gorm.DB) *models.Template {
	t.Helper()
	template := models.Template{
		Name:        "welcome",
		Subject:     "Hello {{.Name}}",
		HTMLContent: "<p>Hi {{.Name}}</p>",
		TextContent: "Hi {{.Name}}",
	}
	require.NoError(t, db.Create(&template).Error)
	return &template
}

func TestCreateSequenceValidation(t *testing.T) {
	db := newTestDB(t)
	catalog := newTestCatalog(t, db)

	tests := []struct {
		name  string
		input CreateSequenceInput
	}{
		{"empty name", CreateSequenceInput{TargetType: models.TargetTypeContact}},
		{"unsupported target type", CreateSequenceInput{Name: "Welcome", TargetType: "invoice"}},
		{"missing target type", CreateSequenceInput{Name: "Welcome"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.CreateSequence(tt.input)
			assert.True(t, IsValidation(err), "expected ValidationError, got %v", err)
		})
	}

	sequence, err := catalog.CreateSequence(CreateSequenceInput{
		Name:       "Welcome",
		TargetType: models.TargetTypeContact,
	})
	require.NoError(t, err)
	assert.True(t, sequence.IsActive)
	assert.Equal(t, models.FailurePolicyContinue, sequence.OnFailure)
}

func TestAddStepOrdering(t *testing.T) {
	db := newTestDB(t)
	catalog := newTestCatalog(t, db)
	template := createTestTemplate(t, db)

	sequence, err := catalog.CreateSequence(CreateSequenceInput{
		Name:       "Welcome",
		TargetType: models.TargetTypeContact,
	})
	require.NoError(t, err)

	step1, err := catalog.AddStep(sequence.ID, AddStepInput{
		StepOrder:  1,
		ActionType: models.ActionTypeEmail,
		DelayHours: 0,
		Config:     models.StepConfig{TemplateID: utils.Pointer(template.ID)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, step1.StepOrder)

	// Colliding order
	_, err = catalog.AddStep(sequence.ID, AddStepInput{
		StepOrder:  1,
		ActionType: models.ActionTypeWait,
	})
	assert.True(t, IsConflict(err), "expected ConflictError, got %v", err)

	// Gap in the run
	_, err = catalog.AddStep(sequence.ID, AddStepInput{
		StepOrder:  3,
		ActionType: models.ActionTypeWait,
	})
	assert.True(t, IsValidation(err), "expected ValidationError, got %v", err)

	// Negative delay
	_, err = catalog.AddStep(sequence.ID, AddStepInput{
		StepOrder:  2,
		ActionType: models.ActionTypeWait,
		DelayHours: -1,
	})
	assert.True(t, IsValidation(err), "expected ValidationError, got %v", err)
}

func TestAddStepConfigSchema(t *testing.T) {
	db := newTestDB(t)
	catalog := newTestCatalog(t, db)
	template := createTestTemplate(t, db)

	sequence, err := catalog.CreateSequence(CreateSequenceInput{
		Name:       "Welcome",
		TargetType: models.TargetTypeContact,
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		input AddStepInput
	}{
		{"email without template", AddStepInput{StepOrder: 1, ActionType: models.ActionTypeEmail}},
		{"email with dangling template", AddStepInput{
			StepOrder:  1,
			ActionType: models.ActionTypeEmail,
			Config:     models.StepConfig{TemplateID: utils.Pointer(uint(9999))},
		}},
		{"task without title", AddStepInput{StepOrder: 1, ActionType: models.ActionTypeTask}},
		{"task with template", AddStepInput{
			StepOrder:  1,
			ActionType: models.ActionTypeTask,
			Config:     models.StepConfig{Title: "Call them", TemplateID: utils.Pointer(template.ID)},
		}},
		{"wait with config", AddStepInput{
			StepOrder:  1,
			ActionType: models.ActionTypeWait,
			Config:     models.StepConfig{Title: "nope"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.AddStep(sequence.ID, tt.input)
			assert.True(t, IsValidation(err), "expected ValidationError, got %v", err)
		})
	}
}

func TestRemoveStepRenumbersAndFreezes(t *testing.T) {
	db := newTestDB(t)
	catalog := newTestCatalog(t, db)
	template := createTestTemplate(t, db)

	sequence, err := catalog.CreateSequence(CreateSequenceInput{
		Name:       "Welcome",
		TargetType: models.TargetTypeContact,
	})
	require.NoError(t, err)

	var steps []*models.SequenceStep
	for i := 1; i <= 3; i++ {
		actionType := models.ActionTypeWait
		config := models.StepConfig{}
		if i == 1 {
			actionType = models.ActionTypeEmail
			config = models.StepConfig{TemplateID: utils.Pointer(template.ID)}
		}
		step, err := catalog.AddStep(sequence.ID, AddStepInput{
			StepOrder:  i,
			ActionType: actionType,
			DelayHours: 24,
			Config:     config,
		})
		require.NoError(t, err)
		steps = append(steps, step)
	}

	// One enrollment past the removed step, one before it
	past := models.Enrollment{
		SequenceID:  sequence.ID,
		TargetType:  models.TargetTypeContact,
		TargetID:    1,
		Status:      models.EnrollmentStatusActive,
		CurrentStep: 2,
		StartedAt:   time.Now(),
	}
	require.NoError(t, db.Create(&past).Error)
	before := models.Enrollment{
		SequenceID:  sequence.ID,
		TargetType:  models.TargetTypeContact,
		TargetID:    2,
		Status:      models.EnrollmentStatusActive,
		CurrentStep: 1,
		StartedAt:   time.Now(),
	}
	require.NoError(t, db.Create(&before).Error)

	require.NoError(t, catalog.RemoveStep(sequence.ID, steps[1].ID))

	reloaded, err := catalog.GetSequence(context.Background(), sequence.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Steps, 2)
	assert.Equal(t, 1, reloaded.Steps[0].StepOrder)
	assert.Equal(t, 2, reloaded.Steps[1].StepOrder)
	assert.Equal(t, steps[2].ID, reloaded.Steps[1].ID)

	var frozen models.Enrollment
	require.NoError(t, db.First(&frozen, past.ID).Error)
	assert.Equal(t, models.EnrollmentStatusPaused, frozen.Status)
	assert.True(t, frozen.NeedsReview)

	var untouched models.Enrollment
	require.NoError(t, db.First(&untouched, before.ID).Error)
	assert.Equal(t, models.EnrollmentStatusActive, untouched.Status)
	assert.False(t, untouched.NeedsReview)
}

func TestReorderSteps(t *testing.T) {
	db := newTestDB(t)
	catalog := newTestCatalog(t, db)

	sequence, err := catalog.CreateSequence(CreateSequenceInput{
		Name:       "Nurture",
		TargetType: models.TargetTypeDeal,
	})
	require.NoError(t, err)

	var ids []uint
	for i := 1; i <= 3; i++ {
		step, err := catalog.AddStep(sequence.ID, AddStepInput{
			StepOrder:  i,
			ActionType: models.ActionTypeWait,
		})
		require.NoError(t, err)
		ids = append(ids, step.ID)
	}

	// Not a permutation
	err = catalog.ReorderSteps(sequence.ID, []uint{ids[0], ids[1]})
	assert.True(t, IsValidation(err))
	err = catalog.ReorderSteps(sequence.ID, []uint{ids[0], ids[1], ids[1]})
	assert.True(t, IsValidation(err))

	require.NoError(t, catalog.ReorderSteps(sequence.ID, []uint{ids[2], ids[0], ids[1]}))

	reloaded, err := catalog.GetSequence(context.Background(), sequence.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Steps, 3)
	assert.Equal(t, ids[2], reloaded.Steps[0].ID)
	assert.Equal(t, ids[0], reloaded.Steps[1].ID)
	assert.Equal(t, ids[1], reloaded.Steps[2].ID)
}

func TestDeleteSequenceBlockedByInFlight(t *testing.T) {
	db := newTestDB(t)
	catalog := newTestCatalog(t, db)

	sequence, err := catalog.CreateSequence(CreateSequenceInput{
		Name:       "Winback",
		TargetType: models.TargetTypeCompany,
	})
	require.NoError(t, err)
	_, err = catalog.AddStep(sequence.ID, AddStepInput{StepOrder: 1, ActionType: models.ActionTypeWait})
	require.NoError(t, err)

	enrollment := models.Enrollment{
		SequenceID: sequence.ID,
		TargetType: models.TargetTypeCompany,
		TargetID:   7,
		Status:     models.EnrollmentStatusActive,
		StartedAt:  time.Now(),
	}
	require.NoError(t, db.Create(&enrollment).Error)

	err = catalog.DeleteSequence(sequence.ID)
	assert.True(t, IsConflict(err), "expected ConflictError, got %v", err)

	require.NoError(t, db.Model(&enrollment).Updates(map[string]interface{}{
		"status":       models.EnrollmentStatusCancelled,
		"cancelled_at": time.Now(),
	}).Error)
	require.NoError(t, catalog.DeleteSequence(sequence.ID))

	_, err = catalog.GetSequence(context.Background(), sequence.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
