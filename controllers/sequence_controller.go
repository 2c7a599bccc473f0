package controller

import (
	"log"

	"cadence/engine"
	"cadence/models"
	"cadence/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type SequenceController struct {
	DB      *gorm.DB
	Logger  *log.Logger
	Catalog *engine.Catalog
}

func NewSequenceController(db *gorm.DB, logger *log.Logger, catalog *engine.Catalog) *SequenceController {
	return &SequenceController{
		DB:      db,
		Logger:  logger,
		Catalog: catalog,
	}
}

// CreateSequence creates a new sequence definition
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input engine.CreateSequenceInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	sequence, err := sc.Catalog.CreateSequence(input)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(sequence))
}

// GetSequences lists all sequences with their steps
func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	sequences, err := sc.Catalog.ListSequences()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(sequences))
}

// GetSequence returns one sequence with its steps in order
func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	sequence, err := sc.Catalog.GetSequence(c.UserContext(), utils.ParseUint(c.Params("id")))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(sequence))
}

// AddStep appends or inserts a step into a sequence
func (sc *SequenceController) AddStep(c *fiber.Ctx) error {
	var input engine.AddStepInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	step, err := sc.Catalog.AddStep(utils.ParseUint(c.Params("id")), input)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(step))
}

// ReorderSteps applies a full permutation of a sequence's steps
func (sc *SequenceController) ReorderSteps(c *fiber.Ctx) error {
	var input struct {
		StepIDs []uint `json:"step_ids" validate:"required,min=1"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if err := sc.Catalog.ReorderSteps(utils.ParseUint(c.Params("id")), input.StepIDs); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Steps reordered successfully"})
}

// RemoveStep deletes one step and renumbers the rest
func (sc *SequenceController) RemoveStep(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))
	stepID := utils.ParseUint(c.Params("stepID"))

	if err := sc.Catalog.RemoveStep(sequenceID, stepID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Step removed successfully"})
}

// UpdateSequence toggles the active flag
func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	var input struct {
		IsActive *bool `json:"is_active" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if input.IsActive == nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "is_active is required", nil)
	}

	if err := sc.Catalog.SetActive(utils.ParseUint(c.Params("id")), *input.IsActive); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Sequence updated successfully"})
}

// DeleteSequence soft-deletes a sequence without in-flight enrollments
func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	if err := sc.Catalog.DeleteSequence(utils.ParseUint(c.Params("id"))); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Sequence deleted successfully"})
}

// CreateTemplate stores an email template for email steps to reference
func (sc *SequenceController) CreateTemplate(c *fiber.Ctx) error {
	var input struct {
		Name        string `json:"name" validate:"required,max=200"`
		Subject     string `json:"subject" validate:"required,max=500"`
		HTMLContent string `json:"html_content"`
		TextContent string `json:"text_content" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	template := models.Template{
		Name:        input.Name,
		Subject:     input.Subject,
		HTMLContent: input.HTMLContent,
		TextContent: input.TextContent,
	}
	if err := sc.DB.Create(&template).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create template", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(template))
}

// GetTemplates lists stored email templates
func (sc *SequenceController) GetTemplates(c *fiber.Ctx) error {
	var templates []models.Template
	if err := sc.DB.Order("id ASC").Find(&templates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list templates", err)
	}
	return c.JSON(utils.SuccessResponse(templates))
}
