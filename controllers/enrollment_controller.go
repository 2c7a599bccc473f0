package controller

import (
	"log"

	"cadence/engine"
	"cadence/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type EnrollmentController struct {
	DB      *gorm.DB
	Logger  *log.Logger
	Manager *engine.EnrollmentManager
	ExecLog *engine.ExecutionLogger
}

func NewEnrollmentController(db *gorm.DB, logger *log.Logger, manager *engine.EnrollmentManager, execLog *engine.ExecutionLogger) *EnrollmentController {
	return &EnrollmentController{
		DB:      db,
		Logger:  logger,
		Manager: manager,
		ExecLog: execLog,
	}
}

// Enroll attaches a target to a sequence
func (ec *EnrollmentController) Enroll(c *fiber.Ctx) error {
	var input struct {
		TargetType string `json:"target_type" validate:"required,oneof=contact deal company"`
		TargetID   uint   `json:"target_id" validate:"required,min=1"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	enrollment, err := ec.Manager.Enroll(c.UserContext(), utils.ParseUint(c.Params("id")), input.TargetType, input.TargetID)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

// GetEnrollment returns one enrollment
func (ec *EnrollmentController) GetEnrollment(c *fiber.Ctx) error {
	enrollment, err := ec.Manager.Get(utils.ParseUint(c.Params("id")))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

// GetSequenceEnrollments lists a sequence's enrollments
func (ec *EnrollmentController) GetSequenceEnrollments(c *fiber.Ctx) error {
	enrollments, err := ec.Manager.ListBySequence(utils.ParseUint(c.Params("id")))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(enrollments))
}

// Pause suspends an active enrollment, capturing its remaining delay
func (ec *EnrollmentController) Pause(c *fiber.Ctx) error {
	enrollment, err := ec.Manager.Pause(utils.ParseUint(c.Params("id")))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

// Resume reschedules a paused enrollment
func (ec *EnrollmentController) Resume(c *fiber.Ctx) error {
	enrollment, err := ec.Manager.Resume(utils.ParseUint(c.Params("id")))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

// Cancel terminally stops an enrollment
func (ec *EnrollmentController) Cancel(c *fiber.Ctx) error {
	enrollment, err := ec.Manager.Cancel(utils.ParseUint(c.Params("id")))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

// GetEnrollmentLogs returns the full attempt history of one enrollment
func (ec *EnrollmentController) GetEnrollmentLogs(c *fiber.Ctx) error {
	enrollmentID := utils.ParseUint(c.Params("id"))
	if _, err := ec.Manager.Get(enrollmentID); err != nil {
		return respondError(c, err)
	}

	entries, err := ec.ExecLog.QueryByEnrollment(enrollmentID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(entries))
}

// GetSequenceLogs returns attempts across a sequence, optionally bounded
// by ?from and ?to (RFC3339)
func (ec *EnrollmentController) GetSequenceLogs(c *fiber.Ctx) error {
	from, err := utils.ParseTime(c.Query("from"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid 'from' timestamp", err)
	}
	to, err := utils.ParseTime(c.Query("to"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid 'to' timestamp", err)
	}

	entries, err := ec.ExecLog.QueryBySequence(utils.ParseUint(c.Params("id")), from, to)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(entries))
}
