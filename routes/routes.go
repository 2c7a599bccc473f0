package routes

import (
	"log"
	"os"

	controller "cadence/controllers"
	"cadence/engine"
	"cadence/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"
)

// SetupRoutes wires the catalog, enrollment and audit endpoints
func SetupRoutes(app *fiber.App, db *gorm.DB, catalog *engine.Catalog, manager *engine.EnrollmentManager, execLog *engine.ExecutionLogger, hub *worker.EventHub) {
	sequenceController := controller.NewSequenceController(db, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags), catalog)
	enrollmentController := controller.NewEnrollmentController(db, log.New(os.Stdout, "ENROLLMENT: ", log.LstdFlags), manager, execLog)

	// Health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Catalog routes
	sequence := api.Group("/sequences")
	sequence.Post("/", sequenceController.CreateSequence)
	sequence.Get("/", sequenceController.GetSequences)
	sequence.Get("/:id", sequenceController.GetSequence)
	sequence.Put("/:id", sequenceController.UpdateSequence)
	sequence.Delete("/:id", sequenceController.DeleteSequence)
	sequence.Post("/:id/steps", sequenceController.AddStep)
	sequence.Put("/:id/steps/reorder", sequenceController.ReorderSteps)
	sequence.Delete("/:id/steps/:stepID", sequenceController.RemoveStep)

	// Template routes
	template := api.Group("/templates")
	template.Post("/", sequenceController.CreateTemplate)
	template.Get("/", sequenceController.GetTemplates)

	// Enrollment routes
	sequence.Post("/:id/enroll", enrollmentController.Enroll)
	sequence.Get("/:id/enrollments", enrollmentController.GetSequenceEnrollments)
	sequence.Get("/:id/logs", enrollmentController.GetSequenceLogs)

	enrollment := api.Group("/enrollments")
	// Registered ahead of /:id so "progress" is never parsed as an id
	enrollment.Get("/progress", websocket.New(controller.HandleDispatchProgressWS(hub)))
	enrollment.Get("/:id", enrollmentController.GetEnrollment)
	enrollment.Post("/:id/pause", enrollmentController.Pause)
	enrollment.Post("/:id/resume", enrollmentController.Resume)
	enrollment.Post("/:id/cancel", enrollmentController.Cancel)
	enrollment.Get("/:id/logs", enrollmentController.GetEnrollmentLogs)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	log.Println("API routes initialized successfully")
}
