package engine

import (
	"log"
	"time"

	"cadence/models"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ExecutionLogger owns the append-only audit trail. Every step attempt
// gets a row; retries append new rows rather than touch old ones.
type ExecutionLogger struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewExecutionLogger(db *gorm.DB, logger *log.Logger) *ExecutionLogger {
	return &ExecutionLogger{
		DB:     db,
		Logger: logger,
	}
}

// Append writes one attempt record. A failure here after a successful
// side effect is an audit-trail gap, so it is reported to Sentry and
// returned as LogWriteFailure for the dispatcher to abort on.
func (el *ExecutionLogger) Append(entry *models.ExecutionLog) error {
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = time.Now()
	}

	if err := el.DB.Create(entry).Error; err != nil {
		el.reportWriteFailure(err, entry)
		return &LogWriteFailure{Err: err}
	}
	return nil
}

// QueryByEnrollment returns the full attempt history of one enrollment
func (el *ExecutionLogger) QueryByEnrollment(enrollmentID uint) ([]models.ExecutionLog, error) {
	var entries []models.ExecutionLog
	err := el.DB.Where("enrollment_id = ?", enrollmentID).
		Order("performed_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// QueryBySequence returns attempts across a sequence, optionally bounded
// by a time range. Zero bounds are open-ended.
func (el *ExecutionLogger) QueryBySequence(sequenceID uint, from, to time.Time) ([]models.ExecutionLog, error) {
	query := el.DB.Where("sequence_id = ?", sequenceID)
	if !from.IsZero() {
		query = query.Where("performed_at >= ?", from)
	}
	if !to.IsZero() {
		query = query.Where("performed_at <= ?", to)
	}

	var entries []models.ExecutionLog
	err := query.Order("performed_at ASC, id ASC").Find(&entries).Error
	return entries, err
}

// reportWriteFailure logs the audit gap with structured context to both
// console and Sentry so an operator sees it
func (el *ExecutionLogger) reportWriteFailure(err error, entry *models.ExecutionLog) {
	el.Logger.Printf("FATAL: failed to append execution log for enrollment %d step %d: %v",
		entry.EnrollmentID, entry.StepID, err)

	logrus.WithFields(logrus.Fields{
		"error_type":    "log_write_failure",
		"enrollment_id": entry.EnrollmentID,
		"step_id":       entry.StepID,
		"sequence_id":   entry.SequenceID,
		"action":        entry.ActionPerformed,
	}).Error("Execution log write failed")

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_type", "log_write_failure")
		scope.SetExtra("enrollment_id", entry.EnrollmentID)
		scope.SetExtra("step_id", entry.StepID)
		scope.SetExtra("sequence_id", entry.SequenceID)
		sentry.CaptureException(err)
	})
}
