package models

import (
	"fmt"

	"gorm.io/gorm"
)

// Migrate creates the engine's tables plus the two invariants that must
// survive any storage choice: one non-cancelled enrollment per
// (sequence, target), and unique step order within a sequence.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Sequence{},
		&SequenceStep{},
		&Enrollment{},
		&ExecutionLog{},
		&Template{},
	); err != nil {
		return err
	}

	// Partial unique indexes; syntax is shared by postgres and sqlite,
	// which covers production and the test suite.
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_enrollment_slot
			ON enrollments (sequence_id, target_id)
			WHERE status <> 'cancelled' AND deleted_at IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_step_order
			ON sequence_steps (sequence_id, step_order)
			WHERE deleted_at IS NULL`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
