package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cadence/engine"
	"cadence/executor"
	"cadence/models"

	"gorm.io/gorm"
)

// Dispatcher advances due enrollments through their sequence steps.
// Several dispatchers may poll the same store concurrently; the only
// synchronization between them is the per-row optimistic claim, so a
// crashed worker just leaves a claim for the stale sweep to release.
type Dispatcher struct {
	DB       *gorm.DB
	Catalog  *engine.Catalog
	Registry *executor.Registry
	ExecLog  *engine.ExecutionLogger
	Resolver engine.TargetResolver // nil skips the liveness check
	Events   *EventHub             // nil disables event streaming
	Logger   *log.Logger

	TickInterval     time.Duration
	ClaimTimeout     time.Duration
	TransientBackoff time.Duration
	ExecutorTimeout  time.Duration
	BatchSize        int
}

func NewDispatcher(db *gorm.DB, catalog *engine.Catalog, registry *executor.Registry, execLog *engine.ExecutionLogger, resolver engine.TargetResolver, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		DB:       db,
		Catalog:  catalog,
		Registry: registry,
		ExecLog:  execLog,
		Resolver: resolver,
		Logger:   logger,

		TickInterval:     30 * time.Second,
		ClaimTimeout:     10 * time.Minute,
		TransientBackoff: 5 * time.Minute,
		ExecutorTimeout:  30 * time.Second,
		BatchSize:        50,
	}
}

// Start runs the dispatch loop until the context is cancelled
func (d *Dispatcher) Start(ctx context.Context) {
	d.Logger.Println("Dispatcher started")

	ticker := time.NewTicker(d.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Logger.Println("Dispatcher shutting down...")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick performs one dispatch pass: return stale claims to the pool,
// then claim and execute everything due
func (d *Dispatcher) Tick(ctx context.Context) {
	if err := d.releaseStaleClaims(); err != nil {
		d.Logger.Printf("Error releasing stale claims: %v", err)
	}

	var due []models.Enrollment
	if err := d.DB.Where("status = ? AND next_due_at <= ?", models.EnrollmentStatusActive, time.Now()).
		Order("next_due_at ASC").
		Limit(d.BatchSize).
		Find(&due).Error; err != nil {
		d.Logger.Printf("Error fetching due enrollments: %v", err)
		return
	}

	for _, enrollment := range due {
		if err := d.dispatchOne(ctx, enrollment); err != nil {
			if errors.Is(err, engine.ErrClaimConflict) {
				// Another worker won the row; nothing to do
				continue
			}
			d.Logger.Printf("Error dispatching enrollment %d: %v", enrollment.ID, err)
		}
	}
}

// dispatchOne claims one due enrollment and runs its next step
func (d *Dispatcher) dispatchOne(ctx context.Context, e models.Enrollment) error {
	if err := d.claim(e); err != nil {
		return err
	}

	sequence, err := d.Catalog.GetSequence(ctx, e.SequenceID)
	if err != nil {
		// Definition unavailable; back the row off and let a later tick retry
		return d.releaseForRetry(e, fmt.Errorf("failed to load sequence %d: %w", e.SequenceID, err))
	}

	if e.CurrentStep >= len(sequence.Steps) {
		return d.complete(e)
	}

	step := sequence.Steps[e.CurrentStep]
	if step.StepOrder != e.CurrentStep+1 {
		// The catalog was edited between the due scan and now; freeze
		// rather than guess which step the pointer means
		return d.freeze(e, step, "step ordering changed while the enrollment was in flight")
	}

	if d.Resolver != nil {
		exists, err := d.Resolver.TargetExists(ctx, e.TargetType, e.TargetID)
		if err != nil {
			return d.releaseForRetry(e, fmt.Errorf("target check failed: %w", err))
		}
		if !exists {
			return d.cancelGoneTarget(e, step)
		}
	}

	outcome := d.execute(ctx, step, e)

	switch outcome.Status {
	case executor.StatusSuccess:
		if err := d.appendLog(e, step, models.LogStatusSuccess, outcome.Detail); err != nil {
			return err
		}
		d.publish(e, step, "success", outcome.Detail)
		return d.advance(e, sequence)

	case executor.StatusTransientFailure:
		if err := d.appendLog(e, step, models.LogStatusFailed, outcome.Detail); err != nil {
			return err
		}
		d.publish(e, step, "retrying", outcome.Detail)
		return d.retryLater(e)

	default: // permanent failure
		if err := d.appendLog(e, step, models.LogStatusFailed, outcome.Detail); err != nil {
			return err
		}
		d.publish(e, step, "failed", outcome.Detail)
		if sequence.OnFailure == models.FailurePolicyHalt {
			return d.freeze(e, step, fmt.Sprintf("step %d failed permanently: %s", step.StepOrder, outcome.Detail))
		}
		return d.advance(e, sequence)
	}
}

// claim is the sole concurrency guard: a conditional update that only
// succeeds if the row still looks exactly like the due scan saw it.
func (d *Dispatcher) claim(e models.Enrollment) error {
	res := d.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status = ? AND current_step = ? AND next_due_at = ?",
			e.ID, models.EnrollmentStatusActive, e.CurrentStep, e.NextDueAt).
		Updates(map[string]interface{}{
			"status":     models.EnrollmentStatusProcessing,
			"claimed_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return engine.ErrClaimConflict
	}
	return nil
}

// execute runs the step's executor bounded by the executor timeout.
// A timeout counts as transient; the claim model makes the retry safe.
func (d *Dispatcher) execute(ctx context.Context, step models.SequenceStep, e models.Enrollment) executor.Outcome {
	execCtx, cancel := context.WithTimeout(ctx, d.ExecutorTimeout)
	defer cancel()

	ec := executor.ExecutionContext{
		EnrollmentID: e.ID,
		SequenceID:   e.SequenceID,
		StepID:       step.ID,
		TargetType:   e.TargetType,
		TargetID:     e.TargetID,
		Config:       step.Config,
	}

	done := make(chan executor.Outcome, 1)
	go func() {
		done <- d.Registry.Execute(execCtx, step.ActionType, ec)
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-execCtx.Done():
		return executor.Transient(fmt.Errorf("step %d timed out after %s", step.StepOrder, d.ExecutorTimeout))
	}
}

// advance moves the step pointer forward and schedules the next step,
// or completes the enrollment when the sequence is exhausted
func (d *Dispatcher) advance(e models.Enrollment, sequence *models.Sequence) error {
	nextStep := e.CurrentStep + 1

	updates := map[string]interface{}{
		"current_step": nextStep,
		"claimed_at":   nil,
	}
	if nextStep >= len(sequence.Steps) {
		updates["status"] = models.EnrollmentStatusCompleted
		updates["completed_at"] = time.Now()
		updates["next_due_at"] = nil
	} else {
		updates["status"] = models.EnrollmentStatusActive
		updates["next_due_at"] = time.Now().Add(time.Duration(sequence.Steps[nextStep].DelayHours) * time.Hour)
	}

	res := d.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status = ? AND current_step = ?",
			e.ID, models.EnrollmentStatusProcessing, e.CurrentStep).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Cancelled mid-execution, or the claim went stale and another
		// worker already moved the row; the finished step stays logged
		// and nothing further runs
		d.Logger.Printf("Enrollment %d left processing state during execution", e.ID)
		return nil
	}

	if status, ok := updates["status"]; ok && status == models.EnrollmentStatusCompleted {
		d.Logger.Printf("Enrollment %d completed sequence %d", e.ID, e.SequenceID)
		d.publishBare(e, "completed", "")
	}
	return nil
}

// complete marks an enrollment whose step pointer already walked past
// the last step
func (d *Dispatcher) complete(e models.Enrollment) error {
	res := d.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status = ? AND current_step = ?",
			e.ID, models.EnrollmentStatusProcessing, e.CurrentStep).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentStatusCompleted,
			"completed_at": time.Now(),
			"next_due_at":  nil,
			"claimed_at":   nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	d.Logger.Printf("Enrollment %d completed sequence %d", e.ID, e.SequenceID)
	d.publishBare(e, "completed", "")
	return nil
}

// retryLater releases the claim with the same step pointer and a short
// fixed backoff
func (d *Dispatcher) retryLater(e models.Enrollment) error {
	return d.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status = ? AND current_step = ?",
			e.ID, models.EnrollmentStatusProcessing, e.CurrentStep).
		Updates(map[string]interface{}{
			"status":      models.EnrollmentStatusActive,
			"next_due_at": time.Now().Add(d.TransientBackoff),
			"claimed_at":  nil,
		}).Error
}

// releaseForRetry handles pre-execution errors: no side effect happened,
// so no log entry is owed, just a backoff
func (d *Dispatcher) releaseForRetry(e models.Enrollment, cause error) error {
	if err := d.retryLater(e); err != nil {
		return err
	}
	return cause
}

// freeze parks the enrollment for operator review
func (d *Dispatcher) freeze(e models.Enrollment, step models.SequenceStep, note string) error {
	res := d.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status = ? AND current_step = ?",
			e.ID, models.EnrollmentStatusProcessing, e.CurrentStep).
		Updates(map[string]interface{}{
			"status":         models.EnrollmentStatusPaused,
			"needs_review":   true,
			"review_note":    note,
			"next_due_at":    nil,
			"remaining_secs": int64(0),
			"claimed_at":     nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	d.Logger.Printf("Froze enrollment %d for review: %s", e.ID, note)
	d.publish(e, step, "frozen", note)
	return nil
}

// cancelGoneTarget logs the dead target and cancels the enrollment
func (d *Dispatcher) cancelGoneTarget(e models.Enrollment, step models.SequenceStep) error {
	detail := fmt.Sprintf("%s %d no longer exists", e.TargetType, e.TargetID)
	if err := d.appendLog(e, step, models.LogStatusFailed, detail); err != nil {
		return err
	}

	res := d.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status = ? AND current_step = ?",
			e.ID, models.EnrollmentStatusProcessing, e.CurrentStep).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentStatusCancelled,
			"cancelled_at": time.Now(),
			"next_due_at":  nil,
			"claimed_at":   nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	d.Logger.Printf("Cancelled enrollment %d: %s", e.ID, detail)
	d.publish(e, step, "cancelled", detail)
	return nil
}

// releaseStaleClaims returns rows whose worker died mid-execution to
// the due pool. Their next_due_at is untouched, so they are immediately
// due again; this is what makes execution at-least-once.
func (d *Dispatcher) releaseStaleClaims() error {
	cutoff := time.Now().Add(-d.ClaimTimeout)
	res := d.DB.Model(&models.Enrollment{}).
		Where("status = ? AND claimed_at < ?", models.EnrollmentStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":     models.EnrollmentStatusActive,
			"claimed_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		d.Logger.Printf("Released %d stale claims", res.RowsAffected)
	}
	return nil
}

// appendLog records one attempt; a write failure aborts the cycle for
// this enrollment and leaves the claim for the stale sweep
func (d *Dispatcher) appendLog(e models.Enrollment, step models.SequenceStep, status, notes string) error {
	return d.ExecLog.Append(&models.ExecutionLog{
		EnrollmentID:    e.ID,
		StepID:          step.ID,
		SequenceID:      e.SequenceID,
		ActionPerformed: step.ActionType,
		PerformedAt:     time.Now(),
		Status:          status,
		Notes:           notes,
	})
}

func (d *Dispatcher) publish(e models.Enrollment, step models.SequenceStep, status, detail string) {
	if d.Events == nil {
		return
	}
	d.Events.Publish(Event{
		EnrollmentID: e.ID,
		SequenceID:   e.SequenceID,
		StepOrder:    step.StepOrder,
		Action:       step.ActionType,
		Status:       status,
		Detail:       detail,
	})
}

func (d *Dispatcher) publishBare(e models.Enrollment, status, detail string) {
	if d.Events == nil {
		return
	}
	d.Events.Publish(Event{
		EnrollmentID: e.ID,
		SequenceID:   e.SequenceID,
		StepOrder:    e.CurrentStep + 1,
		Status:       status,
		Detail:       detail,
	})
}

// ApplyConfig copies dispatcher tuning from loaded configuration
func (d *Dispatcher) ApplyConfig(tick, claimTimeout, backoff, execTimeout time.Duration) {
	d.TickInterval = tick
	d.ClaimTimeout = claimTimeout
	d.TransientBackoff = backoff
	d.ExecutorTimeout = execTimeout
}
