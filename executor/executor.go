package executor

import (
	"context"
	"fmt"

	"cadence/models"
)

// Outcome statuses
const (
	StatusSuccess          = "success"
	StatusPermanentFailure = "permanent_failure"
	StatusTransientFailure = "transient_failure"
)

// Outcome is the result of one step execution attempt
type Outcome struct {
	Status string
	Detail string
}

func Success(detail string) Outcome {
	return Outcome{Status: StatusSuccess, Detail: detail}
}

func Permanent(err error) Outcome {
	return Outcome{Status: StatusPermanentFailure, Detail: err.Error()}
}

func Transient(err error) Outcome {
	return Outcome{Status: StatusTransientFailure, Detail: err.Error()}
}

// ExecutionContext carries everything an executor needs to perform one
// step for one enrollment
type ExecutionContext struct {
	EnrollmentID uint
	SequenceID   uint
	StepID       uint
	TargetType   string
	TargetID     uint
	Config       models.StepConfig
}

// Executor performs the side effect for one action type
type Executor interface {
	Execute(ctx context.Context, ec ExecutionContext) Outcome
}

// Registry maps action types to executors so the dispatcher never
// branches on type strings
type Registry struct {
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(actionType string, e Executor) {
	r.executors[actionType] = e
}

// Execute dispatches to the registered executor. An unknown action type
// is a permanent failure; retrying will not teach the registry new types.
func (r *Registry) Execute(ctx context.Context, actionType string, ec ExecutionContext) Outcome {
	e, ok := r.executors[actionType]
	if !ok {
		return Permanent(fmt.Errorf("no executor registered for action type %q", actionType))
	}
	return e.Execute(ctx, ec)
}
