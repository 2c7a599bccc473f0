package executor

import "context"

// WaitExecutor consumes a step slot representing a pure delay. The
// delay itself already happened through the step's delay_hours; the
// execution is a no-op.
type WaitExecutor struct{}

func NewWaitExecutor() *WaitExecutor {
	return &WaitExecutor{}
}

func (we *WaitExecutor) Execute(ctx context.Context, ec ExecutionContext) Outcome {
	return Success("wait elapsed")
}
