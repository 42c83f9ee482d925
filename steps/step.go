package steps

import (
	"context"
	"time"

	"github.com/metalorch/metalorch/pkg/model"
)

// Outcome is a step's result: on success Err is nil; on failure Err is set
// and Classification says how the engine should react (spec.md §4.E).
type Outcome struct {
	Err            *model.WorkflowError
	Classification model.StepClassification
}

func ok() Outcome { return Outcome{} }

func retryable(err *model.WorkflowError) Outcome {
	return Outcome{Err: err, Classification: model.ClassRetryable}
}

func fatal(err *model.WorkflowError) Outcome {
	return Outcome{Err: err, Classification: model.ClassFatal}
}

func skipped(err *model.WorkflowError) Outcome {
	return Outcome{Err: err, Classification: model.ClassSkipped}
}

// Step is the uniform contract every Step Library entry satisfies
// (spec.md §4.E): step.run(ctx Context) -> {ok} | {err, classification}.
type Step interface {
	Name() string
	Description() string
	DefaultTimeout() time.Duration
	DefaultRetries() int
	Run(ctx context.Context, wfCtx *Context) Outcome
}

// baseStep carries the name/description/defaults every concrete step
// shares, so each step implementation only has to provide Run.
type baseStep struct {
	name        string
	description string
	timeout     time.Duration
	retries     int
}

func (b baseStep) Name() string                  { return b.name }
func (b baseStep) Description() string           { return b.description }
func (b baseStep) DefaultTimeout() time.Duration  { return b.timeout }
func (b baseStep) DefaultRetries() int            { return b.retries }

const defaultStepTimeout = 10 * time.Minute
