// Package engine implements the Workflow Engine (spec.md §4.F, component
// F): it drives one workflow's steps in order against a shared
// steps.Context, publishing progress and recording durable history as it
// goes. One Engine instance is shared by every concurrently running
// workflow; Execute holds no workflow-specific state itself, mirroring how
// the teacher's controller reconcilers are stateless and carry everything
// through the object they're handed (tink/controller/internal/workflow/reconciler.go).
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/metalorch/metalorch/history"
	"github.com/metalorch/metalorch/pkg/model"
	"github.com/metalorch/metalorch/progress"
	"github.com/metalorch/metalorch/steps"
)

// defaultStepGrace is how long a step gets to return after its context is
// cancelled before the engine abandons it outright (spec.md §5).
const defaultStepGrace = 30 * time.Second

// Engine runs a template's steps against a Context, emitting events on Bus
// and persisting progress/finalization through History.
type Engine struct {
	Bus     *progress.Bus
	History *history.Store
	Log     logr.Logger

	// Backoff shape for retryable step errors (spec.md §4.F: "min(base *
	// 2^attempt, cap) + jitter(±20%)"), delegated to cenkalti/backoff's
	// ExponentialBackOff rather than hand-rolled jitter math.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// StepGrace bounds how long an abandoned step's goroutine is awaited
	// before the engine gives up on it (spec.md §5).
	StepGrace time.Duration
}

// New returns an Engine with spec.md's default backoff shape and grace window.
func New(bus *progress.Bus, hist *history.Store, log logr.Logger) *Engine {
	return &Engine{
		Bus:         bus,
		History:     hist,
		Log:         log,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
		StepGrace:   defaultStepGrace,
	}
}

// Execute runs template's steps in order against wfCtx until the workflow
// reaches a terminal state, per the 3-step contract in spec.md §4.F.
// ctx carries cancellation: a caller (the Workflow Manager) cancels ctx to
// request cancellation, in addition to calling wfCtx.Cancel() so in-flight
// steps observe it cooperatively.
func (e *Engine) Execute(ctx context.Context, template string, stepList []steps.Step, wfCtx *steps.Context) model.WorkflowStatus {
	startedAt := time.Now()
	total := len(stepList)

	if err := e.History.RecordStart(wfCtx.WorkflowID, wfCtx.ServerID, wfCtx.DeviceType, total, startedAt, nil); err != nil {
		e.Log.Error(err, "record_start failed", "workflow_id", wfCtx.WorkflowID, "template", template)
	}
	e.emit(wfCtx.WorkflowID, model.EventWorkflowStart, nil, "", "")

	completed := 0
	for i, step := range stepList {
		if wfCtx.IsCancelled() || ctx.Err() != nil {
			e.markRemainingSkipped(wfCtx, stepList, i)
			return e.finalize(wfCtx, model.WorkflowCancelled, completed,
				&model.WorkflowError{Kind: model.ErrKindCancelled, Detail: "cancelled before " + step.Name()})
		}

		idx := i
		e.emit(wfCtx.WorkflowID, model.EventStepStart, &idx, step.Name(), "")

		outcome, attempts := e.runWithRetry(ctx, step, wfCtx)

		// Classification is checked before the nil-error shortcut: a
		// skipped step reports no error but still must not count toward
		// steps_completed (spec.md §4.F step e).
		if outcome.Classification == model.ClassSkipped {
			e.emitError(wfCtx.WorkflowID, model.EventStepEnd, &idx, step.Name(), outcome.Err)
			continue
		}

		if outcome.Err == nil {
			completed++
			e.emit(wfCtx.WorkflowID, model.EventStepEnd, &idx, step.Name(), fmt.Sprintf("completed after %d attempt(s)", attempts))
			if err := e.History.UpdateProgress(wfCtx.WorkflowID, completed, nil); err != nil {
				e.Log.Error(err, "update_progress failed", "workflow_id", wfCtx.WorkflowID, "step", step.Name())
			}
			continue
		}

		// Fatal, or retryable exhausted into fatal by runWithRetry.
		e.emitError(wfCtx.WorkflowID, model.EventStepEnd, &idx, step.Name(), outcome.Err)

		status := model.WorkflowFailed
		if outcome.Err != nil && outcome.Err.Kind == model.ErrKindCancelled {
			status = model.WorkflowCancelled
		}
		return e.finalize(wfCtx, status, completed, outcome.Err)
	}

	return e.finalize(wfCtx, model.WorkflowCompleted, completed, nil)
}

// runWithRetry runs step up to its configured retry budget, applying the
// spec's exponential-backoff-with-jitter shape between retryable failures
// and converting an exhausted retry budget into a fatal Outcome.
func (e *Engine) runWithRetry(ctx context.Context, step steps.Step, wfCtx *steps.Context) (steps.Outcome, int) {
	maxAttempts := step.DefaultRetries() + 1
	bo := backoff.NewExponentialBackOff([]backoff.ExponentialBackOffOpts{
		backoff.WithInitialInterval(e.BackoffBase),
		backoff.WithMaxInterval(e.BackoffCap),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.2),
	}...)

	var outcome steps.Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if wfCtx.IsCancelled() || ctx.Err() != nil {
			return steps.Outcome{
				Err:            &model.WorkflowError{Kind: model.ErrKindCancelled, Detail: "cancelled before attempt " + fmt.Sprint(attempt)},
				Classification: model.ClassFatal,
			}, attempt - 1
		}

		outcome = e.runOnce(ctx, step, wfCtx)

		if outcome.Err == nil || outcome.Classification != model.ClassRetryable {
			return outcome, attempt
		}
		if attempt == maxAttempts {
			return steps.Outcome{Err: outcome.Err, Classification: model.ClassFatal}, attempt
		}

		if !e.wait(ctx, wfCtx, bo.NextBackOff()) {
			return steps.Outcome{
				Err:            &model.WorkflowError{Kind: model.ErrKindCancelled, Detail: "cancelled during backoff"},
				Classification: model.ClassFatal,
			}, attempt
		}
	}
	return outcome, maxAttempts
}

// wait sleeps for d, preempted immediately by ctx cancellation or
// cooperative cancellation on wfCtx (spec.md §4.F: "cancellation preempts
// backoff immediately"). It returns false if preempted.
func (e *Engine) wait(ctx context.Context, wfCtx *steps.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if wfCtx.IsCancelled() {
				return false
			}
		}
	}
}

// runOnce runs step exactly once under its own timeout, abandoning it if it
// doesn't return within StepGrace of that timeout firing (spec.md §5).
func (e *Engine) runOnce(ctx context.Context, step steps.Step, wfCtx *steps.Context) steps.Outcome {
	timeout := step.DefaultTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan steps.Outcome, 1)
	go func() {
		done <- step.Run(stepCtx, wfCtx)
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-stepCtx.Done():
		select {
		case outcome := <-done:
			return outcome
		case <-time.After(e.StepGrace):
			kind := model.ErrKindTimeout
			class := model.ClassRetryable
			if errors.Is(ctx.Err(), context.Canceled) {
				kind = model.ErrKindCancelled
				class = model.ClassFatal
			}
			return steps.Outcome{
				Err:            &model.WorkflowError{Kind: kind, Detail: fmt.Sprintf("%s did not return within its %s timeout + %s grace window", step.Name(), timeout, e.StepGrace)},
				Classification: class,
			}
		}
	}
}

func (e *Engine) markRemainingSkipped(wfCtx *steps.Context, stepList []steps.Step, from int) {
	for i := from; i < len(stepList); i++ {
		idx := i
		e.emit(wfCtx.WorkflowID, model.EventCancellation, &idx, stepList[i].Name(), "skipped: workflow cancelled")
	}
}

func (e *Engine) finalize(wfCtx *steps.Context, status model.WorkflowStatus, completed int, workflowErr *model.WorkflowError) model.WorkflowStatus {
	now := time.Now()
	if err := e.History.Finalize(wfCtx.WorkflowID, status, now, workflowErr, nil); err != nil {
		e.Log.Error(err, "finalize failed", "workflow_id", wfCtx.WorkflowID, "status", status)
	}
	e.emitError(wfCtx.WorkflowID, model.EventWorkflowEnd, nil, "", workflowErr)
	return status
}

func (e *Engine) emit(workflowID string, kind model.EventKind, stepIndex *int, stepName, payload string) {
	e.publish(workflowID, kind, stepIndex, stepName, payload, nil)
}

func (e *Engine) emitError(workflowID string, kind model.EventKind, stepIndex *int, stepName string, workflowErr *model.WorkflowError) {
	e.publish(workflowID, kind, stepIndex, stepName, "", workflowErr)
}

func (e *Engine) publish(workflowID string, kind model.EventKind, stepIndex *int, stepName, payload string, workflowErr *model.WorkflowError) {
	if err := e.Bus.Publish(model.ProgressEvent{
		EventID:    uuid.NewString(),
		WorkflowID: workflowID,
		Kind:       kind,
		StepIndex:  stepIndex,
		StepName:   stepName,
		Timestamp:  time.Now(),
		Payload:    payload,
		Error:      workflowErr,
	}); err != nil {
		e.Log.Error(err, "publish progress event failed", "workflow_id", workflowID, "kind", kind)
	}
}
