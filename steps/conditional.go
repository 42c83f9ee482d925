package steps

import (
	"context"
	"time"

	"github.com/metalorch/metalorch/pkg/model"
)

// Conditional wraps a Step so the engine treats it as skipped, with no
// error, whenever predicate(wfCtx) returns false. This is how
// intelligent_commissioning picks its firmware-first bracket at runtime
// from plan_intelligent_configuration's verdict without the Factory
// needing to build two divergent step lists (SPEC_FULL.md §13, Open
// Question decision 4).
type Conditional struct {
	inner     Step
	predicate func(*Context) bool
}

// When wraps inner in a Step that runs inner if predicate holds at run
// time, and otherwise reports skipped without ever calling inner.Run.
func When(predicate func(*Context) bool, inner Step) *Conditional {
	return &Conditional{inner: inner, predicate: predicate}
}

func (c *Conditional) Name() string                  { return c.inner.Name() }
func (c *Conditional) Description() string           { return c.inner.Description() }
func (c *Conditional) DefaultTimeout() time.Duration { return c.inner.DefaultTimeout() }
func (c *Conditional) DefaultRetries() int           { return c.inner.DefaultRetries() }

func (c *Conditional) Run(ctx context.Context, wfCtx *Context) Outcome {
	if !c.predicate(wfCtx) {
		return Outcome{Classification: model.ClassSkipped}
	}
	return c.inner.Run(ctx, wfCtx)
}
