package steps_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalorch/metalorch/capability/fake"
	"github.com/metalorch/metalorch/pkg/model"
	"github.com/metalorch/metalorch/steps"
)

type countingStep struct{ calls int }

func (s *countingStep) Name() string                  { return "counting" }
func (s *countingStep) Description() string           { return "counting" }
func (s *countingStep) DefaultTimeout() time.Duration { return time.Second }
func (s *countingStep) DefaultRetries() int           { return 0 }
func (s *countingStep) Run(context.Context, *steps.Context) steps.Outcome {
	s.calls++
	return steps.Outcome{}
}

func TestConditionalSkipsWithoutCallingInner(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, _ := newTestContext(t, script)

	inner := &countingStep{}
	cond := steps.When(func(*steps.Context) bool { return false }, inner)

	out := cond.Run(context.Background(), wfCtx)

	assert.Equal(t, model.ClassSkipped, out.Classification)
	assert.Nil(t, out.Err)
	assert.Equal(t, 0, inner.calls)
}

func TestConditionalRunsInnerWhenTrue(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, _ := newTestContext(t, script)

	inner := &countingStep{}
	cond := steps.When(func(*steps.Context) bool { return true }, inner)

	out := cond.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, 1, inner.calls)
}
