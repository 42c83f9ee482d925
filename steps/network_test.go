package steps_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalorch/metalorch/capability"
	"github.com/metalorch/metalorch/capability/fake"
	"github.com/metalorch/metalorch/pkg/model"
	"github.com/metalorch/metalorch/steps"
)

func TestUpdateIPMIConfigSkipsWhenNoTargetSet(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, _ := newTestContext(t, script)

	step := steps.NewUpdateIPMIConfig()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, 0, script.Attempts("ipmi.set_lan"))
}

func TestUpdateIPMIConfigAppliesTargetAndGateway(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, _ := newTestContext(t, script)
	wfCtx.TargetIPMIIP = "10.0.0.5"
	wfCtx.Gateway = "10.0.0.1"

	step := steps.NewUpdateIPMIConfig()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, 1, script.Attempts("ipmi.set_lan"))
}

func TestUpdateIPMIConfigTransientFailureIsRetryable(t *testing.T) {
	script := fake.NewScript()
	script.FailOnAttempt("ipmi.set_lan", 1, &capability.Error{Kind: capability.KindTransientNetwork, Detail: "no route to host"})
	wfCtx, _, _, _, _ := newTestContext(t, script)
	wfCtx.TargetIPMIIP = "10.0.0.5"

	step := steps.NewUpdateIPMIConfig()
	out := step.Run(context.Background(), wfCtx)

	require.NotNil(t, out.Err)
	assert.Equal(t, model.ClassRetryable, out.Classification)
	assert.Equal(t, model.ErrKindUnreachable, out.Err.Kind)
}
