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

func TestPullBIOSConfigSkipsWhenVendorUnrecognized(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, vendor := newTestContext(t, script)
	vendor.VendorID = ""

	step := steps.NewPullBIOSConfig()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, model.ClassSkipped, out.Classification)
	assert.Empty(t, wfCtx.BIOSCurrent)
}

func TestPullBIOSConfigParsesVendorBlob(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, vendor := newTestContext(t, script)
	vendor.VendorID = "supermicro"
	vendor.BIOS = []byte("SerialNumber=ABC123\nBootOrder=pxe\n")

	step := steps.NewPullBIOSConfig()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, "ABC123", wfCtx.BIOSCurrent["SerialNumber"])
}

// Invariant (spec.md §4.E re-entrant retries): a retried attempt that
// finds its own prior idempotency marker must not redo the pull.
func TestPullBIOSConfigSkipsWhenAlreadyMarkedDone(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, vendor := newTestContext(t, script)
	vendor.VendorID = "supermicro"
	vendor.BIOS = []byte("SerialNumber=ABC123\n")

	step := steps.NewPullBIOSConfig()
	first := step.Run(context.Background(), wfCtx)
	require.Nil(t, first.Err)
	require.Equal(t, 1, script.Attempts("vendortool.pull_bios"))

	second := step.Run(context.Background(), wfCtx)
	require.Nil(t, second.Err)
	assert.Equal(t, 1, script.Attempts("vendortool.pull_bios"), "a re-entrant retry must not pull again once the marker is set")
	assert.Equal(t, "ABC123", wfCtx.BIOSCurrent["SerialNumber"])
}

func TestModifyBIOSConfigMergesTemplateAndPreservesListedKeys(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, _ := newTestContext(t, script)
	wfCtx.DeviceType = "a1.c5.large"
	wfCtx.BIOSCurrent = map[string]string{"SerialNumber": "ABC123", "BootOrder": "disk"}
	wfCtx.ConfigPlan = model.ConfigPlan{
		BIOSTemplate:     "boot_order",
		PreserveSettings: []string{"SerialNumber"},
		BootOrder:        []string{"pxe", "disk"},
	}

	step := steps.NewModifyBIOSConfig()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, "ABC123", wfCtx.BIOSTarget["SerialNumber"], "preserve_settings must win over the rendered template")
	assert.Contains(t, wfCtx.BIOSTarget["BootOrder"], "pxe")
}

func TestPushBIOSConfigSkipsWhenNoChanges(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, vendor := newTestContext(t, script)

	step := steps.NewPushBIOSConfig()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Nil(t, vendor.BIOS)
}

func TestPushBIOSConfigAppliesTarget(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, vendor := newTestContext(t, script)
	wfCtx.BIOSTarget = map[string]string{"SerialNumber": "ABC123"}

	step := steps.NewPushBIOSConfig()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Contains(t, string(vendor.BIOS), "SerialNumber=ABC123")
}

func TestPushBIOSConfigIntegrityFailureIsFatal(t *testing.T) {
	script := fake.NewScript()
	script.FailOnAttempt("vendortool.push_bios", 1, &capability.Error{Kind: capability.KindIntegrityFailure, Detail: "checksum mismatch"})
	wfCtx, _, _, _, _ := newTestContext(t, script)
	wfCtx.BIOSTarget = map[string]string{"SerialNumber": "ABC123"}

	step := steps.NewPushBIOSConfig()
	out := step.Run(context.Background(), wfCtx)

	require.NotNil(t, out.Err)
	assert.Equal(t, model.ClassFatal, out.Classification)
	assert.Equal(t, model.ErrKindIntegrityFailure, out.Err.Kind)
}

func TestPushBIOSConfigVendorToolBusyIsRetryable(t *testing.T) {
	script := fake.NewScript()
	script.FailOnAttempt("vendortool.push_bios", 1, &capability.Error{Kind: capability.KindVendorToolBusy, Detail: "another session in progress"})
	wfCtx, _, _, _, _ := newTestContext(t, script)
	wfCtx.BIOSTarget = map[string]string{"SerialNumber": "ABC123"}

	step := steps.NewPushBIOSConfig()
	out := step.Run(context.Background(), wfCtx)

	require.NotNil(t, out.Err)
	assert.Equal(t, model.ClassRetryable, out.Classification)
}
