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

func TestFirmwareCheckFindsOutOfDateComponents(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, redfish, _ := newTestContext(t, script)
	wfCtx.DeviceType = "a1.c5.large"
	redfish.Inventory = []capability.FirmwareArtifact{
		{Component: "bmc", Version: "3.80"},
		{Component: "bios", Version: "2.1a"},
	}

	step := steps.NewFirmwareCheck()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	require.Len(t, wfCtx.FirmwareUpdates, 1)
	assert.Equal(t, "bmc", wfCtx.FirmwareUpdates[0].Component)
	assert.Equal(t, "3.88", wfCtx.FirmwareUpdates[0].Version)
}

func TestFirmwareCheckNoUpdatesWhenCurrent(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, redfish, _ := newTestContext(t, script)
	wfCtx.DeviceType = "a1.c5.large"
	redfish.Inventory = []capability.FirmwareArtifact{
		{Component: "bmc", Version: "3.88"},
		{Component: "bios", Version: "2.1a"},
	}

	step := steps.NewFirmwareCheck()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Empty(t, wfCtx.FirmwareUpdates)
}

func TestFirmwareApplyBatchAppliesEachPendingComponentOnce(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, _ := newTestContext(t, script)
	wfCtx.FirmwareUpdates = []capability.FirmwareArtifact{
		{Component: "bios", Version: "2.1a"},
		{Component: "bmc", Version: "3.88"},
		{Component: "nic0", Version: "1.2"},
	}

	step := steps.NewFirmwareApplyBatch()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, 1, script.Attempts("redfish.apply_firmware:bmc"))
	assert.Equal(t, 1, script.Attempts("redfish.apply_firmware:bios"))
	assert.Equal(t, 1, script.Attempts("redfish.apply_firmware:nic0"))
}

func TestFirmwareApplyBatchIntegrityFailureHaltsBatch(t *testing.T) {
	script := fake.NewScript()
	script.FailOnAttempt("redfish.apply_firmware:bios", 1, &capability.Error{Kind: capability.KindIntegrityFailure, Detail: "checksum mismatch"})
	wfCtx, _, _, _, _ := newTestContext(t, script)
	wfCtx.FirmwareUpdates = []capability.FirmwareArtifact{
		{Component: "bmc", Version: "3.88"},
		{Component: "bios", Version: "2.1a"},
	}

	step := steps.NewFirmwareApplyBatch()
	out := step.Run(context.Background(), wfCtx)

	require.NotNil(t, out.Err)
	assert.Equal(t, model.ClassFatal, out.Classification)
	assert.Equal(t, model.ErrKindIntegrityFailure, out.Err.Kind)
}

// Invariant (spec.md §4.E postcondition "all updates applied or rolled
// back"; §7 integrity_failure compensating action): a component already
// flashed in the batch gets reverse-applied to its pre-batch version when
// a later tier fails integrity, rather than being left on the new version.
func TestFirmwareApplyBatchRollsBackAppliedComponentsOnIntegrityFailure(t *testing.T) {
	script := fake.NewScript()
	script.FailOnAttempt("redfish.apply_firmware:bios", 1, &capability.Error{Kind: capability.KindIntegrityFailure, Detail: "checksum mismatch"})
	wfCtx, _, _, redfish, _ := newTestContext(t, script)
	redfish.Inventory = []capability.FirmwareArtifact{
		{Component: "bmc", Version: "3.80"},
		{Component: "bios", Version: "2.1a"},
	}
	wfCtx.FirmwareUpdates = []capability.FirmwareArtifact{
		{Component: "bmc", Version: "3.88"},
		{Component: "bios", Version: "2.2"},
	}

	step := steps.NewFirmwareApplyBatch()
	out := step.Run(context.Background(), wfCtx)

	require.NotNil(t, out.Err)
	assert.Equal(t, model.ErrKindIntegrityFailure, out.Err.Kind)

	// bmc was applied once (3.88) then rolled back once (back to 3.80);
	// bios never got past its first, failing attempt.
	assert.Equal(t, 2, script.Attempts("redfish.apply_firmware:bmc"))
	assert.Equal(t, 1, script.Attempts("redfish.apply_firmware:bios"))
}

func TestFirmwareApplyBatchRollbackSkipsComponentsWithNoPriorVersion(t *testing.T) {
	script := fake.NewScript()
	script.FailOnAttempt("redfish.apply_firmware:bios", 1, &capability.Error{Kind: capability.KindIntegrityFailure, Detail: "checksum mismatch"})
	wfCtx, _, _, redfish, _ := newTestContext(t, script)
	// No prior inventory recorded for bmc -- nothing to roll back to.
	redfish.Inventory = nil
	wfCtx.FirmwareUpdates = []capability.FirmwareArtifact{
		{Component: "bmc", Version: "3.88"},
		{Component: "bios", Version: "2.2"},
	}

	step := steps.NewFirmwareApplyBatch()
	out := step.Run(context.Background(), wfCtx)

	require.NotNil(t, out.Err)
	assert.Equal(t, 1, script.Attempts("redfish.apply_firmware:bmc"), "no pre-batch version on record, so no rollback attempt")
}

func TestFirmwareApplyBatchNoopsWhenNothingPending(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, _ := newTestContext(t, script)

	step := steps.NewFirmwareApplyBatch()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, 0, script.Attempts("redfish.apply_firmware:bmc"))
}

func TestPreflightValidateChecksPowerState(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, _ := newTestContext(t, script)

	step := steps.NewPreflightValidate()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
}

func TestControlledRebootIssuesPowerCycle(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, redfish, _ := newTestContext(t, script)

	step := steps.NewControlledReboot()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	state, err := redfish.PowerState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, capability.PowerOn, state)
}

func TestFinalValidateRetriesUntilPoweredOn(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, redfish, _ := newTestContext(t, script)

	step := steps.NewFinalValidate()

	first := step.Run(context.Background(), wfCtx)
	require.NotNil(t, first.Err)
	assert.Equal(t, model.ClassRetryable, first.Classification)

	require.NoError(t, redfish.Power(context.Background(), capability.PowerActionOn))

	second := step.Run(context.Background(), wfCtx)
	require.Nil(t, second.Err)
}
