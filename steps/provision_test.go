package steps_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalorch/metalorch/capability"
	"github.com/metalorch/metalorch/capability/fake"
	"github.com/metalorch/metalorch/catalog"
	"github.com/metalorch/metalorch/pkg/model"
	"github.com/metalorch/metalorch/steps"
)

const testCatalogDoc = `
vendors:
  - id: supermicro
    displayName: Supermicro
    firmwareDefaults:
      bmc: {tag: ipmi}
      bios: {tag: vendortool, tool: sumtool}
    motherboards:
      - model: X11DPT-B
        firmware:
          bmc: {latestVersion: "3.88", method: {tag: ipmi}, artifactLocator: "bmc-3.88.bin"}
          bios: {latestVersion: "2.1a", method: {tag: vendortool, tool: sumtool}, artifactLocator: "bios-2.1a.bin"}
        deviceTypes:
          - id: a1.c5.large
            description: Large Xeon compute node
            spec: {cpuModel: "Intel Xeon 6258R", cores: 28, ramGiB: 256}
            boot: {order: ["pxe", "disk"], uefi: true}
            biosTemplate: boot_order
            preserveSettings: ["SerialNumber"]
templates:
  - name: boot_order
    body: |
      BootOrder={{ range .BootOrder }}{{ . }},{{ end }}
`

func loadTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load(strings.NewReader(testCatalogDoc))
	require.NoError(t, err)
	return c
}

func newTestContext(t *testing.T, script *fake.Script) (*steps.Context, *fake.MaaS, *fake.SSH, *fake.Redfish, *fake.VendorTool) {
	t.Helper()
	reg, maas, ssh, redfish, vendor := fake.Registry(script, "server-1")
	cat := loadTestCatalog(t)
	wfCtx := steps.NewContext("wf-1", "server-1", cat, reg, func(string) {})
	return wfCtx, maas, ssh, redfish, vendor
}

func TestCommissionViaMaaSSetsServerHandle(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, _ := newTestContext(t, script)

	step := steps.NewCommissionViaMaaS()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, "server-1", wfCtx.ServerHandle.SystemID)
	assert.Equal(t, "COMMISSIONED", wfCtx.ServerHandle.State)
}

func TestCommissionViaMaaSRetriesThenSucceeds(t *testing.T) {
	script := fake.NewScript()
	script.FailOnAttempt("maas.commission", 1, &capability.Error{Kind: capability.KindTransientNetwork, Detail: "timeout"})
	wfCtx, _, _, _, _ := newTestContext(t, script)

	step := steps.NewCommissionViaMaaS()

	first := step.Run(context.Background(), wfCtx)
	require.NotNil(t, first.Err)
	assert.Equal(t, model.ClassRetryable, first.Classification)

	second := step.Run(context.Background(), wfCtx)
	require.Nil(t, second.Err)
	assert.Equal(t, 2, script.Attempts("maas.commission"))
}

func TestCommissionViaMaaSUnknownServerIsFatal(t *testing.T) {
	script := fake.NewScript()
	reg, _, _, _, _ := fake.Registry(script, "server-1")
	cat := loadTestCatalog(t)
	wfCtx := steps.NewContext("wf-1", "server-does-not-exist", cat, reg, func(string) {})

	step := steps.NewCommissionViaMaaS()
	out := step.Run(context.Background(), wfCtx)

	require.NotNil(t, out.Err)
	assert.Equal(t, model.ClassFatal, out.Classification)
}

func TestEnhancedDiscoverHardwareFallsBackToDmidecode(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, ssh, _, _ := newTestContext(t, script)
	ssh.Responses["dmidecode -s system-manufacturer; dmidecode -s system-product-name; lscpu"] = capability.ExecResult{
		Stdout: "Supermicro\nX11DPT-B\nModel name: Intel Xeon 6258R\nCPU(s): 28\n",
	}

	step := steps.NewEnhancedDiscoverHardware()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, "Supermicro", wfCtx.HWFacts.Manufacturer)
	assert.Equal(t, "X11DPT-B", wfCtx.HWFacts.ProductName)
	assert.Equal(t, "Intel Xeon 6258R", wfCtx.HWFacts.CPUModel)
	assert.Equal(t, 28, wfCtx.HWFacts.CPUCores)
}

func TestEnhancedDiscoverHardwareUsesProbeWhenAvailable(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, ssh, _, _ := newTestContext(t, script)
	ssh.Responses["metalorch-discover"] = capability.ExecResult{
		Stdout:   `{"Manufacturer":"Supermicro","ProductName":"X11DPT-B","CPUModel":"Intel Xeon 6258R","CPUCores":28}`,
		ExitCode: 0,
	}

	step := steps.NewEnhancedDiscoverHardware()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, "Supermicro", wfCtx.HWFacts.Manufacturer)
	assert.Equal(t, 28, wfCtx.HWFacts.CPUCores)
}

func TestClassifyDeviceTypeRetainsUserSuppliedValue(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, _ := newTestContext(t, script)
	wfCtx.DeviceType = "a1.c5.large"
	wfCtx.HWFacts = model.HardwareFacts{Manufacturer: "totally-unknown-vendor"}

	step := steps.NewClassifyDeviceType()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, "a1.c5.large", wfCtx.DeviceType)
}

func TestClassifyDeviceTypeReclassifiesWhenPolicyForcesIt(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, _ := newTestContext(t, script)
	wfCtx.DeviceType = "wrong-guess"
	wfCtx.Extras["policy"] = "always_reclassify"
	wfCtx.HWFacts = model.HardwareFacts{
		Manufacturer: "Supermicro",
		ProductName:  "X11DPT-B",
		CPUModel:     "Intel Xeon 6258R",
		CPUCores:     28,
	}

	step := steps.NewClassifyDeviceType()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, "a1.c5.large", wfCtx.DeviceType)
}

func TestPlanIntelligentConfigurationFallsBackOnLowConfidence(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, _ := newTestContext(t, script)
	wfCtx.DeviceType = "a1.c5.large"
	wfCtx.Confidence = model.ConfidenceLow

	step := steps.NewPlanIntelligentConfiguration()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, model.StrategyFallback, wfCtx.ConfigPlan.Strategy)
}

func TestPlanIntelligentConfigurationBuildsPlanOnHighConfidence(t *testing.T) {
	script := fake.NewScript()
	wfCtx, _, _, _, _ := newTestContext(t, script)
	wfCtx.DeviceType = "a1.c5.large"
	wfCtx.Confidence = model.ConfidenceHigh

	step := steps.NewPlanIntelligentConfiguration()
	out := step.Run(context.Background(), wfCtx)

	require.Nil(t, out.Err)
	assert.Equal(t, model.StrategyIntelligent, wfCtx.ConfigPlan.Strategy)
	assert.Equal(t, []string{"pxe", "disk"}, wfCtx.ConfigPlan.BootOrder)
	assert.Contains(t, wfCtx.ConfigPlan.PreserveSettings, "SerialNumber")
}

func TestRetrieveServerIPRetriesUntilAssigned(t *testing.T) {
	script := fake.NewScript()
	wfCtx, maas, _, _, _ := newTestContext(t, script)

	step := steps.NewRetrieveServerIP()

	first := step.Run(context.Background(), wfCtx)
	require.NotNil(t, first.Err)
	assert.Equal(t, model.ClassRetryable, first.Classification)

	_, err := maas.Commission(context.Background(), "server-1")
	require.NoError(t, err)

	second := step.Run(context.Background(), wfCtx)
	require.Nil(t, second.Err)
	assert.NotEmpty(t, wfCtx.ServerIP)
}
