package factory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalorch/metalorch/factory"
)

func stepNames(t *testing.T, template string) []string {
	t.Helper()
	stepList, err := factory.Build(template)
	require.NoError(t, err)
	names := make([]string, len(stepList))
	for i, s := range stepList {
		names[i] = s.Name()
	}
	return names
}

func TestBasicProvisioningOrder(t *testing.T) {
	names := stepNames(t, factory.TemplateBasicProvisioning)
	assert.Equal(t, []string{
		"commission_via_maas", "retrieve_server_ip", "pull_bios_config",
		"modify_bios_config", "push_bios_config", "update_ipmi_config", "finalize_and_tag",
	}, names)
}

func TestFirmwareFirstProvisioningOrderNeverRecommissions(t *testing.T) {
	names := stepNames(t, factory.TemplateFirmwareFirstProvisioning)
	assert.Equal(t, []string{
		"preflight_validate", "firmware_check", "firmware_apply_batch", "controlled_reboot",
		"retrieve_server_ip", "pull_bios_config", "modify_bios_config", "push_bios_config",
		"update_ipmi_config", "finalize_and_tag", "final_validate",
	}, names)
	assert.NotContains(t, names, "commission_via_maas")
}

func TestIntelligentCommissioningOrderIncludesFirmwareBracketAsConditional(t *testing.T) {
	names := stepNames(t, factory.TemplateIntelligentCommissioning)
	assert.Equal(t, []string{
		"commission_via_maas", "enhanced_discover_hardware", "classify_device_type",
		"plan_intelligent_configuration", "preflight_validate", "firmware_check",
		"firmware_apply_batch", "controlled_reboot", "retrieve_server_ip",
		"pull_bios_config", "modify_bios_config", "push_bios_config",
		"update_ipmi_config", "finalize_and_tag", "final_validate",
	}, names)
}

func TestBuildUnknownTemplateErrors(t *testing.T) {
	_, err := factory.Build("no-such-template")
	assert.Error(t, err)
}

func TestNamesListsAllCanonicalTemplates(t *testing.T) {
	names := factory.Names()
	assert.Len(t, names, 3)
	assert.Contains(t, names, factory.TemplateBasicProvisioning)
	assert.Contains(t, names, factory.TemplateFirmwareFirstProvisioning)
	assert.Contains(t, names, factory.TemplateIntelligentCommissioning)
}
