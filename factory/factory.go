// Package factory implements the Factory/Planner (spec.md §4.H, component
// H): it composes the Step Library (component E) into the three canonical
// templates. Each call returns a fresh slice of newly constructed Step
// instances so concurrently running workflows never share step state.
package factory

import (
	"fmt"

	"github.com/metalorch/metalorch/pkg/model"
	"github.com/metalorch/metalorch/steps"
)

// Canonical template names (spec.md §4.H, §6.2 workflow id prefix).
const (
	TemplateBasicProvisioning         = "basic_provisioning"
	TemplateFirmwareFirstProvisioning = "firmware_first_provisioning"
	TemplateIntelligentCommissioning  = "intelligent_commissioning"
)

// Names lists every canonical template the Manager may be asked to start.
func Names() []string {
	return []string{TemplateBasicProvisioning, TemplateFirmwareFirstProvisioning, TemplateIntelligentCommissioning}
}

// Build returns template's step list, or an error if template isn't one of
// the canonical names.
func Build(template string) ([]steps.Step, error) {
	switch template {
	case TemplateBasicProvisioning:
		return basicProvisioning(), nil
	case TemplateFirmwareFirstProvisioning:
		return firmwareFirstProvisioning(), nil
	case TemplateIntelligentCommissioning:
		return intelligentCommissioning(), nil
	default:
		return nil, fmt.Errorf("factory: unknown template %q", template)
	}
}

// basicProvisioning: commission_via_maas -> retrieve_server_ip ->
// pull_bios_config -> modify_bios_config -> push_bios_config ->
// update_ipmi_config -> finalize_and_tag (spec.md §4.H).
func basicProvisioning() []steps.Step {
	return []steps.Step{
		steps.NewCommissionViaMaaS(),
		steps.NewRetrieveServerIP(),
		steps.NewPullBIOSConfig(),
		steps.NewModifyBIOSConfig(),
		steps.NewPushBIOSConfig(),
		steps.NewUpdateIPMIConfig(),
		steps.NewFinalizeAndTag(),
	}
}

// postCommissioningSteps is basic_provisioning's tail (everything after
// commission_via_maas), shared by firmware_first_provisioning and
// intelligent_commissioning's composed tail.
func postCommissioningSteps() []steps.Step {
	return basicProvisioning()[1:]
}

// firmwareFirstProvisioning: preflight_validate -> firmware_check ->
// firmware_apply_batch -> controlled_reboot -> basic_provisioning (minus
// commission) -> final_validate (spec.md §4.H). It never re-enters
// commission_via_maas (SPEC_FULL.md §13, Open Question decision 1): a
// second commissioning attempt would restart work Invariant 2 requires to
// stay monotone.
func firmwareFirstProvisioning() []steps.Step {
	out := []steps.Step{
		steps.NewPreflightValidate(),
		steps.NewFirmwareCheck(),
		steps.NewFirmwareApplyBatch(),
		steps.NewControlledReboot(),
	}
	out = append(out, postCommissioningSteps()...)
	out = append(out, steps.NewFinalValidate())
	return out
}

// intelligentCommissioning: commission_via_maas -> enhanced_discover_hardware
// -> classify_device_type -> plan_intelligent_configuration -> (rest of
// basic or firmware-first, selected from plan). The firmware-first bracket
// (preflight/firmware_check/firmware_apply_batch/controlled_reboot/
// final_validate) is included only when plan_intelligent_configuration
// picked the intelligent strategy; shared BIOS/network/tag steps always run
// (SPEC_FULL.md §13, Open Question decision 4: the plan's strategy tag,
// already defined by spec.md §4.H, is the natural runtime switch — a
// low/none-confidence classification runs the plain basic tail, since the
// catalog's per-component firmware tracks aren't trustworthy without a
// confident device-type match).
func intelligentCommissioning() []steps.Step {
	useFirmwareFirst := func(wfCtx *steps.Context) bool {
		return wfCtx.ConfigPlan.Strategy == model.StrategyIntelligent
	}

	out := []steps.Step{
		steps.NewCommissionViaMaaS(),
		steps.NewEnhancedDiscoverHardware(),
		steps.NewClassifyDeviceType(),
		steps.NewPlanIntelligentConfiguration(),
		steps.When(useFirmwareFirst, steps.NewPreflightValidate()),
		steps.When(useFirmwareFirst, steps.NewFirmwareCheck()),
		steps.When(useFirmwareFirst, steps.NewFirmwareApplyBatch()),
		steps.When(useFirmwareFirst, steps.NewControlledReboot()),
	}
	out = append(out, postCommissioningSteps()...)
	out = append(out, steps.When(useFirmwareFirst, steps.NewFinalValidate()))
	return out
}
