package steps

import (
	"context"
	"time"

	"github.com/metalorch/metalorch/capability"
	"github.com/metalorch/metalorch/pkg/model"
)

// UpdateIPMIConfig pushes target_ipmi_ip (and gateway, if set) to the
// BMC's LAN channel 1 configuration.
type UpdateIPMIConfig struct{ baseStep }

func NewUpdateIPMIConfig() *UpdateIPMIConfig {
	return &UpdateIPMIConfig{baseStep{
		name:        "update_ipmi_config",
		description: "Update the BMC's network configuration",
		timeout:     time.Minute,
		retries:     3,
	}}
}

const ipmiLANChannel = 1

func (s *UpdateIPMIConfig) Run(ctx context.Context, wfCtx *Context) Outcome {
	if wfCtx.TargetIPMIIP == "" {
		wfCtx.ReportSubTask("no target ipmi ip configured; skipping")
		return ok()
	}

	ipmi, err := wfCtx.Capabilities.IPMI(wfCtx.TargetIPMIIP)
	if err != nil {
		return retryable(&model.WorkflowError{Kind: model.ErrKindUnreachable, Detail: err.Error()})
	}

	settings := map[string]string{"IP Address": wfCtx.TargetIPMIIP}
	if wfCtx.Gateway != "" {
		settings["Default Gateway IP"] = wfCtx.Gateway
	}

	if err := ipmi.SetLAN(ctx, ipmiLANChannel, settings); err != nil {
		return classifyIPMIErr(err)
	}
	wfCtx.ReportSubTask("bmc network configuration updated")
	return ok()
}

func classifyIPMIErr(err error) Outcome {
	capErr, is := err.(*capability.Error)
	if !is {
		return fatal(&model.WorkflowError{Kind: model.ErrKindInternal, Detail: err.Error()})
	}
	switch capErr.Kind {
	case capability.KindTransientNetwork:
		return retryable(&model.WorkflowError{Kind: model.ErrKindUnreachable, Detail: capErr.Detail})
	case capability.KindNotFound:
		return fatal(&model.WorkflowError{Kind: model.ErrKindNotFound, Detail: capErr.Detail})
	default:
		return retryable(&model.WorkflowError{Kind: model.ErrKindUnreachable, Detail: capErr.Detail})
	}
}
