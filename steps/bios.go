package steps

import (
	"bytes"
	"context"
	"time"

	"dario.cat/mergo"

	"github.com/metalorch/metalorch/capability"
	"github.com/metalorch/metalorch/pkg/model"
)

// PullBIOSConfig reads the host's current BIOS configuration via the
// vendor tool, falling back to an empty placeholder for vendors the
// VendorTool adapter doesn't recognize (spec.md §4.E).
type PullBIOSConfig struct{ baseStep }

func NewPullBIOSConfig() *PullBIOSConfig {
	return &PullBIOSConfig{baseStep{
		name:        "pull_bios_config",
		description: "Pull the current BIOS configuration",
		timeout:     2 * time.Minute,
		retries:     2,
	}}
}

func (s *PullBIOSConfig) Run(ctx context.Context, wfCtx *Context) Outcome {
	// A prior attempt already staged bios_current before this retry's own
	// context was cancelled/timed out; re-pulling would be redundant and,
	// for some vendor tools, another round-trip the host doesn't need.
	if wfCtx.StepDone(s.Name()) {
		wfCtx.ReportSubTask("bios configuration already pulled by a prior attempt; skipping")
		return ok()
	}

	vendorID, err := wfCtx.Capabilities.Vendor.ProbeVendorID(ctx, wfCtx.ServerIP)
	if err != nil {
		return classifyVendorErr(err)
	}
	if vendorID == "" {
		wfCtx.BIOSCurrent = map[string]string{}
		wfCtx.MarkStepDone(s.Name())
		wfCtx.ReportSubTask("vendor tool does not recognize this host; using empty placeholder")
		return skipped(nil)
	}

	blob, err := wfCtx.Capabilities.Vendor.PullBIOS(ctx, wfCtx.ServerIP)
	if err != nil {
		return classifyVendorErr(err)
	}
	wfCtx.BIOSCurrent = parseBIOSBlob(blob)
	wfCtx.MarkStepDone(s.Name())
	wfCtx.ReportSubTask("pulled current bios configuration")
	return ok()
}

// parseBIOSBlob decodes the vendor tool's key=value-per-line export format.
func parseBIOSBlob(blob []byte) map[string]string {
	out := map[string]string{}
	for _, line := range bytes.Split(blob, []byte("\n")) {
		kv := bytes.SplitN(line, []byte("="), 2)
		if len(kv) != 2 {
			continue
		}
		out[string(bytes.TrimSpace(kv[0]))] = string(bytes.TrimSpace(kv[1]))
	}
	return out
}

func encodeBIOSBlob(attrs map[string]string) []byte {
	var buf bytes.Buffer
	for k, v := range attrs {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// ModifyBIOSConfig merges config_plan's BIOS template over bios_current,
// preserving any key named in preserve_settings (spec.md §4.E). This is a
// pure, non-retryable step: it touches no network.
type ModifyBIOSConfig struct{ baseStep }

func NewModifyBIOSConfig() *ModifyBIOSConfig {
	return &ModifyBIOSConfig{baseStep{
		name:        "modify_bios_config",
		description: "Compute the target BIOS configuration",
		timeout:     5 * time.Second,
		retries:     0,
	}}
}

func (s *ModifyBIOSConfig) Run(_ context.Context, wfCtx *Context) Outcome {
	target := map[string]string{}
	for k, v := range wfCtx.BIOSCurrent {
		target[k] = v
	}

	desired, err := renderBIOSTemplate(wfCtx)
	if err != nil {
		return fatal(&model.WorkflowError{Kind: model.ErrKindConfigInvalid, Detail: err.Error()})
	}

	if err := mergo.Merge(&target, desired, mergo.WithOverride); err != nil {
		return fatal(&model.WorkflowError{Kind: model.ErrKindInternal, Detail: "merge bios config: " + err.Error()})
	}

	for _, key := range wfCtx.ConfigPlan.PreserveSettings {
		if v, existed := wfCtx.BIOSCurrent[key]; existed {
			target[key] = v
		}
	}

	wfCtx.BIOSTarget = target
	wfCtx.ReportSubTask("target bios configuration computed")
	return ok()
}

func renderBIOSTemplate(wfCtx *Context) (map[string]string, error) {
	if wfCtx.ConfigPlan.BIOSTemplate == "" {
		return map[string]string{}, nil
	}
	var buf bytes.Buffer
	data := map[string]any{"BootOrder": wfCtx.ConfigPlan.BootOrder, "DeviceType": wfCtx.DeviceType}
	if err := wfCtx.Catalog.RenderBIOSTemplate(wfCtx.ConfigPlan.BIOSTemplate, data, &buf); err != nil {
		return nil, err
	}
	return parseBIOSBlob(buf.Bytes()), nil
}

// PushBIOSConfig applies bios_target via the vendor tool and reports
// success once the tool confirms the push applied.
type PushBIOSConfig struct{ baseStep }

func NewPushBIOSConfig() *PushBIOSConfig {
	return &PushBIOSConfig{baseStep{
		name:        "push_bios_config",
		description: "Push the target BIOS configuration",
		timeout:     3 * time.Minute,
		retries:     2,
	}}
}

func (s *PushBIOSConfig) Run(ctx context.Context, wfCtx *Context) Outcome {
	if len(wfCtx.BIOSTarget) == 0 {
		wfCtx.ReportSubTask("no bios changes to push")
		return ok()
	}
	if err := wfCtx.Capabilities.Vendor.PushBIOS(ctx, wfCtx.ServerIP, encodeBIOSBlob(wfCtx.BIOSTarget)); err != nil {
		return classifyVendorErr(err)
	}
	wfCtx.ReportSubTask("bios configuration applied")
	return ok()
}

func classifyVendorErr(err error) Outcome {
	capErr, is := err.(*capability.Error)
	if !is {
		return fatal(&model.WorkflowError{Kind: model.ErrKindInternal, Detail: err.Error()})
	}
	switch capErr.Kind {
	case capability.KindVendorToolBusy:
		return retryable(&model.WorkflowError{Kind: model.ErrKindVendorToolBusy, Detail: capErr.Detail})
	case capability.KindTransientNetwork:
		return retryable(&model.WorkflowError{Kind: model.ErrKindSSHTransient, Detail: capErr.Detail})
	case capability.KindIntegrityFailure:
		return fatal(&model.WorkflowError{Kind: model.ErrKindIntegrityFailure, Detail: capErr.Detail})
	default:
		return fatal(&model.WorkflowError{Kind: model.ErrKindConfigConflict, Detail: capErr.Detail})
	}
}
