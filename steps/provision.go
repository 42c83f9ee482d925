package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/metalorch/metalorch/capability"
	"github.com/metalorch/metalorch/classify"
	"github.com/metalorch/metalorch/pkg/model"
)

// CommissionViaMaaS commissions server_id through MaaS and populates
// context.server_handle (spec.md §4.E).
type CommissionViaMaaS struct{ baseStep }

func NewCommissionViaMaaS() *CommissionViaMaaS {
	return &CommissionViaMaaS{baseStep{
		name:        "commission_via_maas",
		description: "Commission the machine through MaaS",
		timeout:     defaultStepTimeout,
		retries:     3,
	}}
}

func (s *CommissionViaMaaS) Run(ctx context.Context, wfCtx *Context) Outcome {
	machine, err := wfCtx.Capabilities.MaaS.Commission(ctx, wfCtx.ServerID)
	if err != nil {
		return classifyMaaSErr(err)
	}
	wfCtx.ServerHandle = machine
	wfCtx.ReportSubTask(fmt.Sprintf("maas reports %s in state %s", wfCtx.ServerID, machine.State))
	return ok()
}

// EnhancedDiscoverHardware SSHes into the commissioned host and populates
// context.hw_facts. It prefers the staged metalorch-discover probe (built
// on ghw, see cmd/metalorch-discover) and falls back to dmidecode/lscpu
// parsing when the probe fails or its output does not parse. A non-zero
// exit from the fallback is reported as a retryable command_missing, so it
// is retried within the step's retry budget; this step installs nothing.
type EnhancedDiscoverHardware struct{ baseStep }

func NewEnhancedDiscoverHardware() *EnhancedDiscoverHardware {
	return &EnhancedDiscoverHardware{baseStep{
		name:        "enhanced_discover_hardware",
		description: "Discover hardware facts over SSH",
		timeout:     5 * time.Minute,
		retries:     2,
	}}
}

func (s *EnhancedDiscoverHardware) Run(ctx context.Context, wfCtx *Context) Outcome {
	sess, err := wfCtx.Capabilities.SSH.Connect(ctx, wfCtx.ServerIP, wfCtx.Credentials.SSHUser, wfCtx.Credentials.SSHKey)
	if err != nil {
		return retryable(&model.WorkflowError{Kind: model.ErrKindSSHTransient, Detail: err.Error()})
	}
	defer sess.Close()

	probe, err := sess.Exec(ctx, "metalorch-discover", 30*time.Second)
	if err == nil && probe.ExitCode == 0 {
		var facts model.HardwareFacts
		if jsonErr := json.Unmarshal([]byte(probe.Stdout), &facts); jsonErr == nil {
			wfCtx.HWFacts = facts
			wfCtx.ReportSubTask("hardware facts collected via metalorch-discover")
			return ok()
		}
	}

	return s.discoverViaDmidecode(ctx, wfCtx, sess)
}

func (s *EnhancedDiscoverHardware) discoverViaDmidecode(ctx context.Context, wfCtx *Context, sess capability.SSHSession) Outcome {
	res, err := sess.Exec(ctx, "dmidecode -s system-manufacturer; dmidecode -s system-product-name; lscpu", time.Minute)
	if err != nil {
		return retryable(&model.WorkflowError{Kind: model.ErrKindSSHTransient, Detail: err.Error()})
	}
	if res.ExitCode != 0 {
		return retryable(&model.WorkflowError{Kind: model.ErrKindCommandMissing, Detail: res.Stderr})
	}

	lines := strings.Split(res.Stdout, "\n")
	facts := model.HardwareFacts{}
	if len(lines) > 0 {
		facts.Manufacturer = strings.TrimSpace(lines[0])
	}
	if len(lines) > 1 {
		facts.ProductName = strings.TrimSpace(lines[1])
	}
	for _, line := range lines[2:] {
		if model_, count, ok := parseLscpuLine(line); ok {
			if model_ != "" {
				facts.CPUModel = model_
			}
			if count > 0 {
				facts.CPUCores = count
			}
		}
	}

	wfCtx.HWFacts = facts
	wfCtx.ReportSubTask("hardware facts collected via dmidecode/lscpu fallback")
	return ok()
}

func parseLscpuLine(line string) (string, int, bool) {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	key := strings.TrimSpace(parts[0])
	value := strings.TrimSpace(parts[1])
	switch key {
	case "Model name":
		return value, 0, true
	case "CPU(s)":
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			return "", n, true
		}
	}
	return "", 0, false
}

// ClassifyDeviceType runs the Classification Engine against discovered
// facts, unless the workflow already carries a user-supplied device_type
// (SPEC_FULL.md §13, Open Question decision 2: user input wins unless
// policy=always_reclassify).
type ClassifyDeviceType struct{ baseStep }

func NewClassifyDeviceType() *ClassifyDeviceType {
	return &ClassifyDeviceType{baseStep{
		name:        "classify_device_type",
		description: "Classify the device type from discovered hardware facts",
		timeout:     5 * time.Second,
		retries:     0,
	}}
}

func (s *ClassifyDeviceType) Run(_ context.Context, wfCtx *Context) Outcome {
	if wfCtx.DeviceType != "" && !wfCtx.AlwaysReclassify() {
		wfCtx.ReportSubTask("user-supplied device_type retained: " + wfCtx.DeviceType)
		return ok()
	}

	result := classify.Classify(wfCtx.HWFacts, wfCtx.Catalog)
	wfCtx.DeviceType = result.DeviceTypeID
	wfCtx.Confidence = result.Confidence
	wfCtx.ReportSubTask(fmt.Sprintf("classified as %q confidence=%s", result.DeviceTypeID, result.Confidence))
	return ok()
}

// PlanIntelligentConfiguration reads the Catalog plus discovery facts and
// writes context.config_plan (spec.md §4.H).
type PlanIntelligentConfiguration struct{ baseStep }

func NewPlanIntelligentConfiguration() *PlanIntelligentConfiguration {
	return &PlanIntelligentConfiguration{baseStep{
		name:        "plan_intelligent_configuration",
		description: "Build a BIOS/firmware/boot configuration plan",
		timeout:     10 * time.Second,
		retries:     0,
	}}
}

func (s *PlanIntelligentConfiguration) Run(_ context.Context, wfCtx *Context) Outcome {
	if wfCtx.DeviceType == "" || wfCtx.Confidence == model.ConfidenceLow || wfCtx.Confidence == model.ConfidenceNone {
		wfCtx.ConfigPlan = model.ConfigPlan{Strategy: model.StrategyFallback}
		wfCtx.ReportSubTask("falling back to conservative configuration plan")
		return ok()
	}

	dt, err := wfCtx.Catalog.GetDeviceType(wfCtx.DeviceType)
	if err != nil {
		return fatal(&model.WorkflowError{Kind: model.ErrKindNotFound, Detail: err.Error()})
	}
	methods, err := wfCtx.Catalog.FirmwareMethods(wfCtx.DeviceType)
	if err != nil {
		return fatal(&model.WorkflowError{Kind: model.ErrKindNotFound, Detail: err.Error()})
	}

	wfCtx.ConfigPlan = model.ConfigPlan{
		BIOSTemplate:     dt.BIOSTemplate,
		PreserveSettings: dt.PreserveSettings,
		FirmwareMethods:  methods,
		BootOrder:        dt.Boot.Order,
		Strategy:         model.StrategyIntelligent,
	}
	wfCtx.ReportSubTask("intelligent configuration plan built for " + wfCtx.DeviceType)
	return ok()
}

// RetrieveServerIP polls MaaS until the commissioned machine reports a
// reachable IP and stores it in context.server_ip.
type RetrieveServerIP struct{ baseStep }

func NewRetrieveServerIP() *RetrieveServerIP {
	return &RetrieveServerIP{baseStep{
		name:        "retrieve_server_ip",
		description: "Retrieve the commissioned server's IP address",
		timeout:     2 * time.Minute,
		retries:     5,
	}}
}

func (s *RetrieveServerIP) Run(ctx context.Context, wfCtx *Context) Outcome {
	machine, err := wfCtx.Capabilities.MaaS.Get(ctx, wfCtx.ServerID)
	if err != nil {
		return classifyMaaSErr(err)
	}
	if machine.IP == "" {
		return retryable(&model.WorkflowError{Kind: model.ErrKindTransientNetwork, Detail: "server ip not yet assigned"})
	}
	wfCtx.ServerIP = machine.IP
	wfCtx.ReportSubTask("server ip: " + machine.IP)
	return ok()
}

func classifyMaaSErr(err error) Outcome {
	capErr, ok2 := err.(*capability.Error)
	if !ok2 {
		return fatal(&model.WorkflowError{Kind: model.ErrKindInternal, Detail: err.Error()})
	}
	switch capErr.Kind {
	case capability.KindTransientNetwork:
		return retryable(&model.WorkflowError{Kind: model.ErrKindTransientNetwork, Detail: capErr.Detail})
	case capability.KindNotFound:
		return fatal(&model.WorkflowError{Kind: model.ErrKindNotFound, Detail: capErr.Detail})
	case capability.KindAuth:
		return fatal(&model.WorkflowError{Kind: model.ErrKindAuth, Detail: capErr.Detail})
	case capability.KindConflict:
		return fatal(&model.WorkflowError{Kind: model.ErrKindConflict, Detail: capErr.Detail})
	default:
		return retryable(&model.WorkflowError{Kind: model.ErrKindMaaSBusy, Detail: capErr.Detail})
	}
}
