package steps

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/metalorch/metalorch/capability"
	"github.com/metalorch/metalorch/pkg/model"
)

// firmwareOrder fixes the BMC -> BIOS -> others application order spec.md
// §4.E requires regardless of the catalog's map iteration order.
var firmwareOrder = map[string]int{"bmc": 0, "bios": 1}

func sortFirmwareUpdates(updates []capability.FirmwareArtifact) {
	sort.SliceStable(updates, func(i, j int) bool {
		oi, oki := firmwareOrder[updates[i].Component]
		oj, okj := firmwareOrder[updates[j].Component]
		if !oki {
			oi = len(firmwareOrder)
		}
		if !okj {
			oj = len(firmwareOrder)
		}
		return oi < oj
	})
}

// FirmwareCheck inventories installed firmware versus the catalog's
// tracked versions and populates context.firmware_updates, ordered
// BMC->BIOS->others.
type FirmwareCheck struct{ baseStep }

func NewFirmwareCheck() *FirmwareCheck {
	return &FirmwareCheck{baseStep{
		name:        "firmware_check",
		description: "Compare installed firmware against the catalog",
		timeout:     time.Minute,
		retries:     3,
	}}
}

func (s *FirmwareCheck) Run(ctx context.Context, wfCtx *Context) Outcome {
	redfish, err := wfCtx.Capabilities.Redfish(wfCtx.TargetIPMIIP)
	if err != nil {
		return retryable(&model.WorkflowError{Kind: model.ErrKindTransientNetwork, Detail: err.Error()})
	}

	installed, err := redfish.FirmwareInventory(ctx)
	if err != nil {
		return classifyRedfishErr(err)
	}

	installedVersion := map[string]string{}
	for _, fw := range installed {
		installedVersion[fw.Component] = fw.Version
	}

	tracks, err := wfCtx.Catalog.FirmwareTracks(wfCtx.DeviceType)
	if err != nil {
		return fatal(&model.WorkflowError{Kind: model.ErrKindNotFound, Detail: err.Error()})
	}

	var updates []capability.FirmwareArtifact
	for component, track := range tracks {
		if installedVersion[component] == track.LatestVersion {
			continue
		}
		updates = append(updates, capability.FirmwareArtifact{
			Component: component,
			Version:   track.LatestVersion,
			Locator:   track.ArtifactLocator,
		})
	}
	sortFirmwareUpdates(updates)

	wfCtx.FirmwareUpdates = updates
	wfCtx.ReportSubTask(fmt.Sprintf("%d firmware component(s) need updates", len(updates)))
	return ok()
}

// FirmwareApplyBatch applies every pending firmware update with bounded
// parallelism, joining before returning (spec.md §4.E, §5 "within a step
// the implementer may spawn bounded parallelism ... but must join before
// returning"). An integrity_failure on any update halts the batch and is
// non-retryable; before returning, the batch best-effort reverse-applies
// every component it had already flashed back to its pre-batch version
// (spec.md §4.E postcondition "all updates applied or rolled back"; §7's
// compensating-action allowance for integrity_failure).
type FirmwareApplyBatch struct {
	baseStep
	MaxParallel int
}

func NewFirmwareApplyBatch() *FirmwareApplyBatch {
	return &FirmwareApplyBatch{
		baseStep: baseStep{
			name:        "firmware_apply_batch",
			description: "Apply pending firmware updates",
			timeout:     20 * time.Minute,
			retries:     1,
		},
		MaxParallel: 2,
	}
}

func (s *FirmwareApplyBatch) Run(ctx context.Context, wfCtx *Context) Outcome {
	if len(wfCtx.FirmwareUpdates) == 0 {
		wfCtx.ReportSubTask("no firmware updates pending")
		return ok()
	}

	redfish, err := wfCtx.Capabilities.Redfish(wfCtx.TargetIPMIIP)
	if err != nil {
		return retryable(&model.WorkflowError{Kind: model.ErrKindTransientNetwork, Detail: err.Error()})
	}

	// Snapshot what's installed before touching anything, so a rollback
	// after a later integrity_failure has something to revert to.
	installed, err := redfish.FirmwareInventory(ctx)
	if err != nil {
		return classifyRedfishErr(err)
	}
	previousVersion := make(map[string]string, len(installed))
	for _, fw := range installed {
		previousVersion[fw.Component] = fw.Version
	}

	// BMC and BIOS must apply strictly in order (a failed BIOS flash while
	// the BMC is mid-update is unrecoverable), but same-tier "other"
	// components may run concurrently. Sort defensively rather than trust
	// the caller already ordered firmware_updates.
	sortFirmwareUpdates(wfCtx.FirmwareUpdates)
	tiers := groupByTier(wfCtx.FirmwareUpdates)

	var mu sync.Mutex
	var applied []capability.FirmwareArtifact

	for _, tier := range tiers {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.MaxParallel)
		for _, artifact := range tier {
			artifact := artifact
			g.Go(func() error {
				if err := s.applyOne(gctx, wfCtx, redfish, artifact); err != nil {
					return err
				}
				mu.Lock()
				applied = append(applied, artifact)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			outcome := classifyFirmwareErr(err)
			if outcome.Err != nil && outcome.Err.Kind == model.ErrKindIntegrityFailure {
				s.rollback(wfCtx, redfish, applied, previousVersion)
			}
			return outcome
		}
	}

	wfCtx.ReportSubTask("all firmware updates applied")
	return ok()
}

// rollback reverse-applies every artifact this batch already flashed back
// to the version installed before the batch started. Best-effort: it runs
// on its own timeout (the step's own context is already unwound by the
// integrity failure) and a failed reversal is reported but doesn't change
// the fatal outcome already being returned for the batch.
func (s *FirmwareApplyBatch) rollback(wfCtx *Context, redfish capability.Redfish, applied []capability.FirmwareArtifact, previousVersion map[string]string) {
	rbCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	for _, artifact := range applied {
		prev, ok := previousVersion[artifact.Component]
		if !ok || prev == artifact.Version {
			continue
		}
		wfCtx.ReportSubTask(fmt.Sprintf("integrity failure: rolling back %s to %s", artifact.Component, prev))
		statusCh, err := redfish.ApplyFirmware(rbCtx, capability.FirmwareArtifact{
			Component: artifact.Component,
			Version:   prev,
		})
		if err != nil {
			wfCtx.ReportSubTask(fmt.Sprintf("rollback of %s could not start: %v", artifact.Component, err))
			continue
		}
		for status := range statusCh {
			if status.Err != nil {
				wfCtx.ReportSubTask(fmt.Sprintf("rollback of %s failed: %s", artifact.Component, status.Err.Detail))
				break
			}
			if status.Done {
				wfCtx.ReportSubTask(fmt.Sprintf("%s rolled back to %s", artifact.Component, prev))
				break
			}
		}
	}
}

func groupByTier(updates []capability.FirmwareArtifact) [][]capability.FirmwareArtifact {
	var tiers [][]capability.FirmwareArtifact
	var others []capability.FirmwareArtifact
	for _, u := range updates {
		if u.Component == "bmc" || u.Component == "bios" {
			tiers = append(tiers, []capability.FirmwareArtifact{u})
		} else {
			others = append(others, u)
		}
	}
	if len(others) > 0 {
		tiers = append(tiers, others)
	}
	return tiers
}

func (s *FirmwareApplyBatch) applyOne(ctx context.Context, wfCtx *Context, redfish capability.Redfish, artifact capability.FirmwareArtifact) error {
	if wfCtx.IsCancelled() {
		return &model.WorkflowError{Kind: model.ErrKindCancelled, Detail: "cancelled before applying " + artifact.Component}
	}

	statusCh, err := redfish.ApplyFirmware(ctx, artifact)
	if err != nil {
		return err
	}
	for status := range statusCh {
		if status.Err != nil {
			return status.Err
		}
		if status.Done {
			wfCtx.ReportSubTask(fmt.Sprintf("%s firmware update complete", artifact.Component))
			return nil
		}
	}
	return nil
}

func classifyFirmwareErr(err error) Outcome {
	if wfErr, is := err.(*model.WorkflowError); is {
		if wfErr.Kind == model.ErrKindCancelled {
			return Outcome{Err: wfErr, Classification: model.ClassFatal}
		}
	}
	if capErr, is := err.(*capability.Error); is {
		if capErr.Kind == capability.KindIntegrityFailure {
			return fatal(&model.WorkflowError{Kind: model.ErrKindIntegrityFailure, Detail: capErr.Detail})
		}
		return retryable(&model.WorkflowError{Kind: model.ErrKindTransientNetwork, Detail: capErr.Detail})
	}
	return fatal(&model.WorkflowError{Kind: model.ErrKindInternal, Detail: err.Error()})
}

func classifyRedfishErr(err error) Outcome {
	capErr, is := err.(*capability.Error)
	if !is {
		return fatal(&model.WorkflowError{Kind: model.ErrKindInternal, Detail: err.Error()})
	}
	switch capErr.Kind {
	case capability.KindTransientNetwork:
		return retryable(&model.WorkflowError{Kind: model.ErrKindTransientNetwork, Detail: capErr.Detail})
	case capability.KindAuth:
		return fatal(&model.WorkflowError{Kind: model.ErrKindAuth, Detail: capErr.Detail})
	default:
		return retryable(&model.WorkflowError{Kind: model.ErrKindTransientNetwork, Detail: capErr.Detail})
	}
}

// PreflightValidate is the firmware_first_provisioning template's entry
// step: confirm the BMC is reachable and powered appropriately before any
// firmware is touched.
type PreflightValidate struct{ baseStep }

func NewPreflightValidate() *PreflightValidate {
	return &PreflightValidate{baseStep{
		name:        "preflight_validate",
		description: "Confirm BMC reachability before firmware changes",
		timeout:     time.Minute,
		retries:     2,
	}}
}

func (s *PreflightValidate) Run(ctx context.Context, wfCtx *Context) Outcome {
	redfish, err := wfCtx.Capabilities.Redfish(wfCtx.TargetIPMIIP)
	if err != nil {
		return retryable(&model.WorkflowError{Kind: model.ErrKindTransientNetwork, Detail: err.Error()})
	}
	if _, err := redfish.PowerState(ctx); err != nil {
		return classifyRedfishErr(err)
	}
	wfCtx.ReportSubTask("bmc reachable")
	return ok()
}

// ControlledReboot power-cycles the host after firmware has been applied
// and waits for the BMC to report it back on.
type ControlledReboot struct{ baseStep }

func NewControlledReboot() *ControlledReboot {
	return &ControlledReboot{baseStep{
		name:        "controlled_reboot",
		description: "Power-cycle the host after firmware updates",
		timeout:     5 * time.Minute,
		retries:     1,
	}}
}

func (s *ControlledReboot) Run(ctx context.Context, wfCtx *Context) Outcome {
	redfish, err := wfCtx.Capabilities.Redfish(wfCtx.TargetIPMIIP)
	if err != nil {
		return retryable(&model.WorkflowError{Kind: model.ErrKindTransientNetwork, Detail: err.Error()})
	}
	if err := redfish.Power(ctx, capability.PowerActionCycle); err != nil {
		return classifyRedfishErr(err)
	}
	wfCtx.ReportSubTask("power cycle issued")
	return ok()
}

// FinalValidate confirms the host came back up after a firmware-first run.
type FinalValidate struct{ baseStep }

func NewFinalValidate() *FinalValidate {
	return &FinalValidate{baseStep{
		name:        "final_validate",
		description: "Confirm the host is healthy after firmware changes",
		timeout:     3 * time.Minute,
		retries:     3,
	}}
}

func (s *FinalValidate) Run(ctx context.Context, wfCtx *Context) Outcome {
	redfish, err := wfCtx.Capabilities.Redfish(wfCtx.TargetIPMIIP)
	if err != nil {
		return retryable(&model.WorkflowError{Kind: model.ErrKindTransientNetwork, Detail: err.Error()})
	}
	state, err := redfish.PowerState(ctx)
	if err != nil {
		return classifyRedfishErr(err)
	}
	if state != capability.PowerOn {
		return retryable(&model.WorkflowError{Kind: model.ErrKindTransientNetwork, Detail: "host not yet powered on"})
	}
	wfCtx.ReportSubTask("host confirmed healthy")
	return ok()
}
