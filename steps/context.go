// Package steps implements the Step Library (spec.md §4.E, component E):
// named, side-effecting units wrapped in a uniform contract, run in order
// by the Workflow Engine under a shared Context.
package steps

import (
	"sync/atomic"

	"github.com/metalorch/metalorch/capability"
	"github.com/metalorch/metalorch/catalog"
	"github.com/metalorch/metalorch/pkg/model"
)

// Credentials is a borrowed handle to whatever secret material a step
// needs (SSH key, BMC password); it is never logged or persisted whole.
type Credentials struct {
	SSHUser string
	SSHKey  []byte
	BMCUser string
	BMCPass string
}

// Context is the per-workflow shared mutable mapping described in spec.md
// §3.3: well-known fields plus a free-form extras compartment for fields
// the Step Library needs but the core doesn't know about. One writer (the
// currently running step) at a time; steps must not retain a reference to
// Context after Run returns (spec.md §5 Shared resources and mutation policy).
type Context struct {
	WorkflowID     string
	ServerID       string
	DeviceType     string
	Confidence     model.Confidence
	TargetIPMIIP   string
	Gateway        string
	Credentials    Credentials
	Catalog        *catalog.Catalog
	Capabilities   *capability.Registry

	// Populated progressively by steps.
	ServerHandle    capability.Machine
	ServerIP        string
	HWFacts         model.HardwareFacts
	ConfigPlan      model.ConfigPlan
	BIOSCurrent     map[string]string
	BIOSTarget      map[string]string
	FirmwareUpdates []capability.FirmwareArtifact

	// Extras is the free-form compartment spec.md §3.3/§9 requires for a
	// Context that otherwise stays strongly typed; steps validate the keys
	// they consume at entry rather than trusting the map's shape blindly.
	Extras map[string]any

	cancelled atomic.Bool
	subTaskFn func(text string)
}

// NewContext constructs an empty Context for one workflow run.
func NewContext(workflowID, serverID string, cat *catalog.Catalog, caps *capability.Registry, onSubTask func(string)) *Context {
	return &Context{
		WorkflowID:   workflowID,
		ServerID:     serverID,
		Catalog:      cat,
		Capabilities: caps,
		Extras:       map[string]any{},
		subTaskFn:    onSubTask,
	}
}

// ReportSubTask emits a free-form progress note; safe to call any number
// of times from inside a step (spec.md §4.E).
func (c *Context) ReportSubTask(text string) {
	if c.subTaskFn != nil {
		c.subTaskFn(text)
	}
}

// Cancel signals cooperative cancellation; idempotent.
func (c *Context) Cancel() { c.cancelled.Store(true) }

// IsCancelled reports whether cancellation has been signaled. Steps should
// poll this before initiating any long-running subprocess and on each
// backoff interval (spec.md §5).
func (c *Context) IsCancelled() bool { return c.cancelled.Load() }

// AlwaysReclassify reports whether extra_params requested
// policy=always_reclassify (SPEC_FULL.md §13, Open Question decision 2).
func (c *Context) AlwaysReclassify() bool {
	v, ok := c.Extras["policy"]
	return ok && v == "always_reclassify"
}

// stepDoneKey namespaces a step's idempotency marker so it can't collide
// with an unrelated extras key of the same name.
func stepDoneKey(step string) string { return "step_done:" + step }

// MarkStepDone records in Extras that step's postcondition is already
// satisfied, so a retried attempt of the same step can detect the prior
// partial attempt's work and skip redoing it (spec.md §4.E re-entrant
// retries).
func (c *Context) MarkStepDone(step string) { c.Extras[stepDoneKey(step)] = true }

// StepDone reports whether MarkStepDone has already been called for step
// in this workflow run.
func (c *Context) StepDone(step string) bool {
	done, _ := c.Extras[stepDoneKey(step)].(bool)
	return done
}
