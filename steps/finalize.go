package steps

import (
	"context"
	"time"
)

// FinalizeAndTag applies the commissioned-and-ready tags to the MaaS machine
// record, the last step of every canonical template (spec.md §4.E). The
// history record itself is finalized by the engine, not this step -- this
// step only owns the MaaS side of "done".
type FinalizeAndTag struct{ baseStep }

func NewFinalizeAndTag() *FinalizeAndTag {
	return &FinalizeAndTag{baseStep{
		name:        "finalize_and_tag",
		description: "Tag the machine as provisioned in MaaS",
		timeout:     30 * time.Second,
		retries:     3,
	}}
}

func (s *FinalizeAndTag) Run(ctx context.Context, wfCtx *Context) Outcome {
	tags := append([]string{"metalorch:provisioned"}, wfCtx.ServerHandle.Tags...)
	if wfCtx.DeviceType != "" {
		tags = append(tags, "device_type:"+wfCtx.DeviceType)
	}

	if err := wfCtx.Capabilities.MaaS.Tag(ctx, wfCtx.ServerID, tags); err != nil {
		return classifyMaaSErr(err)
	}

	wfCtx.ReportSubTask("maas tags applied: " + joinTags(tags))
	return ok()
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}
