package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/bmc-toolbox/bmclib/v2"
	"github.com/go-logr/logr"
	"github.com/stmcginnis/gofish"
	"github.com/stmcginnis/gofish/common"
)

// BMCOptions configures how a bmclib client is opened for one target.
type BMCOptions struct {
	Username string
	Password string
	Timeout  time.Duration
}

// bmclibAdapter wraps a single open bmclib.Client connection and serves
// both the Redfish and IPMI contracts from it, the way bmclib itself
// multiplexes across Redfish/IPMI/vendor providers behind one client
// (grounded on rufio/internal/controller/client.go and task.go's
// SetPowerState/GetPowerState call sites).
type bmclibAdapter struct {
	client *bmclib.Client
	log    logr.Logger
	target string
	opts   BMCOptions
}

// DialBMC opens a bmclib connection to target, probing available providers
// (Redfish, IPMI, vendor-specific) in bmclib's default preference order.
func DialBMC(ctx context.Context, log logr.Logger, target string, opts BMCOptions) (Redfish, IPMI, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := bmclib.NewClient(target, opts.Username, opts.Password, bmclib.WithLogger(log.WithValues("host", target)))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Open(ctx); err != nil {
		return nil, nil, &Error{Kind: KindTransientNetwork, Detail: fmt.Sprintf("open bmc connection to %s: %v", target, err)}
	}

	a := &bmclibAdapter{client: client, log: log, target: target, opts: opts}
	return a, a, nil
}

func (a *bmclibAdapter) Close(ctx context.Context) error {
	return a.client.Close(ctx)
}

func (a *bmclibAdapter) Power(ctx context.Context, action PowerAction) error {
	ok, err := a.client.SetPowerState(ctx, string(action))
	if err != nil {
		return classifyBMCErr(err)
	}
	if !ok {
		return &Error{Kind: KindTransientNetwork, Detail: "set power state reported not-ok"}
	}
	return nil
}

func (a *bmclibAdapter) PowerState(ctx context.Context) (PowerState, error) {
	raw, err := a.client.GetPowerState(ctx)
	if err != nil {
		return PowerUnknown, classifyBMCErr(err)
	}
	switch raw {
	case "on", "On", "ON":
		return PowerOn, nil
	case "off", "Off", "OFF":
		return PowerOff, nil
	default:
		return PowerUnknown, nil
	}
}

func (a *bmclibAdapter) GetBIOSAttributes(ctx context.Context) (map[string]string, error) {
	attrs, err := a.client.GetBiosConfiguration(ctx)
	if err != nil {
		return nil, classifyBMCErr(err)
	}
	return attrs, nil
}

func (a *bmclibAdapter) SetBIOSAttributes(ctx context.Context, attrs map[string]string) error {
	if err := a.client.SetBiosConfiguration(ctx, attrs); err != nil {
		return classifyBMCErr(err)
	}
	return nil
}

func (a *bmclibAdapter) CommitBIOS(ctx context.Context) error {
	// bmclib applies BIOS configuration transactionally inside
	// SetBiosConfiguration; a dedicated commit step is a no-op here, kept so
	// the Step Library's push_bios_config can call it uniformly across
	// capability implementations that do need an explicit commit.
	_ = ctx
	return nil
}

func (a *bmclibAdapter) FirmwareInventory(ctx context.Context) ([]FirmwareArtifact, error) {
	inv, err := a.client.Inventory(ctx)
	if err != nil {
		return nil, classifyBMCErr(err)
	}
	var out []FirmwareArtifact
	if inv.BMC != nil && inv.BMC.Firmware != nil {
		out = append(out, FirmwareArtifact{Component: "bmc", Version: inv.BMC.Firmware.Installed})
	}
	if inv.BIOS != nil && inv.BIOS.Firmware != nil {
		out = append(out, FirmwareArtifact{Component: "bios", Version: inv.BIOS.Firmware.Installed})
	}
	return out, nil
}

func (a *bmclibAdapter) ApplyFirmware(ctx context.Context, artifact FirmwareArtifact) (<-chan FirmwareUpdateStatus, error) {
	taskID, err := a.client.FirmwareInstallSteps(ctx, artifact.Component)
	if err != nil {
		return nil, classifyBMCErr(err)
	}

	ch := make(chan FirmwareUpdateStatus, 1)
	go a.pollFirmware(ctx, artifact.Component, taskID, ch)
	return ch, nil
}

func (a *bmclibAdapter) pollFirmware(ctx context.Context, component string, taskID []string, ch chan<- FirmwareUpdateStatus) {
	defer close(ch)
	_ = taskID // bmclib's multi-step install is driven internally by FirmwareInstallSteps; we poll status below.

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ch <- FirmwareUpdateStatus{Component: component, Err: &Error{Kind: KindTransientNetwork, Detail: ctx.Err().Error()}}
			return
		case <-ticker.C:
			state, _, err := a.client.FirmwareInstallStatus(ctx, "", component, "")
			if err != nil {
				ch <- FirmwareUpdateStatus{Component: component, Err: classifyBMCErrPtr(err)}
				return
			}
			done := state == "complete" || state == "powercycled"
			ch <- FirmwareUpdateStatus{Component: component, Done: done, Percent: progressFor(state)}
			if done {
				return
			}
		}
	}
}

func progressFor(state string) int {
	switch state {
	case "complete", "powercycled":
		return 100
	case "running":
		return 50
	default:
		return 0
	}
}

func (a *bmclibAdapter) SystemInfo(ctx context.Context) (map[string]string, error) {
	md := a.client.GetMetadata()
	return map[string]string{
		"successful_provider": md.SuccessfulProvider,
	}, nil
}

// SetLED is not exposed by bmclib's high-level client, but the identify LED
// is a standard Redfish Chassis field, so this dials the target directly
// with gofish rather than routing it through bmclib. LAN config, SEL, and
// raw power-channel control have no such standard Redfish resource and stay
// on the dedicated IPMI adapter (ipmi.go).
func (a *bmclibAdapter) SetLED(ctx context.Context, on bool) error {
	gc, err := gofish.ConnectContext(ctx, gofish.ClientConfig{
		Endpoint:  "https://" + a.target,
		Username:  a.opts.Username,
		Password:  a.opts.Password,
		Insecure:  true,
		BasicAuth: true,
	})
	if err != nil {
		return &Error{Kind: KindTransientNetwork, Detail: fmt.Sprintf("connect redfish for led control: %v", err)}
	}
	defer gc.Logout()

	chassisList, err := gc.Service.Chassis()
	if err != nil {
		return classifyBMCErr(err)
	}
	if len(chassisList) == 0 {
		return &Error{Kind: KindNotFound, Detail: "target exposes no chassis resource with an indicator led"}
	}

	state := common.OffIndicatorLED
	if on {
		state = common.BlinkingIndicatorLED
	}
	chassisList[0].IndicatorLED = state
	if err := chassisList[0].Update(); err != nil {
		return classifyBMCErr(err)
	}
	return nil
}

func (a *bmclibAdapter) GetLAN(_ context.Context, _ int) (map[string]string, error) {
	return nil, &Error{Kind: KindNotFound, Detail: "bmclib adapter does not expose raw LAN get; use the ipmitool adapter"}
}

func (a *bmclibAdapter) SetLAN(_ context.Context, _ int, _ map[string]string) error {
	return &Error{Kind: KindNotFound, Detail: "bmclib adapter does not expose raw LAN set; use the ipmitool adapter"}
}

func (a *bmclibAdapter) SEL(ctx context.Context) ([]string, error) {
	_ = ctx
	return nil, &Error{Kind: KindNotFound, Detail: "sel retrieval not implemented by this adapter"}
}

func classifyBMCErr(err error) error {
	return classifyBMCErrPtr(err)
}

func classifyBMCErrPtr(err error) *Error {
	return &Error{Kind: KindTransientNetwork, Detail: err.Error()}
}
