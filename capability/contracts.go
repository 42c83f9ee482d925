// Package capability defines the thin adapter contracts the Step Library
// runs against (spec.md §4.I, component I). Only the contracts live here;
// each contract is implemented against a real transport (MaaS REST, SSH,
// Redfish and IPMI via bmclib with gofish for the identify LED, IPMI LAN/SEL
// via ipmitool, the vendor tool via sumtool over SSH) and once as an in-memory fake
// under capability/fake for deterministic step and engine tests, mirroring
// how the teacher separates a transport-backed client from injectable test
// doubles (smee/job/mock.go's Mock convention).
package capability

import (
	"context"
	"time"
)

// Kind is the error taxonomy a capability adapter raises (spec.md §4.I).
type Kind string

const (
	KindTransientNetwork Kind = "transient_network"
	KindAuth             Kind = "auth"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindVendorToolBusy   Kind = "vendor_tool_busy"
	KindIntegrityFailure Kind = "integrity_failure"
)

// Error is the uniform error shape every adapter method returns.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Detail }

// Machine is what the MaaS adapter knows about a system under commission.
type Machine struct {
	SystemID string
	State    string // e.g. "NEW", "COMMISSIONING", "READY", "COMMISSIONED", "FAILED"
	IP       string
	Tags     []string
}

// MaaS is the MaaS capability contract (spec.md §4.I).
type MaaS interface {
	ListMachines(ctx context.Context) ([]Machine, error)
	Commission(ctx context.Context, systemID string) (Machine, error)
	Get(ctx context.Context, systemID string) (Machine, error)
	Release(ctx context.Context, systemID string) error
	Tag(ctx context.Context, systemID string, tags []string) error
}

// ExecResult is the outcome of one SSH command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// SSHSession is one connected SSH session. Close is idempotent.
type SSHSession interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error)
	Close() error
}

// SSH is the SSH capability contract.
type SSH interface {
	Connect(ctx context.Context, host, user string, key []byte) (SSHSession, error)
}

// PowerState mirrors the Redfish/IPMI power states a BMC reports.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = "unknown"
)

// PowerAction is a command issued to a BMC.
type PowerAction string

const (
	PowerActionOn      PowerAction = "on"
	PowerActionOff     PowerAction = "off"
	PowerActionRestart PowerAction = "restart"
	PowerActionCycle   PowerAction = "cycle"
)

// FirmwareArtifact names one firmware update to apply.
type FirmwareArtifact struct {
	Component string // e.g. "bmc", "bios", "nic0"
	Version   string
	Locator   string // vendor-specific artifact reference
}

// FirmwareUpdateStatus reports the progress of one in-flight firmware update.
type FirmwareUpdateStatus struct {
	Component string
	Percent   int
	Done      bool
	Err       *Error
}

// Redfish is the Redfish capability contract (spec.md §4.I).
type Redfish interface {
	Power(ctx context.Context, action PowerAction) error
	PowerState(ctx context.Context) (PowerState, error)
	GetBIOSAttributes(ctx context.Context) (map[string]string, error)
	SetBIOSAttributes(ctx context.Context, attrs map[string]string) error
	CommitBIOS(ctx context.Context) error
	FirmwareInventory(ctx context.Context) ([]FirmwareArtifact, error)
	ApplyFirmware(ctx context.Context, artifact FirmwareArtifact) (<-chan FirmwareUpdateStatus, error)
	SystemInfo(ctx context.Context) (map[string]string, error)
	SetLED(ctx context.Context, on bool) error
}

// IPMI is the IPMI capability contract.
type IPMI interface {
	GetLAN(ctx context.Context, channel int) (map[string]string, error)
	SetLAN(ctx context.Context, channel int, settings map[string]string) error
	Power(ctx context.Context, action PowerAction) error
	SEL(ctx context.Context) ([]string, error)
}

// VendorTool is the vendor-specific capability contract (e.g. Supermicro's
// sumtool). ProbeVendorID returning "" with no error means "this host is
// not served by this vendor tool" -- the caller must treat that as skipped,
// never fatal (SPEC_FULL.md §13, Open Question decision 3).
type VendorTool interface {
	ProbeVendorID(ctx context.Context, target string) (string, error)
	PullBIOS(ctx context.Context, target string) ([]byte, error)
	PushBIOS(ctx context.Context, target string, blob []byte) error
	FirmwareUpdate(ctx context.Context, component string, artifact []byte, target string) error
}

// Registry is the set of capability adapters a Context borrows from; it
// never owns them (spec.md §3.3 Ownership).
type Registry struct {
	MaaS    MaaS
	SSH     SSH
	Redfish func(target string) (Redfish, error)
	IPMI    func(target string) (IPMI, error)
	Vendor  VendorTool
}
