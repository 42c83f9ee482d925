// Package fake provides in-memory capability adapters for deterministic
// Step Library and Workflow Engine tests, the same role the teacher's
// job.Mock plays for smee (smee/job/mock.go): minimal scripted state,
// settable by the test, with no real transport underneath.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/metalorch/metalorch/capability"
)

// Script lets a test pre-program the Nth call to a named operation to fail
// with a specific error; all other calls succeed.
type Script struct {
	mu       sync.Mutex
	failures map[string]map[int]*capability.Error // op -> attempt -> error
	calls    map[string]int
}

// NewScript returns an empty script where everything succeeds by default.
func NewScript() *Script {
	return &Script{failures: map[string]map[int]*capability.Error{}, calls: map[string]int{}}
}

// FailOnAttempt schedules op's call number attempt (1-indexed) to fail with err.
func (s *Script) FailOnAttempt(op string, attempt int, err *capability.Error) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[op] == nil {
		s.failures[op] = map[int]*capability.Error{}
	}
	s.failures[op][attempt] = err
	return s
}

// Check records a call to op and returns the scripted error for this
// attempt number, if any.
func (s *Script) Check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if err, ok := s.failures[op][s.calls[op]]; ok {
		return err
	}
	return nil
}

// Attempts returns how many times op has been called.
func (s *Script) Attempts(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// MaaS is a scripted in-memory MaaS adapter.
type MaaS struct {
	Script    *Script
	mu        sync.Mutex
	machines  map[string]capability.Machine
}

// NewMaaS seeds the fake with one machine in the NEW state.
func NewMaaS(script *Script, systemID string) *MaaS {
	return &MaaS{
		Script: script,
		machines: map[string]capability.Machine{
			systemID: {SystemID: systemID, State: "NEW"},
		},
	}
}

func (m *MaaS) ListMachines(context.Context) ([]capability.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []capability.Machine
	for _, mach := range m.machines {
		out = append(out, mach)
	}
	return out, nil
}

func (m *MaaS) Commission(ctx context.Context, systemID string) (capability.Machine, error) {
	if err := m.Script.Check("maas.commission"); err != nil {
		return capability.Machine{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mach, ok := m.machines[systemID]
	if !ok {
		return capability.Machine{}, &capability.Error{Kind: capability.KindNotFound, Detail: systemID}
	}
	mach.State = "COMMISSIONED"
	mach.IP = "192.0.2.10"
	m.machines[systemID] = mach
	return mach, nil
}

func (m *MaaS) Get(ctx context.Context, systemID string) (capability.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mach, ok := m.machines[systemID]
	if !ok {
		return capability.Machine{}, &capability.Error{Kind: capability.KindNotFound, Detail: systemID}
	}
	return mach, nil
}

func (m *MaaS) Release(ctx context.Context, systemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.machines, systemID)
	return nil
}

func (m *MaaS) Tag(ctx context.Context, systemID string, tags []string) error {
	if err := m.Script.Check("maas.tag"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mach, ok := m.machines[systemID]
	if !ok {
		return &capability.Error{Kind: capability.KindNotFound, Detail: systemID}
	}
	mach.Tags = append(mach.Tags, tags...)
	m.machines[systemID] = mach
	return nil
}

// SSH is a scripted in-memory SSH adapter; Exec responses are keyed by the
// literal command string a test expects the step to run.
type SSH struct {
	Script    *Script
	Responses map[string]capability.ExecResult
}

func NewSSH(script *Script) *SSH {
	return &SSH{Script: script, Responses: map[string]capability.ExecResult{}}
}

func (s *SSH) Connect(ctx context.Context, host, user string, key []byte) (capability.SSHSession, error) {
	if err := s.Script.Check("ssh.connect"); err != nil {
		return nil, err
	}
	return &sshSession{owner: s}, nil
}

type sshSession struct {
	owner  *SSH
	closed bool
}

func (s *sshSession) Exec(ctx context.Context, cmd string, timeout time.Duration) (capability.ExecResult, error) {
	if err := s.owner.Script.Check("ssh.exec:" + cmd); err != nil {
		return capability.ExecResult{}, err
	}
	if res, ok := s.owner.Responses[cmd]; ok {
		return res, nil
	}
	return capability.ExecResult{Stdout: "", ExitCode: 0}, nil
}

func (s *sshSession) Close() error {
	s.closed = true
	return nil
}

// Redfish is a scripted in-memory Redfish/IPMI adapter.
type Redfish struct {
	Script    *Script
	BIOS      map[string]string
	Inventory []capability.FirmwareArtifact
	power     capability.PowerState
}

func NewRedfish(script *Script) *Redfish {
	return &Redfish{Script: script, BIOS: map[string]string{}, power: capability.PowerOff}
}

func (r *Redfish) Power(ctx context.Context, action capability.PowerAction) error {
	if err := r.Script.Check("redfish.power"); err != nil {
		return err
	}
	switch action {
	case capability.PowerActionOn, capability.PowerActionCycle, capability.PowerActionRestart:
		r.power = capability.PowerOn
	case capability.PowerActionOff:
		r.power = capability.PowerOff
	}
	return nil
}

func (r *Redfish) PowerState(ctx context.Context) (capability.PowerState, error) {
	return r.power, nil
}

func (r *Redfish) GetBIOSAttributes(ctx context.Context) (map[string]string, error) {
	if err := r.Script.Check("redfish.get_bios"); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(r.BIOS))
	for k, v := range r.BIOS {
		out[k] = v
	}
	return out, nil
}

func (r *Redfish) SetBIOSAttributes(ctx context.Context, attrs map[string]string) error {
	if err := r.Script.Check("redfish.set_bios"); err != nil {
		return err
	}
	for k, v := range attrs {
		r.BIOS[k] = v
	}
	return nil
}

func (r *Redfish) CommitBIOS(ctx context.Context) error {
	return r.Script.Check("redfish.commit_bios")
}

func (r *Redfish) FirmwareInventory(ctx context.Context) ([]capability.FirmwareArtifact, error) {
	if err := r.Script.Check("redfish.inventory"); err != nil {
		return nil, err
	}
	return r.Inventory, nil
}

func (r *Redfish) ApplyFirmware(ctx context.Context, artifact capability.FirmwareArtifact) (<-chan capability.FirmwareUpdateStatus, error) {
	if err := r.Script.Check("redfish.apply_firmware:" + artifact.Component); err != nil {
		return nil, err
	}
	ch := make(chan capability.FirmwareUpdateStatus, 1)
	ch <- capability.FirmwareUpdateStatus{Component: artifact.Component, Done: true, Percent: 100}
	close(ch)
	return ch, nil
}

func (r *Redfish) SystemInfo(ctx context.Context) (map[string]string, error) {
	return map[string]string{"mock": "true"}, nil
}

func (r *Redfish) SetLED(ctx context.Context, on bool) error {
	return nil
}

func (r *Redfish) GetLAN(ctx context.Context, channel int) (map[string]string, error) {
	return map[string]string{"ipaddr": "192.0.2.10"}, nil
}

func (r *Redfish) SetLAN(ctx context.Context, channel int, settings map[string]string) error {
	if err := r.Script.Check("ipmi.set_lan"); err != nil {
		return err
	}
	return nil
}

func (r *Redfish) SEL(ctx context.Context) ([]string, error) {
	return nil, nil
}

// VendorTool is a scripted in-memory vendor-tool adapter.
type VendorTool struct {
	Script   *Script
	VendorID string // "" means this target is not served by this vendor tool
	BIOS     []byte
}

func (v *VendorTool) ProbeVendorID(ctx context.Context, target string) (string, error) {
	if err := v.Script.Check("vendortool.probe"); err != nil {
		return "", err
	}
	return v.VendorID, nil
}

func (v *VendorTool) PullBIOS(ctx context.Context, target string) ([]byte, error) {
	if err := v.Script.Check("vendortool.pull_bios"); err != nil {
		return nil, err
	}
	return v.BIOS, nil
}

func (v *VendorTool) PushBIOS(ctx context.Context, target string, blob []byte) error {
	if err := v.Script.Check("vendortool.push_bios"); err != nil {
		return err
	}
	v.BIOS = blob
	return nil
}

func (v *VendorTool) FirmwareUpdate(ctx context.Context, component string, artifact []byte, target string) error {
	return v.Script.Check(fmt.Sprintf("vendortool.firmware_update:%s", component))
}

// Registry builds a capability.Registry wired entirely to fakes sharing one Script.
func Registry(script *Script, systemID string) (*capability.Registry, *MaaS, *SSH, *Redfish, *VendorTool) {
	maas := NewMaaS(script, systemID)
	ssh := NewSSH(script)
	redfish := NewRedfish(script)
	vendor := &VendorTool{Script: script}

	reg := &capability.Registry{
		MaaS: maas,
		SSH:  ssh,
		Redfish: func(string) (capability.Redfish, error) {
			return redfish, nil
		},
		IPMI: func(string) (capability.IPMI, error) {
			return redfish, nil
		},
		Vendor: vendor,
	}
	return reg, maas, ssh, redfish, vendor
}
