package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ccoveille/go-safecast/v2"
)

// IPMITool drives raw `ipmitool` invocations for LAN configuration and SEL
// retrieval that bmclib's high-level client does not expose directly
// (complements bmclibAdapter in bmc.go for Power).
type IPMITool struct {
	Target   string
	Username string
	Password string
	BinPath  string // defaults to "ipmitool" on PATH
}

func (t IPMITool) bin() string {
	if t.BinPath != "" {
		return t.BinPath
	}
	return "ipmitool"
}

func (t IPMITool) baseArgs() []string {
	return []string{"-I", "lanplus", "-H", t.Target, "-U", t.Username, "-P", t.Password}
}

func (t IPMITool) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, t.bin(), append(t.baseArgs(), args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return "", &Error{Kind: KindNotFound, Detail: "ipmitool binary not found on PATH"}
		}
		return "", &Error{Kind: KindTransientNetwork, Detail: fmt.Sprintf("%s: %s", err, stderr.String())}
	}
	return stdout.String(), nil
}

func (t IPMITool) GetLAN(ctx context.Context, channel int) (map[string]string, error) {
	ch, err := safecast.Convert[uint8](channel)
	if err != nil {
		return nil, &Error{Kind: KindConflict, Detail: fmt.Sprintf("invalid channel %d: %v", channel, err)}
	}
	out, err := t.run(ctx, "lan", "print", fmt.Sprint(ch))
	if err != nil {
		return nil, err
	}
	return parseLANPrint(out), nil
}

func parseLANPrint(out string) map[string]string {
	settings := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		settings[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return settings
}

func (t IPMITool) SetLAN(ctx context.Context, channel int, settings map[string]string) error {
	ch, err := safecast.Convert[uint8](channel)
	if err != nil {
		return &Error{Kind: KindConflict, Detail: fmt.Sprintf("invalid channel %d: %v", channel, err)}
	}
	for key, value := range settings {
		if _, err := t.run(ctx, "lan", "set", fmt.Sprint(ch), key, value); err != nil {
			return err
		}
	}
	return nil
}

func (t IPMITool) Power(ctx context.Context, action PowerAction) error {
	var cmd string
	switch action {
	case PowerActionOn:
		cmd = "on"
	case PowerActionOff:
		cmd = "off"
	case PowerActionRestart:
		cmd = "reset"
	case PowerActionCycle:
		cmd = "cycle"
	default:
		return &Error{Kind: KindConflict, Detail: fmt.Sprintf("unknown power action %q", action)}
	}
	_, err := t.run(ctx, "power", cmd)
	return err
}

func (t IPMITool) SEL(ctx context.Context) ([]string, error) {
	out, err := t.run(ctx, "sel", "list")
	if err != nil {
		return nil, err
	}
	var entries []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			entries = append(entries, line)
		}
	}
	return entries, nil
}
