package capability

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// SumtoolVendorTool drives Supermicro's sumtool over an SSH session,
// installing it on first use if missing (spec.md §9 "import-time
// installation of vendor tools" redesign flag: installation moves inside
// the adapter and is invoked lazily, not at process start).
type SumtoolVendorTool struct {
	SSH         SSH
	User        string
	Key         []byte
	InstallPath string // remote path sumtool is installed to; defaults to /opt/sumtool/sum
}

func (v SumtoolVendorTool) binPath() string {
	if v.InstallPath != "" {
		return v.InstallPath
	}
	return "/opt/sumtool/sum"
}

func (v SumtoolVendorTool) session(ctx context.Context, target string) (SSHSession, error) {
	return v.SSH.Connect(ctx, target, v.User, v.Key)
}

// ProbeVendorID reports "supermicro" when sumtool is present or can be
// installed, and "" with no error when the target is plainly not a
// Supermicro host -- a probe mismatch is `skipped`, never `fatal`
// (SPEC_FULL.md §13, Open Question decision 3).
func (v SumtoolVendorTool) ProbeVendorID(ctx context.Context, target string) (string, error) {
	sess, err := v.session(ctx, target)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	res, err := sess.Exec(ctx, fmt.Sprintf("test -x %s || dmidecode -s system-manufacturer", v.binPath()), 30*time.Second)
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 && strings.TrimSpace(res.Stdout) == "" {
		// sumtool already present; binPath's `test -x` succeeded and the
		// fallback dmidecode never ran.
		return "supermicro", nil
	}
	if strings.Contains(strings.ToLower(res.Stdout), "supermicro") {
		if err := v.install(ctx, sess); err != nil {
			return "", err
		}
		return "supermicro", nil
	}
	return "", nil
}

func (v SumtoolVendorTool) install(ctx context.Context, sess SSHSession) error {
	res, err := sess.Exec(ctx, fmt.Sprintf("test -x %s", v.binPath()), 10*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil // already installed; idempotent no-op
	}

	res, err = sess.Exec(ctx, v.installCommand(), 2*time.Minute)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &Error{Kind: KindVendorToolBusy, Detail: "sumtool install failed: " + res.Stderr}
	}
	return nil
}

func (v SumtoolVendorTool) installCommand() string {
	return fmt.Sprintf("mkdir -p %s && curl -fsSL https://vendor-artifacts.internal/sumtool/latest -o %s && chmod +x %s",
		dirOf(v.binPath()), v.binPath(), v.binPath())
}

func dirOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "."
	}
	return path[:idx]
}

func (v SumtoolVendorTool) PullBIOS(ctx context.Context, target string) ([]byte, error) {
	sess, err := v.session(ctx, target)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := v.install(ctx, sess); err != nil {
		return nil, err
	}

	res, err := sess.Exec(ctx, fmt.Sprintf("%s -c GetCurrentBiosCfg -o - | base64", v.binPath()), time.Minute)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &Error{Kind: KindVendorToolBusy, Detail: "sumtool pull failed: " + res.Stderr}
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(res.Stdout))
	if err != nil {
		return nil, &Error{Kind: KindIntegrityFailure, Detail: "decode sumtool output: " + err.Error()}
	}
	return blob, nil
}

func (v SumtoolVendorTool) PushBIOS(ctx context.Context, target string, blob []byte) error {
	sess, err := v.session(ctx, target)
	if err != nil {
		return err
	}
	defer sess.Close()

	encoded := base64.StdEncoding.EncodeToString(blob)
	cmd := fmt.Sprintf("echo %s | base64 -d > /tmp/bios-target.cfg && %s -c ChangeBiosCfg -i /tmp/bios-target.cfg", encoded, v.binPath())
	res, err := sess.Exec(ctx, cmd, 2*time.Minute)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &Error{Kind: KindVendorToolBusy, Detail: "sumtool push failed: " + res.Stderr}
	}
	return nil
}

func (v SumtoolVendorTool) FirmwareUpdate(ctx context.Context, component string, artifact []byte, target string) error {
	sess, err := v.session(ctx, target)
	if err != nil {
		return err
	}
	defer sess.Close()

	encoded := base64.StdEncoding.EncodeToString(artifact)
	cmd := fmt.Sprintf("echo %s | base64 -d > /tmp/%s.bin && %s -c UpdateFw --component %s --file /tmp/%s.bin",
		encoded, component, v.binPath(), component, component)
	res, err := sess.Exec(ctx, cmd, 5*time.Minute)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &Error{Kind: KindIntegrityFailure, Detail: "sumtool firmware update failed: " + res.Stderr}
	}
	return nil
}
