package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/metalorch/metalorch/capability"
	"github.com/metalorch/metalorch/catalog"
	"github.com/metalorch/metalorch/config"
	"github.com/metalorch/metalorch/engine"
	"github.com/metalorch/metalorch/history"
	"github.com/metalorch/metalorch/manager"
	"github.com/metalorch/metalorch/progress"
)

// Execute parses args, brings up every core component (spec.md §4 A-I),
// reconciles history left over from a prior process, and blocks until ctx
// is cancelled, at which point the Manager is given its shutdown grace
// period before this returns.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Default()

	fs := ff.NewFlagSet("metalorchd")
	config.Register(&config.Set{FlagSet: fs}, cfg)

	cli := &ff.Command{
		Name:     "metalorchd",
		Usage:    "metalorchd [flags]",
		LongHelp: "Bare-metal server provisioning orchestrator daemon.",
		Flags:    fs,
	}

	if err := cli.Parse(args, ff.WithEnvVarPrefix("METALORCHD")); err != nil {
		e := errors.New(ffhelp.Command(cli).String())
		if !errors.Is(err, ff.ErrHelp) {
			e = fmt.Errorf("%w\n%s", e, err)
		}
		return e
	}

	log := getLogger(cfg.LogLevel)
	log.Info("starting metalorchd", "catalog_path", cfg.CatalogPath, "history_path", cfg.HistoryPath)

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	atomicCat := catalog.NewAtomicCatalog(cat)

	hist, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer hist.Close() //nolint:errcheck // best-effort on shutdown path, already logged below

	// Invariant 8 (spec.md §8): any row still RUNNING from a prior process
	// must be force-failed before the Manager accepts new work.
	reconciled, err := hist.ReconcileRestart(time.Now())
	if err != nil {
		return fmt.Errorf("reconcile history on restart: %w", err)
	}
	if reconciled > 0 {
		log.Info("reconciled stale running workflows from a prior process", "count", reconciled)
	}

	bus, err := progress.New(log.WithName("progress"))
	if err != nil {
		return fmt.Errorf("start progress bus: %w", err)
	}
	defer bus.Close()

	reg := buildRegistry(cfg, log)

	eng := engine.New(bus, hist, log.WithName("engine"))

	mgr := manager.New(eng, atomicCat, reg, log.WithName("manager"),
		manager.WithShutdownGrace(cfg.ShutdownGrace),
		manager.WithCleanup(cfg.CleanupInterval, cfg.CleanupMaxAge),
	)

	<-ctx.Done()
	log.Info("shutdown signal received, draining in-flight workflows", "grace", cfg.ShutdownGrace)
	mgr.Shutdown()

	return nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return catalog.Load(f)
}

// buildRegistry wires the real capability adapters (spec.md §4.I): an HTTP
// MaaS client, an SSH dialer, per-target bmclib-backed Redfish, per-target
// ipmitool-backed IPMI, and a sumtool-over-SSH vendor tool.
func buildRegistry(cfg *config.Config, log logr.Logger) *capability.Registry {
	maas := &capability.MaaSClient{BaseURL: cfg.MaaSEndpoint, APIKey: cfg.MaaSAPIKey}
	ssh := capability.SSHDialer{DialTimeout: 30 * time.Second}

	var sshKey []byte
	if cfg.DefaultSSHKey != "" {
		key, err := os.ReadFile(cfg.DefaultSSHKey)
		if err != nil {
			log.Error(err, "read default ssh key", "path", cfg.DefaultSSHKey)
		} else {
			sshKey = key
		}
	}

	bmcOpts := capability.BMCOptions{Username: cfg.DefaultBMCUser, Password: cfg.DefaultBMCPass}

	return &capability.Registry{
		MaaS: maas,
		SSH:  ssh,
		Redfish: func(target string) (capability.Redfish, error) {
			redfish, _, err := capability.DialBMC(context.Background(), log.WithName("bmc"), target, bmcOpts)
			return redfish, err
		},
		IPMI: func(target string) (capability.IPMI, error) {
			return capability.IPMITool{Target: target, Username: cfg.DefaultBMCUser, Password: cfg.DefaultBMCPass}, nil
		},
		Vendor: capability.SumtoolVendorTool{
			SSH:         ssh,
			User:        cfg.DefaultSSHUser,
			Key:         sshKey,
			InstallPath: cfg.VendorToolPath,
		},
	}
}
