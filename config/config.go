// Package config defines metalorchd's flags and environment variables via
// github.com/peterbourgon/ff/v4, mirroring cmd/tinkerbell/flag's
// Set/Config wrapper so flags stay declarative and easy to group.
package config

import (
	"flag"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
)

// Entry names one flag/env-var pair.
type Entry struct {
	Name  string
	Usage string
}

// Set is a thin wrapper around *ff.FlagSet so Register calls read
// declaratively, the same indirection cmd/tinkerbell/flag.Set provides.
type Set struct {
	*ff.FlagSet
}

// Register adds fv under e's name, panicking on a duplicate registration
// the same way cmd/tinkerbell/flag.Set.Register does -- a duplicate flag
// name is a programming error, not a runtime condition to recover from.
func (s *Set) Register(e Entry, fv flag.Value) {
	if _, err := s.AddFlag(ff.FlagConfig{
		LongName: e.Name,
		Usage:    e.Usage,
		Value:    fv,
	}); err != nil {
		panic(err)
	}
}

// Config holds every setting metalorchd needs to start (spec.md §10.2):
// catalog source, history database path, MaaS endpoint, default credential
// references, vendor tool path, and manager lifecycle tuning. It has no
// Progress Bus address and no per-step timeout overrides.
type Config struct {
	LogLevel int

	CatalogPath string
	HistoryPath string

	MaaSEndpoint string
	MaaSAPIKey   string

	DefaultSSHUser string
	DefaultSSHKey  string
	DefaultBMCUser string
	DefaultBMCPass string

	VendorToolPath string

	ShutdownGrace   time.Duration
	CleanupInterval time.Duration
	CleanupMaxAge   time.Duration
}

// Default returns a Config seeded with the values metalorchd runs with
// when no flag or environment variable overrides them.
func Default() *Config {
	return &Config{
		LogLevel:        0,
		CatalogPath:     "/etc/metalorchd/catalog.yaml",
		HistoryPath:     "/var/lib/metalorchd/history.db",
		DefaultSSHUser:  "root",
		VendorToolPath:  "/usr/local/bin/sumtool",
		ShutdownGrace:   30 * time.Second,
		CleanupInterval: time.Hour,
		CleanupMaxAge:   24 * time.Hour,
	}
}

// Register binds every Config field to fs.
func Register(fs *Set, c *Config) {
	fs.Register(LogLevelEntry, ffval.NewValueDefault(&c.LogLevel, c.LogLevel))
	fs.Register(CatalogPathEntry, ffval.NewValueDefault(&c.CatalogPath, c.CatalogPath))
	fs.Register(HistoryPathEntry, ffval.NewValueDefault(&c.HistoryPath, c.HistoryPath))
	fs.Register(MaaSEndpointEntry, ffval.NewValueDefault(&c.MaaSEndpoint, c.MaaSEndpoint))
	fs.Register(MaaSAPIKeyEntry, ffval.NewValueDefault(&c.MaaSAPIKey, c.MaaSAPIKey))
	fs.Register(DefaultSSHUserEntry, ffval.NewValueDefault(&c.DefaultSSHUser, c.DefaultSSHUser))
	fs.Register(DefaultSSHKeyEntry, ffval.NewValueDefault(&c.DefaultSSHKey, c.DefaultSSHKey))
	fs.Register(DefaultBMCUserEntry, ffval.NewValueDefault(&c.DefaultBMCUser, c.DefaultBMCUser))
	fs.Register(DefaultBMCPassEntry, ffval.NewValueDefault(&c.DefaultBMCPass, c.DefaultBMCPass))
	fs.Register(VendorToolPathEntry, ffval.NewValueDefault(&c.VendorToolPath, c.VendorToolPath))
	fs.Register(ShutdownGraceEntry, ffval.NewValueDefault(&c.ShutdownGrace, c.ShutdownGrace))
	fs.Register(CleanupIntervalEntry, ffval.NewValueDefault(&c.CleanupInterval, c.CleanupInterval))
	fs.Register(CleanupMaxAgeEntry, ffval.NewValueDefault(&c.CleanupMaxAge, c.CleanupMaxAge))
}

var LogLevelEntry = Entry{Name: "log-level", Usage: "the higher the number the more verbose"}

var CatalogPathEntry = Entry{Name: "catalog-path", Usage: "path to the device catalog YAML document"}

var HistoryPathEntry = Entry{Name: "history-path", Usage: "path to the bbolt history database file"}

var MaaSEndpointEntry = Entry{Name: "maas-endpoint", Usage: "base URL of the MaaS API"}

var MaaSAPIKeyEntry = Entry{Name: "maas-api-key", Usage: "MaaS API key (consumer:token:secret)"}

var DefaultSSHUserEntry = Entry{Name: "default-ssh-user", Usage: "SSH user used to reach commissioned hosts when a workflow doesn't override it"}

var DefaultSSHKeyEntry = Entry{Name: "default-ssh-key-path", Usage: "path to the default SSH private key"}

var DefaultBMCUserEntry = Entry{Name: "default-bmc-user", Usage: "default BMC/IPMI username"}

var DefaultBMCPassEntry = Entry{Name: "default-bmc-pass", Usage: "default BMC/IPMI password"}

var VendorToolPathEntry = Entry{Name: "vendor-tool-path", Usage: "path to the vendor BIOS/firmware tool binary (e.g. sumtool)"}

var ShutdownGraceEntry = Entry{Name: "shutdown-grace", Usage: "how long to wait for in-flight workflows to finish during shutdown before force-finalizing them"}

var CleanupIntervalEntry = Entry{Name: "cleanup-interval", Usage: "how often the manager sweeps terminal workflows out of its live map"}

var CleanupMaxAgeEntry = Entry{Name: "cleanup-max-age", Usage: "how long a terminal workflow stays in the live map before cleanup drops it"}
