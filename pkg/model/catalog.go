// Package model holds the value types shared across the catalog, classifier,
// workflow engine, and history store. Keeping them in one leaf package
// avoids import cycles between components that all need to describe the
// same device.
package model

// Vendor is a hardware vendor known to the catalog.
type Vendor struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"displayName" json:"displayName"`
	Aliases     []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	// FirmwareDefaults maps a firmware component name (e.g. "bmc", "bios")
	// to the method used to update it absent a motherboard-specific override.
	FirmwareDefaults map[string]FirmwareMethod `yaml:"firmwareDefaults,omitempty" json:"firmwareDefaults,omitempty"`
}

// Motherboard belongs to exactly one Vendor.
type Motherboard struct {
	Model       string                   `yaml:"model" json:"model"`
	VendorID    string                   `yaml:"vendorId" json:"vendorId"`
	Firmware    map[string]FirmwareTrack `yaml:"firmware,omitempty" json:"firmware,omitempty"`
	DeviceTypes []DeviceType             `yaml:"deviceTypes" json:"deviceTypes"`
}

// FirmwareTrack is what the catalog knows about a single firmware component
// (BMC, BIOS, NIC, ...) on a motherboard.
type FirmwareTrack struct {
	LatestVersion  string         `yaml:"latestVersion" json:"latestVersion"`
	Method         FirmwareMethod `yaml:"method" json:"method"`
	ArtifactLocator string        `yaml:"artifactLocator" json:"artifactLocator"`
}

// FirmwareMethod names how a firmware component is updated.
type FirmwareMethod struct {
	Tag  string `yaml:"tag" json:"tag"` // e.g. "redfish-multipart", "vendortool", "ipmi"
	Tool string `yaml:"tool,omitempty" json:"tool,omitempty"`
}

// DeviceType is a vendor/motherboard/SKU triple, globally unique by ID.
type DeviceType struct {
	ID                 string      `yaml:"id" json:"id"`
	Description        string      `yaml:"description" json:"description"`
	Spec               HardwareSpec `yaml:"spec" json:"spec"`
	Boot               BootConfig   `yaml:"boot" json:"boot"`
	BIOSTemplate       string       `yaml:"biosTemplate" json:"biosTemplate"`
	PreserveSettings   []string     `yaml:"preserveSettings,omitempty" json:"preserveSettings,omitempty"`

	// Populated at load time; not part of the source document.
	MotherboardModel string `yaml:"-" json:"-"`
	VendorID         string `yaml:"-" json:"-"`
}

// HardwareSpec is the nominal hardware configuration for a DeviceType.
type HardwareSpec struct {
	CPUModel string `yaml:"cpuModel" json:"cpuModel"`
	Cores    int    `yaml:"cores" json:"cores"`
	RAMGiB   int    `yaml:"ramGiB" json:"ramGiB"`
}

// BootConfig describes the boot order / mode a DeviceType expects.
type BootConfig struct {
	Order []string `yaml:"order" json:"order"`
	UEFI  bool     `yaml:"uefi" json:"uefi"`
}

// Document is the on-disk shape of the catalog source (§6.6): vendors ->
// motherboards -> device types.
type Document struct {
	Vendors   []VendorDocument   `yaml:"vendors" json:"vendors"`
	Templates []TemplateDocument `yaml:"templates,omitempty" json:"templates,omitempty"`
}

type VendorDocument struct {
	ID               string                    `yaml:"id" json:"id"`
	DisplayName      string                    `yaml:"displayName" json:"displayName"`
	Aliases          []string                  `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	FirmwareDefaults map[string]FirmwareMethod `yaml:"firmwareDefaults,omitempty" json:"firmwareDefaults,omitempty"`
	Motherboards     []MotherboardDocument     `yaml:"motherboards" json:"motherboards"`
}

type MotherboardDocument struct {
	Model       string                   `yaml:"model" json:"model"`
	Firmware    map[string]FirmwareTrack `yaml:"firmware,omitempty" json:"firmware,omitempty"`
	DeviceTypes []DeviceType             `yaml:"deviceTypes" json:"deviceTypes"`
}
