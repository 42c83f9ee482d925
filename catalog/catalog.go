// Package catalog parses and serves the unified vendor/motherboard/
// device-type database (spec.md §4.A, component A). A Catalog is an
// immutable snapshot: readers never take a lock because Reload swaps the
// pointer atomically rather than mutating shared state in place, mirroring
// how the teacher's controllers always operate on a DeepCopy rather than a
// live object (tink/controller/internal/workflow/reconciler.go).
package catalog

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"gopkg.in/yaml.v3"

	"github.com/metalorch/metalorch/pkg/model"
)

// Catalog is an immutable, indexed view over a loaded catalog document.
type Catalog struct {
	revision int64

	vendors      map[string]model.Vendor
	motherboards map[string]model.Motherboard // keyed by "vendorID/model"
	deviceTypes  map[string]model.DeviceType
	orderedIDs   []string

	templates map[string]*template.Template
}

// Revision is a monotonically increasing id assigned at Load/Reload time,
// used to log which snapshot an in-flight workflow captured.
func (c *Catalog) Revision() int64 { return c.revision }

// Load parses a catalog document from src and builds an indexed, immutable
// Catalog. It fails with *ConfigInvalidError on duplicate device-type ids,
// dangling vendor/motherboard references, or malformed YAML.
func Load(src io.Reader) (*Catalog, error) {
	raw, err := io.ReadAll(src)
	if err != nil {
		return nil, &ConfigInvalidError{Reason: fmt.Sprintf("read source: %v", err)}
	}

	var doc model.Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &ConfigInvalidError{Reason: fmt.Sprintf("parse yaml: %v", err)}
	}

	return build(&doc)
}

func build(doc *model.Document) (*Catalog, error) {
	c := &Catalog{
		vendors:      map[string]model.Vendor{},
		motherboards: map[string]model.Motherboard{},
		deviceTypes:  map[string]model.DeviceType{},
		templates:    map[string]*template.Template{},
	}

	for _, vdoc := range doc.Vendors {
		if vdoc.ID == "" {
			return nil, &ConfigInvalidError{Reason: "vendor with empty id"}
		}
		if _, exists := c.vendors[vdoc.ID]; exists {
			return nil, &ConfigInvalidError{Reason: fmt.Sprintf("duplicate vendor id %q", vdoc.ID)}
		}
		c.vendors[vdoc.ID] = model.Vendor{
			ID:               vdoc.ID,
			DisplayName:      vdoc.DisplayName,
			Aliases:          vdoc.Aliases,
			FirmwareDefaults: vdoc.FirmwareDefaults,
		}

		for _, mdoc := range vdoc.Motherboards {
			if mdoc.Model == "" {
				return nil, &ConfigInvalidError{Reason: fmt.Sprintf("vendor %q: motherboard with empty model", vdoc.ID)}
			}
			mbKey := motherboardKey(vdoc.ID, mdoc.Model)
			if _, exists := c.motherboards[mbKey]; exists {
				return nil, &ConfigInvalidError{Reason: fmt.Sprintf("duplicate motherboard %q for vendor %q", mdoc.Model, vdoc.ID)}
			}

			mb := model.Motherboard{
				Model:       mdoc.Model,
				VendorID:    vdoc.ID,
				Firmware:    mdoc.Firmware,
				DeviceTypes: mdoc.DeviceTypes,
			}

			for i, dt := range mdoc.DeviceTypes {
				if dt.ID == "" {
					return nil, &ConfigInvalidError{Reason: fmt.Sprintf("vendor %q motherboard %q: device type with empty id", vdoc.ID, mdoc.Model)}
				}
				if _, exists := c.deviceTypes[dt.ID]; exists {
					return nil, &ConfigInvalidError{Reason: fmt.Sprintf("duplicate device type id %q", dt.ID)}
				}
				dt.VendorID = vdoc.ID
				dt.MotherboardModel = mdoc.Model
				mb.DeviceTypes[i] = dt
				c.deviceTypes[dt.ID] = dt
				c.orderedIDs = append(c.orderedIDs, dt.ID)
			}

			c.motherboards[mbKey] = mb
		}
	}

	sort.Strings(c.orderedIDs)

	for _, tdoc := range doc.Templates {
		if tdoc.Name == "" {
			return nil, &ConfigInvalidError{Reason: "template with empty name"}
		}
		tmpl, err := template.New(tdoc.Name).Funcs(sprig.TxtFuncMap()).Parse(tdoc.Body)
		if err != nil {
			return nil, &ConfigInvalidError{Reason: fmt.Sprintf("template %q: %v", tdoc.Name, err)}
		}
		c.templates[tdoc.Name] = tmpl
	}

	// A BIOS template reference that never resolves is a load-time warning,
	// not a failure (spec.md §3.1) -- it only becomes an error once a
	// workflow step actually needs the template (see RenderBIOSTemplate).

	return c, nil
}

func motherboardKey(vendorID, model string) string {
	return vendorID + "/" + model
}

// Reload parses src into a new Catalog, carrying the prior revision forward
// so callers can log the transition (supplemented feature, SPEC_FULL.md §12).
func Reload(prior *Catalog, src io.Reader) (*Catalog, error) {
	next, err := Load(src)
	if err != nil {
		return nil, err
	}
	base := int64(0)
	if prior != nil {
		base = prior.revision
	}
	next.revision = base + 1
	return next, nil
}

// ListDeviceTypes returns all device types in stable (lexicographic id) order.
func (c *Catalog) ListDeviceTypes() []model.DeviceType {
	out := make([]model.DeviceType, 0, len(c.orderedIDs))
	for _, id := range c.orderedIDs {
		out = append(out, c.deviceTypes[id])
	}
	return out
}

// GetDeviceType resolves a device type by its globally unique id.
func (c *Catalog) GetDeviceType(id string) (model.DeviceType, error) {
	dt, ok := c.deviceTypes[id]
	if !ok {
		return model.DeviceType{}, &NotFoundError{Kind: "device_type", Key: id}
	}
	return dt, nil
}

// GetVendor resolves a vendor by id.
func (c *Catalog) GetVendor(id string) (model.Vendor, error) {
	v, ok := c.vendors[id]
	if !ok {
		return model.Vendor{}, &NotFoundError{Kind: "vendor", Key: id}
	}
	return v, nil
}

// ListVendors returns all known vendors in id order.
func (c *Catalog) ListVendors() []model.Vendor {
	ids := make([]string, 0, len(c.vendors))
	for id := range c.vendors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.Vendor, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.vendors[id])
	}
	return out
}

// ByVendor returns every device type owned, directly or transitively, by vendorID.
func (c *Catalog) ByVendor(vendorID string) []model.DeviceType {
	var out []model.DeviceType
	for _, id := range c.orderedIDs {
		dt := c.deviceTypes[id]
		if dt.VendorID == vendorID {
			out = append(out, dt)
		}
	}
	return out
}

// ByMotherboard returns the device types for a given vendor/motherboard pair.
func (c *Catalog) ByMotherboard(vendorID, model string) []model.DeviceType {
	mb, ok := c.motherboards[motherboardKey(vendorID, model)]
	if !ok {
		return nil
	}
	out := make([]model.DeviceType, len(mb.DeviceTypes))
	copy(out, mb.DeviceTypes)
	return out
}

// Search performs a case-insensitive substring match across description and
// hardware-spec fields (spec.md §4.A).
func (c *Catalog) Search(substring string) []model.DeviceType {
	needle := strings.ToLower(substring)
	var out []model.DeviceType
	for _, id := range c.orderedIDs {
		dt := c.deviceTypes[id]
		haystack := strings.ToLower(strings.Join([]string{
			dt.Description, dt.Spec.CPUModel, dt.ID,
		}, " "))
		if strings.Contains(haystack, needle) {
			out = append(out, dt)
		}
	}
	return out
}

// FirmwareMethods returns the per-component firmware update method for a
// device type, with motherboard-specific entries overriding vendor defaults
// (spec.md §4.A).
func (c *Catalog) FirmwareMethods(deviceTypeID string) (map[string]model.FirmwareMethod, error) {
	dt, err := c.GetDeviceType(deviceTypeID)
	if err != nil {
		return nil, err
	}
	vendor, err := c.GetVendor(dt.VendorID)
	if err != nil {
		return nil, err
	}
	mb, ok := c.motherboards[motherboardKey(dt.VendorID, dt.MotherboardModel)]
	if !ok {
		return nil, &NotFoundError{Kind: "motherboard", Key: dt.MotherboardModel}
	}

	out := map[string]model.FirmwareMethod{}
	for component, method := range vendor.FirmwareDefaults {
		out[component] = method
	}
	for component, track := range mb.Firmware {
		out[component] = track.Method
	}
	return out, nil
}

// FirmwareTracks returns the motherboard-level per-component firmware
// tracking data (latest known version, method, artifact locator) for a
// device type's owning motherboard.
func (c *Catalog) FirmwareTracks(deviceTypeID string) (map[string]model.FirmwareTrack, error) {
	dt, err := c.GetDeviceType(deviceTypeID)
	if err != nil {
		return nil, err
	}
	mb, ok := c.motherboards[motherboardKey(dt.VendorID, dt.MotherboardModel)]
	if !ok {
		return nil, &NotFoundError{Kind: "motherboard", Key: dt.MotherboardModel}
	}
	return mb.Firmware, nil
}

// RenderBIOSTemplate renders the named BIOS template against data. An
// unresolved template is a load-time warning (spec.md §3.1) that becomes an
// error only here, when a workflow step actually needs it.
func (c *Catalog) RenderBIOSTemplate(name string, data map[string]any, w io.Writer) error {
	tmpl, ok := c.templates[name]
	if !ok {
		return &NotFoundError{Kind: "bios_template", Key: name}
	}
	return tmpl.Execute(w, data)
}

// AtomicCatalog is a lock-free holder for the currently active Catalog
// snapshot, swapped by Reload (spec.md §3.1 "replaces the catalog atomically").
type AtomicCatalog struct {
	ptr atomic.Pointer[Catalog]
}

// NewAtomicCatalog wraps an initial snapshot.
func NewAtomicCatalog(initial *Catalog) *AtomicCatalog {
	a := &AtomicCatalog{}
	a.ptr.Store(initial)
	return a
}

// Load returns the currently active snapshot.
func (a *AtomicCatalog) Load() *Catalog { return a.ptr.Load() }

// Store atomically swaps in a new snapshot. In-flight workflows that already
// captured the old *Catalog continue to see it; Load always old-or-new,
// never torn.
func (a *AtomicCatalog) Store(next *Catalog) { a.ptr.Store(next) }
