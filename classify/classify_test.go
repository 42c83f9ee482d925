package classify_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalorch/metalorch/catalog"
	"github.com/metalorch/metalorch/classify"
	"github.com/metalorch/metalorch/pkg/model"
)

const testDoc = `
vendors:
  - id: supermicro
    displayName: Supermicro
    aliases: ["Super Micro Computer"]
    motherboards:
      - model: X11DPT-B
        deviceTypes:
          - id: a1.c5.large
            description: Large Xeon compute node
            spec: {cpuModel: "Intel Xeon 6258R", cores: 28, ramGiB: 256}
            boot: {order: ["pxe"], uefi: true}
      - model: X12DPi-N
        deviceTypes:
          - id: a1.c5.xlarge
            description: Larger Xeon compute node
            spec: {cpuModel: "Intel Xeon 8358", cores: 32, ramGiB: 512}
            boot: {order: ["pxe"], uefi: true}
  - id: hpe
    displayName: HPE
    aliases: ["Hewlett-Packard"]
    motherboards:
      - model: ProLiant-DL380
        deviceTypes:
          - id: hpe.dl380.large
            description: HPE compute node
            spec: {cpuModel: "Intel Xeon 6258R", cores: 28, ramGiB: 256}
            boot: {order: ["pxe"], uefi: true}
`

func load(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load(strings.NewReader(testDoc))
	require.NoError(t, err)
	return c
}

// Mirrors spec.md scenario S5: vendor and motherboard match, but the
// reported cpu model and core count don't match the catalog's record for
// this device type, so the score stops at vendor+motherboard (0.70) and
// lands in the medium bucket rather than high.
func TestClassifyVendorAndMotherboardMatch(t *testing.T) {
	c := load(t)
	facts := model.HardwareFacts{
		Manufacturer: "Supermicro",
		ProductName:  "X11DPT-B",
		CPUModel:     "AMD EPYC 7543",
		CPUCores:     32,
	}

	got := classify.Classify(facts, c)
	assert.Equal(t, "a1.c5.large", got.DeviceTypeID)
	assert.Equal(t, model.ConfidenceMedium, got.Confidence) // vendor+mb = 0.70
	assert.ElementsMatch(t, got.MatchedCriteria, []model.Criterion{model.CriterionVendor, model.CriterionMotherboard})
}

func TestClassifyNoVendorMatch(t *testing.T) {
	c := load(t)
	facts := model.HardwareFacts{Manufacturer: "Dell", ProductName: "PowerEdge R640"}

	got := classify.Classify(facts, c)
	assert.Equal(t, model.ConfidenceNone, got.Confidence)
	assert.Empty(t, got.DeviceTypeID)
	assert.Empty(t, got.MatchedCriteria)
}

func TestClassifyVendorAliasMatches(t *testing.T) {
	c := load(t)
	facts := model.HardwareFacts{Manufacturer: "Hewlett-Packard", ProductName: "ProLiant-DL380", CPUCores: 28}

	got := classify.Classify(facts, c)
	assert.Equal(t, "hpe.dl380.large", got.DeviceTypeID)
}

func TestClassifyPrefersMotherboardMatchOverCPUOnly(t *testing.T) {
	c := load(t)
	// a1.c5.large matches only on cpu model and cores (vendor+cpu+cores =
	// 0.70) while a1.c5.xlarge matches only on motherboard (vendor+mb =
	// 0.70). The motherboard match wins, even though the id tie-break alone
	// would pick a1.c5.large.
	facts := model.HardwareFacts{Manufacturer: "Supermicro", ProductName: "X12DPi-N", CPUModel: "Xeon 6258R", CPUCores: 28}

	got := classify.Classify(facts, c)
	assert.Equal(t, "a1.c5.xlarge", got.DeviceTypeID)
}

func TestClassifyDeterministic(t *testing.T) {
	c := load(t)
	facts := model.HardwareFacts{Manufacturer: "Supermicro", ProductName: "unknown-board", CPUModel: "Xeon 6258R", CPUCores: 28}

	first := classify.Classify(facts, c)
	second := classify.Classify(facts, c)
	assert.Equal(t, first, second)
}
