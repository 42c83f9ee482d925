// Package classify scores raw hardware facts against a Catalog snapshot to
// infer a device type with a confidence level (spec.md §4.B, component B).
// Classify is pure and deterministic: no I/O, no catalog mutation, no clock
// reads, so identical inputs always produce identical output (Invariant 5).
package classify

import (
	"sort"
	"strings"

	"github.com/metalorch/metalorch/catalog"
	"github.com/metalorch/metalorch/pkg/model"
)

const (
	weightVendor      = 0.40
	weightMotherboard = 0.30
	weightCPU         = 0.20
	weightCores       = 0.10

	thresholdHigh   = 0.80
	thresholdMedium = 0.50
	thresholdLow    = 0.30
)

// builtinAliases pairs a vendor's canonical display name with the aliases a
// hardware facts blob might report it under, in addition to whatever
// aliases the catalog document itself carries (SPEC_FULL.md §12: the alias
// table lives in catalog data, this is just the built-in seed so catalogs
// that don't list it explicitly still classify HPE and Supermicro gear).
var builtinAliases = map[string][]string{
	"hpe":        {"hewlett-packard", "hpe"},
	"supermicro": {"super micro computer", "supermicro"},
}

type candidate struct {
	dt       model.DeviceType
	score    float64
	criteria []model.Criterion
}

// Classify matches facts against cat and returns the classification tuple
// from spec.md §3.2.
func Classify(facts model.HardwareFacts, cat *catalog.Catalog) model.Classification {
	vendorIDs := matchingVendors(facts.Manufacturer, cat)
	if len(vendorIDs) == 0 {
		return model.Classification{Confidence: model.ConfidenceNone}
	}

	var candidates []candidate
	for _, vendorID := range vendorIDs {
		for _, dt := range cat.ByVendor(vendorID) {
			candidates = append(candidates, score(facts, dt))
		}
	}
	if len(candidates) == 0 {
		return model.Classification{Confidence: model.ConfidenceNone}
	}

	best := pickBest(candidates)
	return model.Classification{
		DeviceTypeID:    best.dt.ID,
		Confidence:      bucket(best.score),
		MatchedCriteria: best.criteria,
	}
}

func matchingVendors(manufacturer string, cat *catalog.Catalog) []string {
	needle := strings.ToLower(strings.TrimSpace(manufacturer))
	if needle == "" {
		return nil
	}
	var ids []string
	for _, v := range cat.ListVendors() {
		if vendorMatches(needle, v) {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

func vendorMatches(needle string, v model.Vendor) bool {
	if strings.Contains(strings.ToLower(v.DisplayName), needle) || strings.Contains(needle, strings.ToLower(v.DisplayName)) {
		return true
	}
	for _, alias := range v.Aliases {
		if aliasMatches(needle, alias) {
			return true
		}
	}
	for _, alias := range builtinAliases[strings.ToLower(v.ID)] {
		if aliasMatches(needle, alias) {
			return true
		}
	}
	return false
}

func aliasMatches(needle, alias string) bool {
	alias = strings.ToLower(alias)
	return strings.Contains(alias, needle) || strings.Contains(needle, alias)
}

func score(facts model.HardwareFacts, dt model.DeviceType) candidate {
	c := candidate{dt: dt, score: weightVendor, criteria: []model.Criterion{model.CriterionVendor}}

	if dt.MotherboardModel != "" && productMatches(facts.ProductName, dt.MotherboardModel) {
		c.score += weightMotherboard
		c.criteria = append(c.criteria, model.CriterionMotherboard)
	}
	if dt.Spec.CPUModel != "" && cpuMatches(facts.CPUModel, dt.Spec.CPUModel) {
		c.score += weightCPU
		c.criteria = append(c.criteria, model.CriterionCPU)
	}
	if facts.CPUCores > 0 && facts.CPUCores == dt.Spec.Cores {
		c.score += weightCores
		c.criteria = append(c.criteria, model.CriterionCores)
	}
	return c
}

func productMatches(productName, motherboardModel string) bool {
	a, b := strings.ToLower(productName), strings.ToLower(motherboardModel)
	return a != "" && (strings.Contains(a, b) || strings.Contains(b, a))
}

func cpuMatches(factsModel, specModel string) bool {
	a, b := strings.ToLower(factsModel), strings.ToLower(specModel)
	return a != "" && (strings.Contains(a, b) || strings.Contains(b, a))
}

func hasCriterion(c candidate, want model.Criterion) bool {
	for _, got := range c.criteria {
		if got == want {
			return true
		}
	}
	return false
}

// pickBest applies spec.md §3.2's selection rule: any candidate matching
// vendor+motherboard is preferred over a cpu/cores-only match; within a tier
// the highest score wins, and ties break on lexicographic device-type id.
func pickBest(candidates []candidate) candidate {
	var withMotherboard, withoutMotherboard []candidate
	for _, c := range candidates {
		if hasCriterion(c, model.CriterionMotherboard) {
			withMotherboard = append(withMotherboard, c)
		} else {
			withoutMotherboard = append(withoutMotherboard, c)
		}
	}

	pool := withMotherboard
	if len(pool) == 0 {
		pool = withoutMotherboard
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		return pool[i].dt.ID < pool[j].dt.ID
	})
	return pool[0]
}

func bucket(score float64) model.Confidence {
	switch {
	case score >= thresholdHigh:
		return model.ConfidenceHigh
	case score >= thresholdMedium:
		return model.ConfidenceMedium
	case score >= thresholdLow:
		return model.ConfidenceLow
	default:
		return model.ConfidenceNone
	}
}
