// Command metalorch-discover is a tiny, stateless probe staged onto a
// target server over SSH by the enhanced_discover_hardware step. It
// prints one JSON line of raw hardware facts and exits; the orchestrator
// process parses stdout and never starts or supervises it as a daemon.
//
// This mirrors the teacher's agent, which also reports hardware facts
// gathered via ghw (tink/agent/internal/attribute/attribute.go) — the
// difference is lifecycle: the teacher's agent is a long-running
// transport peer, this binary is a single-shot probe invoked once per
// discovery step and never left resident, matching spec.md's single
// orchestrator process, no standing distributed component.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jaypipes/ghw"

	"github.com/metalorch/metalorch/pkg/model"
)

func main() {
	facts, err := discover()
	if err != nil {
		fmt.Fprintln(os.Stderr, "metalorch-discover:", err)
		os.Exit(1)
	}
	if err := json.NewEncoder(os.Stdout).Encode(facts); err != nil {
		fmt.Fprintln(os.Stderr, "metalorch-discover: encode facts:", err)
		os.Exit(1)
	}
}

func discover() (model.HardwareFacts, error) {
	var facts model.HardwareFacts

	product, err := ghw.Product(ghw.WithDisableWarnings())
	if err == nil && product != nil {
		facts.Manufacturer = product.Vendor
		facts.ProductName = product.Name
	}

	cpu, err := ghw.CPU(ghw.WithDisableWarnings())
	if err == nil && cpu != nil {
		facts.CPUCores = int(cpu.TotalCores)
		if len(cpu.Processors) > 0 && cpu.Processors[0] != nil {
			facts.CPUModel = cpu.Processors[0].Model
		}
	}

	mem, err := ghw.Memory(ghw.WithDisableWarnings())
	if err == nil && mem != nil {
		facts.MemoryTotal = mem.TotalPhysicalBytes
	}

	return facts, nil
}
