// Package hostprobe samples the resources of the machine an agent runs on.
// It replaces the python original's psutil-based sampling 1:1 with
// gopsutil, the same library arkeep's agent uses for its own host
// introspection.
package hostprobe

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/edgerm/edgerm/internal/wire"
)

// Probe samples the host's currently available resources.
type Probe interface {
	// Sample returns the resources to advertise in the next Ping: a
	// "cpus" SCALAR (fractional cores available) and a "mem" SCALAR
	// (available bytes).
	Sample(ctx context.Context) ([]wire.Resource, error)
}

// sampleWindow is how long Sample blocks measuring CPU usage. The python
// original calls psutil.cpu_percent(interval=1, percpu=True); we keep the
// same one-second window.
const sampleWindow = time.Second

// GopsutilProbe is the concrete Probe used by the agent binary.
type GopsutilProbe struct{}

// NewGopsutilProbe returns a Probe backed by gopsutil.
func NewGopsutilProbe() *GopsutilProbe {
	return &GopsutilProbe{}
}

// Sample blocks for sampleWindow measuring per-CPU utilization, then
// reports total available cores as a fraction (cores * (1 - avg busy%))
// alongside available memory.
func (p *GopsutilProbe) Sample(ctx context.Context) ([]wire.Resource, error) {
	percents, err := cpu.PercentWithContext(ctx, sampleWindow, true)
	if err != nil {
		return nil, err
	}

	var busy float64
	for _, pct := range percents {
		busy += pct
	}
	if len(percents) > 0 {
		busy /= float64(len(percents))
	}
	availableCores := float64(len(percents)) * (1 - busy/100)
	if availableCores < 0 {
		availableCores = 0
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}

	return []wire.Resource{
		{Name: "cpus", Kind: wire.ResourceScalar, Scalar: availableCores},
		{Name: "mem", Kind: wire.ResourceScalar, Scalar: float64(vm.Available)},
	}, nil
}
