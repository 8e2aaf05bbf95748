package stage

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceGate refuses to start expensive work when the host is short on
// CPU headroom, memory, or disk. A zero threshold disables that check.
type ResourceGate struct {
	MinIdleCPU  float64 // percent of CPU that must be idle
	MinFreeMem  uint64  // bytes
	MinFreeDisk uint64  // bytes
	Path        string  // mount point checked for free disk
}

// Check returns a retryable error when a threshold is breached. Failed
// sensor reads never block work.
func (g *ResourceGate) Check() error {
	if g == nil {
		return nil
	}

	if g.MinIdleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err == nil && len(p) > 0 && p[0] > 100.0-g.MinIdleCPU {
			return Failf(true, "not enough idle CPU: usage %.1f%%, need %.1f%% idle", p[0], g.MinIdleCPU)
		}
	}

	if g.MinFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err == nil && vm.Available < g.MinFreeMem {
			return Failf(true, "not enough free memory: available %d, need %d", vm.Available, g.MinFreeMem)
		}
	}

	if g.MinFreeDisk > 0 {
		d, err := disk.Usage(g.Path)
		if err == nil && d.Free < g.MinFreeDisk {
			return Failf(true, "not enough free disk at %s: free %d, need %d", g.Path, d.Free, g.MinFreeDisk)
		}
	}
	return nil
}
