package collector

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSampler reports metrics about the machine the runtime runs on.
type HostSampler interface {
	Sample(ctx context.Context) (map[string]any, error)
}

// GopsutilSampler reads CPU, memory, disk, and uptime of the local host.
type GopsutilSampler struct {
	DiskPath string
}

func NewHostSampler() *GopsutilSampler {
	return &GopsutilSampler{DiskPath: "/"}
}

// Sample returns a single "host" metric object. Individual probes that
// fail are left out; only a failure of every probe is an error.
func (s *GopsutilSampler) Sample(ctx context.Context) (map[string]any, error) {
	h := map[string]any{}
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		keep(fmt.Errorf("cpu: %w", err))
	} else if len(pct) > 0 {
		h["cpuPercent"] = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		keep(fmt.Errorf("memory: %w", err))
	} else {
		h["memoryPercent"] = vm.UsedPercent
		h["memoryUsedBytes"] = vm.Used
	}

	if du, err := disk.UsageWithContext(ctx, s.DiskPath); err != nil {
		keep(fmt.Errorf("disk: %w", err))
	} else {
		h["diskPercent"] = du.UsedPercent
	}

	if info, err := host.InfoWithContext(ctx); err != nil {
		keep(fmt.Errorf("host info: %w", err))
	} else {
		h["hostname"] = info.Hostname
		h["uptimeSeconds"] = info.Uptime
	}

	if len(h) == 0 {
		return nil, firstErr
	}
	return map[string]any{"host": h}, nil
}
