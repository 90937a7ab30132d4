// Package sysinfo collects host resource utilization for heartbeat reporting.
package sysinfo

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// Collect returns a snapshot of current host resource usage. Collection is
// best-effort: a probe that fails leaves its field at zero rather than
// blocking the heartbeat.
func Collect(ctx context.Context) wire.HostStats {
	var stats wire.HostStats

	// Interval 0 measures usage since the previous call, which lines up with
	// the heartbeat cadence. The very first sample reports 0.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		stats.DiskPercent = du.UsedPercent
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		stats.Uptime = up
	}
	return stats
}
