package metrics

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/cuemby/burrow/pkg/types"
)

// SystemSnapshot is the host-level view served on the admin metrics
// endpoint.
type SystemSnapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	Uptime            string    `json:"uptime"`
	MemoryTotalBytes  uint64    `json:"memoryTotalBytes"`
	MemoryUsedBytes   uint64    `json:"memoryUsedBytes"`
	MemoryUsedPercent float64   `json:"memoryUsedPercent"`
	CPUPercent        float64   `json:"cpuPercent"`
	LoadAvg1          float64   `json:"loadAvg1"`
	Goroutines        int       `json:"goroutines"`
}

// SandboxSnapshot summarizes session and container state.
type SandboxSnapshot struct {
	Timestamp         time.Time           `json:"timestamp"`
	Sessions          map[string]int      `json:"sessions"`
	ActiveSessions    int                 `json:"activeSessions"`
	RunningContainers int                 `json:"runningContainers"`
	Breaker           types.BreakerStatus `json:"breaker"`
}

// RateLimitSnapshot lists all per-client tracking records.
type RateLimitSnapshot struct {
	Timestamp     time.Time              `json:"timestamp"`
	ActiveClients int                    `json:"activeClients"`
	Clients       []types.ClientTracking `json:"clients"`
}

// SystemSnapshotNow samples host memory, CPU and load. Individual probe
// failures leave their fields zero rather than failing the whole
// snapshot.
func SystemSnapshotNow() SystemSnapshot {
	snap := SystemSnapshot{
		Timestamp:  time.Now(),
		Uptime:     time.Since(healthChecker.startTime).String(),
		Goroutines: runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryTotalBytes = vm.Total
		snap.MemoryUsedBytes = vm.Used
		snap.MemoryUsedPercent = vm.UsedPercent
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if avg, err := load.Avg(); err == nil {
		snap.LoadAvg1 = avg.Load1
	}
	return snap
}
