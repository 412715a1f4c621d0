package sandbox

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
)

func TestCPUPercentFromCounterDeltas(t *testing.T) {
	stats := &container.StatsResponse{}
	stats.PreCPUStats.CPUUsage.TotalUsage = 1000
	stats.PreCPUStats.SystemUsage = 10000
	stats.CPUStats.CPUUsage.TotalUsage = 1200
	stats.CPUStats.SystemUsage = 10500

	// Δused=200, Δtotal=500 -> 40%
	assert.InDelta(t, 40.0, cpuPercent(stats), 0.001)
}

func TestCPUPercentDegenerateWindows(t *testing.T) {
	stats := &container.StatsResponse{}

	// No system delta at all.
	stats.CPUStats.CPUUsage.TotalUsage = 100
	stats.PreCPUStats.CPUUsage.TotalUsage = 100
	assert.Equal(t, 0.0, cpuPercent(stats))

	// Counter went backwards (daemon restart).
	stats.PreCPUStats.CPUUsage.TotalUsage = 500
	stats.CPUStats.CPUUsage.TotalUsage = 100
	stats.PreCPUStats.SystemUsage = 1000
	stats.CPUStats.SystemUsage = 2000
	assert.Equal(t, 0.0, cpuPercent(stats))
}
