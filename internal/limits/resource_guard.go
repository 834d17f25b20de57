package limits

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard enforces static admission limits on new websocket
// connections: a hard connection cap and a CPU emergency brake, adapted
// from the teacher's ResourceGuard. The teacher's container-aware
// platform.CPUMonitor isn't part of this module's domain, so CPU usage
// is sampled directly via gopsutil (already pulled in by the rest of the
// example pack for platform metrics).
type ResourceGuard struct {
	maxConnections     int
	cpuRejectThreshold float64
	currentConns       *int64

	currentCPU atomic.Value // float64
	logger     zerolog.Logger
}

// NewResourceGuard builds a guard that rejects new connections once
// currentConns reaches maxConnections or sampled CPU usage exceeds
// cpuRejectThreshold percent. currentConns must be updated by the caller
// (atomically) as connections are accepted and closed.
func NewResourceGuard(maxConnections int, cpuRejectThreshold float64, currentConns *int64, logger zerolog.Logger) *ResourceGuard {
	rg := &ResourceGuard{
		maxConnections:     maxConnections,
		cpuRejectThreshold: cpuRejectThreshold,
		currentConns:       currentConns,
		logger:             logger.With().Str("component", "resource_guard").Logger(),
	}
	rg.currentCPU.Store(0.0)
	return rg
}

// ShouldAcceptConnection reports whether a new connection may be
// admitted, and a human-readable reason when it may not.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	current := atomic.LoadInt64(rg.currentConns)
	if current >= int64(rg.maxConnections) {
		return false, fmt.Sprintf("at max connections (%d)", rg.maxConnections)
	}

	currentCPU := rg.currentCPU.Load().(float64)
	if currentCPU > rg.cpuRejectThreshold {
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", currentCPU, rg.cpuRejectThreshold)
	}

	return true, "OK"
}

// CurrentCPUPercent returns the most recently sampled CPU usage.
func (rg *ResourceGuard) CurrentCPUPercent() float64 {
	return rg.currentCPU.Load().(float64)
}

// StartMonitoring samples CPU usage every interval until ctx is
// canceled, feeding ShouldAcceptConnection's emergency brake.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rg.sampleCPU()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (rg *ResourceGuard) sampleCPU() {
	percentages, err := cpu.Percent(0, false)
	if err != nil || len(percentages) == 0 {
		rg.logger.Warn().Err(err).Msg("failed to sample cpu usage")
		return
	}
	rg.currentCPU.Store(percentages[0])
	rg.logger.Debug().
		Float64("cpu_percent", percentages[0]).
		Int64("connections", atomic.LoadInt64(rg.currentConns)).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("resource state updated")
}
