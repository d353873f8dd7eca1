package agent

import (
	"context"
	"time"

	"github.com/markus-barta/edgefleet/internal/protocol"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// publishRetryBackoff is how long a failed heartbeat publish sleeps
// before the next attempt, instead of waiting out the full
// HeartbeatPeriod tick (spec §4.3: "transient publish errors sleep 5s
// and continue").
const publishRetryBackoff = 5 * time.Second

// heartbeatLoop publishes a heartbeat every HeartbeatPeriod carrying the
// current status and best-effort CPU/memory percentages (spec §4.3).
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sendHeartbeat(); err != nil {
				a.log.Warn().Err(err).Msg("heartbeat publish failed, retrying after backoff")
				select {
				case <-time.After(publishRetryBackoff):
				case <-a.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (a *Agent) sendHeartbeat() error {
	cpuPercent, memPercent := sampleResourceUsage()

	payload := protocol.HeartbeatPayload{
		NodeID:     a.currentNodeID(),
		Status:     a.currentStatus(),
		CPUPercent: cpuPercent,
		MemPercent: memPercent,
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
	}
	return a.bus.PublishJSONSync(protocol.TopicHeartbeat, mustWrap(protocol.KindHeartbeat, payload), 1)
}

// sampleResourceUsage returns best-effort CPU/memory percentages,
// falling back to zero when the platform sampler is unavailable —
// mirrors the try/except ImportError fallback in
// original_source/agent/agent.py's _get_system_stats.
func sampleResourceUsage() (cpuPercent, memPercent float64) {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}
	return cpuPercent, memPercent
}
