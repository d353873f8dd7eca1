package master

import (
	"context"
	"time"

	"github.com/markus-barta/edgefleet/internal/protocol"
)

// livenessLoop scans for stale nodes every livenessInterval and marks
// them offline (spec §4.5 Liveness sweeper).
func (c *Coordinator) livenessLoop() {
	ticker := time.NewTicker(c.livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweepOffline()
		}
	}
}

func (c *Coordinator) sweepOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-c.offlineThreshold)
	stale, err := c.store.ScanStaleNodes(ctx, cutoff)
	if err != nil {
		c.log.Error().Err(err).Msg("liveness sweep: scan failed")
		return
	}

	for _, node := range stale {
		if err := c.store.SetNodeStatus(ctx, node.ID, protocol.StatusOffline); err != nil {
			c.log.Error().Err(err).Str("node_id", node.ID).Msg("liveness sweep: failed to mark node offline")
			continue
		}

		// Open design decision (policy (a) of the offline-mid-execution
		// question): a node that drops offline while a command is still
		// running has that execution marked failed with a sentinel exit
		// code, rather than left running forever.
		if execID, found, err := c.store.FailRunningExecutionForNode(ctx, node.ID, -1, time.Now()); err != nil {
			c.log.Error().Err(err).Str("node_id", node.ID).Msg("liveness sweep: failed to fail running execution")
		} else if found {
			c.log.Warn().Str("node_id", node.ID).Str("exec_id", execID).Msg("node went offline mid-execution, marked failed")
			c.plane.PushLog(node.ID, mustMarshal(logEvent{
				Kind:     protocol.KindCmdDone,
				NodeID:   node.ID,
				ExecID:   execID,
				ExitCode: intPtr(-1),
			}))
		}

		c.log.Info().Str("node_id", node.ID).Msg("node marked offline by liveness sweep")
		c.broadcastNodeUpdate(node.ID, protocol.StatusOffline)
	}
}

func intPtr(v int) *int { return &v }
