package master

import (
	"context"
	"encoding/json"
	"time"

	"github.com/markus-barta/edgefleet/internal/protocol"
)

// onRegister validates the pre-shared key, resolves identity by
// node_name (reusing the existing row on a name collision), persists
// the node, publishes register_ack/register_nak, and broadcasts an
// online status event (spec §4.5 Register handler).
func (c *Coordinator) onRegister(_, kind string, payload json.RawMessage) {
	// system/register also carries this coordinator's own register_ack
	// and register_nak replies back to every subscriber, itself
	// included; only register_req is ours to act on.
	if kind != protocol.KindRegisterReq {
		return
	}

	var req protocol.RegisterReqPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.log.Warn().Err(err).Msg("malformed register_req")
		return
	}

	c.submit(func() {
		if req.SecretKey != c.secret {
			c.log.Warn().Str("node_name", req.NodeName).Msg("registration denied: secret mismatch")
			nak, _ := protocol.NewMessage(protocol.KindRegisterNak, protocol.RegisterNakPayload{Reason: "secret mismatch"})
			c.bus.PublishJSON(protocol.TopicRegister, nak, 1)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		node, err := c.store.UpsertNodeByName(ctx, req.NodeName, req.IP, time.Now())
		if err != nil {
			c.log.Error().Err(err).Str("node_name", req.NodeName).Msg("failed to persist node registration")
			return
		}

		ack, _ := protocol.NewMessage(protocol.KindRegisterAck, protocol.RegisterAckPayload{
			NodeID:  node.ID,
			Message: "welcome to the fleet",
		})
		c.bus.PublishJSON(protocol.TopicRegister, ack, 1)

		c.log.Info().Str("node_id", node.ID).Str("node_name", req.NodeName).Msg("node registered")
		c.broadcastNodeUpdate(node.ID, protocol.StatusOnline)
	})
}

// onHeartbeat updates the node row and broadcasts a heartbeat status
// event (spec §4.5 Heartbeat handler).
func (c *Coordinator) onHeartbeat(_, _ string, payload json.RawMessage) {
	var hb protocol.HeartbeatPayload
	if err := json.Unmarshal(payload, &hb); err != nil {
		c.log.Warn().Err(err).Msg("malformed heartbeat")
		return
	}

	c.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := c.store.UpdateHeartbeat(ctx, hb.NodeID, hb.Status, hb.CPUPercent, hb.MemPercent, time.Now()); err != nil {
			c.log.Error().Err(err).Str("node_id", hb.NodeID).Msg("failed to record heartbeat")
			return
		}

		c.plane.BroadcastGlobal(mustMarshal(statusEvent{
			Kind:       "heartbeat",
			NodeID:     hb.NodeID,
			Status:     hb.Status,
			CPUPercent: hb.CPUPercent,
			MemPercent: hb.MemPercent,
		}))
	})
}

// onLog discriminates log_line vs cmd_done messages arriving on the
// log/+ wildcard subscription (spec §4.5 Log handler).
func (c *Coordinator) onLog(topic, kind string, payload json.RawMessage) {
	switch kind {
	case protocol.KindLogLine:
		c.onLogLine(payload)
	case protocol.KindCmdDone:
		c.onCmdDone(payload)
	default:
		c.log.Warn().Str("topic", topic).Str("kind", kind).Msg("unknown log event kind")
	}
}

func (c *Coordinator) onLogLine(payload json.RawMessage) {
	var line protocol.LogLinePayload
	if err := json.Unmarshal(payload, &line); err != nil {
		c.log.Warn().Err(err).Msg("malformed log_line")
		return
	}

	c.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := c.store.InsertLogLine(ctx, storeLogLineFromWire(line)); err != nil {
			c.log.Error().Err(err).Str("exec_id", line.ExecID).Msg("failed to persist log line")
			return
		}

		c.plane.PushLog(line.NodeID, mustMarshal(logEvent{
			Kind:   protocol.KindLogLine,
			ExecID: line.ExecID,
			NodeID: line.NodeID,
			Stream: line.Stream,
			Line:   line.Line,
		}))
	})
}

// onCmdDone updates the execution's terminal fields, returns the node
// to idle, and pushes the cmd_done log event strictly before the
// node_update{idle} global event — the ordering contract spec §4.5 and
// §8 both call out.
func (c *Coordinator) onCmdDone(payload json.RawMessage) {
	var done protocol.CmdDonePayload
	if err := json.Unmarshal(payload, &done); err != nil {
		c.log.Warn().Err(err).Msg("malformed cmd_done")
		return
	}

	c.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		finishedAt := time.Now()
		if err := c.store.CompleteExecution(ctx, done.ExecID, done.ExitCode, finishedAt); err != nil {
			c.log.Error().Err(err).Str("exec_id", done.ExecID).Msg("failed to complete execution")
			return
		}
		if err := c.store.SetNodeStatus(ctx, done.NodeID, protocol.StatusIdle); err != nil {
			c.log.Error().Err(err).Str("node_id", done.NodeID).Msg("failed to return node to idle")
			return
		}

		c.plane.PushLog(done.NodeID, mustMarshal(logEvent{
			Kind:     protocol.KindCmdDone,
			ExecID:   done.ExecID,
			NodeID:   done.NodeID,
			ExitCode: &done.ExitCode,
		}))
		c.broadcastNodeUpdate(done.NodeID, protocol.StatusIdle)
	})
}

func (c *Coordinator) broadcastNodeUpdate(nodeID, status string) {
	c.plane.BroadcastGlobal(mustMarshal(statusEvent{
		Kind:   "node_update",
		NodeID: nodeID,
		Status: status,
	}))
}

// statusEvent is what the global fan-out set receives: node_update and
// heartbeat events (spec §4.6).
type statusEvent struct {
	Kind       string  `json:"kind"`
	NodeID     string  `json:"node_id"`
	Status     string  `json:"status"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	MemPercent float64 `json:"mem_percent,omitempty"`
}

// logEvent is what a per-node log fan-out set receives: log_line and
// cmd_done events for that node (spec §4.6).
type logEvent struct {
	Kind     string `json:"kind"`
	ExecID   string `json:"exec_id"`
	NodeID   string `json:"node_id"`
	Stream   string `json:"stream,omitempty"`
	Line     string `json:"line,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}
