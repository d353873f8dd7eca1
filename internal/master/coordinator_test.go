package master_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/edgefleet/internal/bus"
	"github.com/markus-barta/edgefleet/internal/fanout"
	"github.com/markus-barta/edgefleet/internal/master"
	"github.com/markus-barta/edgefleet/internal/protocol"
	"github.com/markus-barta/edgefleet/internal/store"
	"github.com/markus-barta/edgefleet/internal/testutil"
)

const testSecret = "fleet-secret"

type testRig struct {
	broker string
	coord  *master.Coordinator
	store  store.Store
}

func newTestRig(t *testing.T) testRig {
	t.Helper()

	broker := testutil.StartBroker(t)

	db, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewSQLiteStore(db)

	plane := fanout.New()
	t.Cleanup(plane.Stop)

	masterBus := bus.New(bus.Options{Broker: broker, ClientID: "master", Log: zerolog.Nop()})
	if err := masterBus.Connect(); err != nil {
		t.Fatalf("master bus connect: %v", err)
	}
	t.Cleanup(func() { masterBus.Disconnect(100 * time.Millisecond) })

	c := master.New(master.Options{
		Bus:              masterBus,
		Store:            st,
		Plane:            plane,
		Log:              zerolog.Nop(),
		SecretKey:        testSecret,
		LivenessInterval: 50 * time.Millisecond,
		OfflineThreshold: 150 * time.Millisecond,
	})
	t.Cleanup(c.Stop)

	return testRig{broker: broker, coord: c, store: st}
}

// fakeAgent publishes register_req and listens for replies, exercising
// the coordinator exactly as a real agent would over the bus.
type fakeAgent struct {
	bus     *bus.Client
	replies chan registerReply
}

func newFakeAgent(t *testing.T, broker string) *fakeAgent {
	t.Helper()
	b := bus.New(bus.Options{Broker: broker, ClientID: "fake-agent-" + t.Name(), Log: zerolog.Nop()})
	if err := b.Connect(); err != nil {
		t.Fatalf("fake agent connect: %v", err)
	}
	t.Cleanup(func() { b.Disconnect(100 * time.Millisecond) })
	return &fakeAgent{bus: b}
}

// register subscribes to system/register on the first call only: the
// bus client delivers each message to the first matching subscription,
// so every call shares one replies channel.
func (f *fakeAgent) register(t *testing.T, nodeName, secret string) chan registerReply {
	t.Helper()
	if f.replies == nil {
		replies := make(chan registerReply, 4)
		f.replies = replies
		f.bus.Subscribe(protocol.TopicRegister, 1, func(_, kind string, payload json.RawMessage) {
			switch kind {
			case protocol.KindRegisterAck:
				var ack protocol.RegisterAckPayload
				if err := json.Unmarshal(payload, &ack); err == nil {
					replies <- registerReply{ack: &ack}
				}
			case protocol.KindRegisterNak:
				var nak protocol.RegisterNakPayload
				if err := json.Unmarshal(payload, &nak); err == nil {
					replies <- registerReply{nak: &nak}
				}
			}
		})
		time.Sleep(50 * time.Millisecond)
	}
	replies := f.replies

	msg, _ := protocol.NewMessage(protocol.KindRegisterReq, protocol.RegisterReqPayload{
		NodeName:  nodeName,
		SecretKey: secret,
		IP:        "10.0.0.9",
	})
	f.bus.PublishJSON(protocol.TopicRegister, msg, 1)
	return replies
}

type registerReply struct {
	ack *protocol.RegisterAckPayload
	nak *protocol.RegisterNakPayload
}

func waitReply(t *testing.T, replies chan registerReply) registerReply {
	t.Helper()
	select {
	case r := <-replies:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for registration reply")
		return registerReply{}
	}
}

func TestRegistrationIsIdempotentOnNodeName(t *testing.T) {
	rig := newTestRig(t)
	agent := newFakeAgent(t, rig.broker)

	first := waitReply(t, agent.register(t, "edge-01", testSecret))
	if first.ack == nil {
		t.Fatalf("expected ack, got %+v", first)
	}

	second := waitReply(t, agent.register(t, "edge-01", testSecret))
	if second.ack == nil {
		t.Fatalf("expected ack, got %+v", second)
	}

	if first.ack.NodeID != second.ack.NodeID {
		t.Fatalf("node_id changed across re-registration: %s vs %s", first.ack.NodeID, second.ack.NodeID)
	}
}

func TestRegistrationDeniedOnSecretMismatch(t *testing.T) {
	rig := newTestRig(t)
	agent := newFakeAgent(t, rig.broker)

	reply := waitReply(t, agent.register(t, "edge-02", "wrong-secret"))
	if reply.nak == nil {
		t.Fatalf("expected nak, got %+v", reply)
	}
	if reply.nak.Reason != "secret mismatch" {
		t.Fatalf("reason = %q, want %q", reply.nak.Reason, "secret mismatch")
	}

	ctx := context.Background()
	_, err := rig.store.GetNodeByName(ctx, "edge-02")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no node row to be created, got err=%v", err)
	}
}

func TestDispatchToMissingNodeFails(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.coord.Dispatch(context.Background(), "doesnotexist", "echo hi")
	if !errors.Is(err, master.ErrNodeMissing) {
		t.Fatalf("err = %v, want ErrNodeMissing", err)
	}
}

func TestDispatchToOfflineNodeFails(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	node, err := rig.store.UpsertNodeByName(ctx, "edge-offline", "10.0.0.2", time.Now())
	if err != nil {
		t.Fatalf("seed node: %v", err)
	}
	if err := rig.store.SetNodeStatus(ctx, node.ID, protocol.StatusOffline); err != nil {
		t.Fatalf("set offline: %v", err)
	}

	_, err = rig.coord.Dispatch(ctx, node.ID, "echo hi")
	if !errors.Is(err, master.ErrNodeOffline) {
		t.Fatalf("err = %v, want ErrNodeOffline", err)
	}
}

// awaitCmd subscribes to the agent's command topic and returns the
// first cmd payload it receives, simulating the agent side of a
// dispatch round trip.
func (f *fakeAgent) awaitCmd(t *testing.T, nodeID string) chan protocol.CmdPayload {
	t.Helper()
	cmds := make(chan protocol.CmdPayload, 1)
	f.bus.Subscribe(protocol.TopicCmd(nodeID), 1, func(_, kind string, payload json.RawMessage) {
		if kind != protocol.KindCmd {
			return
		}
		var cmd protocol.CmdPayload
		if err := json.Unmarshal(payload, &cmd); err == nil {
			cmds <- cmd
		}
	})
	time.Sleep(50 * time.Millisecond)
	return cmds
}

func (f *fakeAgent) publishLogLine(execID, nodeID, stream, line string) {
	msg, _ := protocol.NewMessage(protocol.KindLogLine, protocol.LogLinePayload{
		ExecID: execID,
		NodeID: nodeID,
		Stream: stream,
		Line:   line,
	})
	f.bus.PublishJSON(protocol.TopicLog(nodeID), msg, 1)
}

func (f *fakeAgent) publishCmdDone(execID, nodeID string, exitCode int) {
	msg, _ := protocol.NewMessage(protocol.KindCmdDone, protocol.CmdDonePayload{
		ExecID:   execID,
		NodeID:   nodeID,
		ExitCode: exitCode,
	})
	f.bus.PublishJSON(protocol.TopicLog(nodeID), msg, 1)
}

func waitForExecutionStatus(t *testing.T, rig testRig, execID, want string) *store.Execution {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := rig.store.GetExecution(ctx, execID)
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		if exec.Status == want {
			return exec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached status %q", execID, want)
	return nil
}

// TestDispatchHappyPathCompletesSuccessfully exercises the full round
// trip a real agent would drive: register, receive a dispatched
// command, stream a line of output, report a zero exit code, and
// observe the node return to idle (spec §8 boundary scenario 1).
func TestDispatchHappyPathCompletesSuccessfully(t *testing.T) {
	rig := newTestRig(t)
	agent := newFakeAgent(t, rig.broker)

	reply := waitReply(t, agent.register(t, "edge-happy", testSecret))
	if reply.ack == nil {
		t.Fatalf("expected ack, got %+v", reply)
	}
	nodeID := reply.ack.NodeID

	cmds := agent.awaitCmd(t, nodeID)
	execID, err := rig.coord.Dispatch(context.Background(), nodeID, "echo hi")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case cmd := <-cmds:
		if cmd.ExecID != execID || cmd.Command != "echo hi" {
			t.Fatalf("cmd = %+v, want exec_id %q command %q", cmd, execID, "echo hi")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dispatched command")
	}

	agent.publishLogLine(execID, nodeID, protocol.StreamStdout, "hi")
	agent.publishCmdDone(execID, nodeID, 0)

	exec := waitForExecutionStatus(t, rig, execID, store.ExecutionSuccess)
	if exec.ExitCode == nil || *exec.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", exec.ExitCode)
	}

	lines, err := rig.store.ListLogLines(context.Background(), execID)
	if err != nil {
		t.Fatalf("list log lines: %v", err)
	}
	if len(lines) != 1 || lines[0].Line != "hi" {
		t.Fatalf("log lines = %+v, want one line %q", lines, "hi")
	}

	node, err := rig.store.GetNode(context.Background(), nodeID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node.Status != protocol.StatusIdle {
		t.Fatalf("node status = %q, want idle", node.Status)
	}
}

// TestDispatchFailingCommandRecordsNonZeroExitCode covers spec §8
// boundary scenario 6: a dispatched command that exits non-zero still
// completes normally, just with status=failed and the real exit code.
func TestDispatchFailingCommandRecordsNonZeroExitCode(t *testing.T) {
	rig := newTestRig(t)
	agent := newFakeAgent(t, rig.broker)

	reply := waitReply(t, agent.register(t, "edge-failing", testSecret))
	if reply.ack == nil {
		t.Fatalf("expected ack, got %+v", reply)
	}
	nodeID := reply.ack.NodeID

	cmds := agent.awaitCmd(t, nodeID)
	execID, err := rig.coord.Dispatch(context.Background(), nodeID, "false")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	<-cmds

	agent.publishCmdDone(execID, nodeID, 2)

	exec := waitForExecutionStatus(t, rig, execID, store.ExecutionFailed)
	if exec.ExitCode == nil || *exec.ExitCode != 2 {
		t.Fatalf("exit code = %v, want 2", exec.ExitCode)
	}
}

func TestOfflineSweepMarksStaleNodeAndFailsRunningExecution(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	node, err := rig.store.UpsertNodeByName(ctx, "edge-stale", "10.0.0.3", time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("seed node: %v", err)
	}
	if err := rig.store.UpdateHeartbeat(ctx, node.ID, protocol.StatusOnline, 1, 2, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("seed heartbeat: %v", err)
	}
	execID, err := rig.store.InsertExecution(ctx, node.ID, "sleep 100", time.Now())
	if err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := rig.store.GetNode(ctx, node.ID)
		if err != nil {
			t.Fatalf("get node: %v", err)
		}
		if got.Status == protocol.StatusOffline {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	got, err := rig.store.GetNode(ctx, node.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.Status != protocol.StatusOffline {
		t.Fatalf("status = %q, want offline", got.Status)
	}

	exec, err := rig.store.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != store.ExecutionFailed {
		t.Fatalf("execution status = %q, want failed", exec.Status)
	}
	if exec.ExitCode == nil || *exec.ExitCode != -1 {
		t.Fatalf("exit code = %v, want -1", exec.ExitCode)
	}
}
