package agent_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/edgefleet/internal/agent"
	"github.com/markus-barta/edgefleet/internal/agentconfig"
	"github.com/markus-barta/edgefleet/internal/bus"
	"github.com/markus-barta/edgefleet/internal/protocol"
	"github.com/markus-barta/edgefleet/internal/testutil"
)

// stubMaster answers register_req with a fixed node_id, standing in for
// the real coordinator so the agent handshake can be exercised in
// isolation.
func stubMaster(t *testing.T, broker, nodeID string) *bus.Client {
	t.Helper()
	m := bus.New(bus.Options{Broker: broker, ClientID: "stub-master", Log: zerolog.Nop()})
	if err := m.Connect(); err != nil {
		t.Fatalf("stub master connect: %v", err)
	}
	t.Cleanup(func() { m.Disconnect(100 * time.Millisecond) })

	m.Subscribe(protocol.TopicRegister, 1, func(_, kind string, payload json.RawMessage) {
		if kind != protocol.KindRegisterReq {
			return
		}
		var req protocol.RegisterReqPayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return
		}
		if req.SecretKey != "correct-secret" {
			ack, _ := protocol.NewMessage(protocol.KindRegisterNak, protocol.RegisterNakPayload{Reason: "secret mismatch"})
			m.PublishJSON(protocol.TopicRegister, ack, 1)
			return
		}
		ack, _ := protocol.NewMessage(protocol.KindRegisterAck, protocol.RegisterAckPayload{NodeID: nodeID, Message: "welcome"})
		m.PublishJSON(protocol.TopicRegister, ack, 1)
	})
	return m
}

func TestAgentRegistersAndReceivesAssignedIdentity(t *testing.T) {
	broker := testutil.StartBroker(t)
	stubMaster(t, broker, "abc123def456")

	cfg := &agentconfig.Config{
		Broker:          broker,
		SecretKey:       "correct-secret",
		NodeName:        "edge-01",
		IdentityFile:    t.TempDir() + "/node_id",
		HeartbeatPeriod: time.Second,
	}
	a := agent.New(cfg, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not shut down in time")
	}

	data, err := os.ReadFile(cfg.IdentityFile)
	if err != nil {
		t.Fatalf("read identity file: %v", err)
	}
	if string(data) != "abc123def456" {
		t.Fatalf("identity file = %q, want %q", data, "abc123def456")
	}
}

func TestAgentTerminatesOnSecretMismatch(t *testing.T) {
	broker := testutil.StartBroker(t)
	stubMaster(t, broker, "abc123def456")

	cfg := &agentconfig.Config{
		Broker:          broker,
		SecretKey:       "wrong-secret",
		NodeName:        "edge-02",
		IdentityFile:    t.TempDir() + "/node_id",
		HeartbeatPeriod: time.Second,
	}
	a := agent.New(cfg, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := a.Run(ctx)
	if err == nil {
		t.Fatal("expected an error from a rejected registration, got nil")
	}
}
