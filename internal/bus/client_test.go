package bus_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/edgefleet/internal/bus"
	"github.com/markus-barta/edgefleet/internal/protocol"
	"github.com/markus-barta/edgefleet/internal/testutil"
)

func newTestClient(t *testing.T, broker, id string) *bus.Client {
	t.Helper()
	c := bus.New(bus.Options{Broker: broker, ClientID: id, Log: zerolog.Nop()})
	if err := c.Connect(); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	t.Cleanup(func() { c.Disconnect(100 * time.Millisecond) })
	return c
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	broker := testutil.StartBroker(t)

	sub := newTestClient(t, broker, "sub")
	pub := newTestClient(t, broker, "pub")

	received := make(chan protocol.HeartbeatPayload, 1)
	sub.Subscribe(protocol.TopicHeartbeat, 1, func(topic, kind string, payload json.RawMessage) {
		if kind != protocol.KindHeartbeat {
			t.Errorf("kind = %q, want %q", kind, protocol.KindHeartbeat)
		}
		var hb protocol.HeartbeatPayload
		if err := json.Unmarshal(payload, &hb); err != nil {
			t.Errorf("parse heartbeat: %v", err)
			return
		}
		received <- hb
	})

	time.Sleep(50 * time.Millisecond) // let the subscribe land before publishing

	msg, err := protocol.NewMessage(protocol.KindHeartbeat, protocol.HeartbeatPayload{
		NodeID: "abc123def456",
		Status: protocol.StatusIdle,
	})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	pub.PublishJSON(protocol.TopicHeartbeat, msg, 1)

	select {
	case hb := <-received:
		if hb.NodeID != "abc123def456" || hb.Status != protocol.StatusIdle {
			t.Fatalf("unexpected payload: %+v", hb)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestWildcardSubscriptionMatchesPerNodeTopic(t *testing.T) {
	broker := testutil.StartBroker(t)

	sub := newTestClient(t, broker, "sub-wild")
	pub := newTestClient(t, broker, "pub-wild")

	received := make(chan string, 1)
	sub.Subscribe(protocol.TopicLogWildcard, 1, func(topic, kind string, payload json.RawMessage) {
		received <- topic
	})

	time.Sleep(50 * time.Millisecond)

	msg, _ := protocol.NewMessage(protocol.KindLogLine, protocol.LogLinePayload{
		NodeID: "abc123def456",
		Line:   "hi",
		Stream: protocol.StreamStdout,
	})
	pub.PublishJSON(protocol.TopicLog("abc123def456"), msg, 1)

	select {
	case topic := <-received:
		if topic != "log/abc123def456" {
			t.Fatalf("topic = %q", topic)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for wildcard delivery")
	}
}
