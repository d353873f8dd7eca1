// Package testutil provides an in-process MQTT broker for tests, so
// packages that talk to the bus can be exercised end-to-end without a
// real broker binary.
package testutil

import (
	"fmt"
	"net"
	"testing"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// StartBroker starts an in-process MQTT broker listening on an
// OS-assigned loopback port and returns its "tcp://host:port" address.
// The broker and listener are stopped via t.Cleanup.
func StartBroker(t *testing.T) string {
	t.Helper()

	lc, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := lc.Addr().String()
	_ = lc.Close()

	server := mqtt.New(nil)
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("add auth hook: %v", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "testbroker", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		t.Fatalf("add listener: %v", err)
	}

	go func() {
		_ = server.Serve()
	}()

	t.Cleanup(func() {
		_ = server.Close()
	})

	return fmt.Sprintf("tcp://%s", addr)
}
