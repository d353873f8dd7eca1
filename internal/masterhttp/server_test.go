package masterhttp_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/edgefleet/internal/bus"
	"github.com/markus-barta/edgefleet/internal/fanout"
	"github.com/markus-barta/edgefleet/internal/master"
	"github.com/markus-barta/edgefleet/internal/masterconfig"
	"github.com/markus-barta/edgefleet/internal/masterhttp"
	"github.com/markus-barta/edgefleet/internal/protocol"
	"github.com/markus-barta/edgefleet/internal/store"
	"github.com/markus-barta/edgefleet/internal/testutil"
)

const testToken = "viewer-token"

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
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

	masterBus := bus.New(bus.Options{Broker: broker, ClientID: "master-http-test", Log: zerolog.Nop()})
	if err := masterBus.Connect(); err != nil {
		t.Fatalf("bus connect: %v", err)
	}
	t.Cleanup(func() { masterBus.Disconnect(100 * time.Millisecond) })

	coord := master.New(master.Options{
		Bus:              masterBus,
		Store:            st,
		Plane:            plane,
		Log:              zerolog.Nop(),
		SecretKey:        "secret",
		LivenessInterval: time.Hour,
		OfflineThreshold: 2 * time.Hour,
	})
	t.Cleanup(coord.Stop)

	cfg := &masterconfig.Config{HTTPAuthToken: testToken}
	srv := masterhttp.New(cfg, coord, plane, zerolog.Nop())

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return ts, st
}

func authedGet(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestListNodesRequiresBearerToken(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/nodes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestListNodesReturnsSeededNode(t *testing.T) {
	ts, st := newTestServer(t)

	ctx := context.Background()
	node, err := st.UpsertNodeByName(ctx, "edge-01", "10.0.0.1", time.Now())
	if err != nil {
		t.Fatalf("seed node: %v", err)
	}

	resp := authedGet(t, ts.URL+"/api/nodes")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var nodes []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(nodes) != 1 || nodes[0]["id"] != node.ID {
		t.Fatalf("unexpected nodes payload: %+v", nodes)
	}
}

func TestGetNodeReturnsNotFoundForMissingNode(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := authedGet(t, ts.URL+"/api/nodes/doesnotexist")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestExecuteRejectsOfflineNode(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	node, err := st.UpsertNodeByName(ctx, "edge-offline", "10.0.0.2", time.Now())
	if err != nil {
		t.Fatalf("seed node: %v", err)
	}
	if err := st.SetNodeStatus(ctx, node.ID, protocol.StatusOffline); err != nil {
		t.Fatalf("set offline: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/execute", strings.NewReader(
		`{"node_id":"`+node.ID+`","command":"echo hi"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
