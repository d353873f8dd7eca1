// Package master implements the coordinator: register/heartbeat/log
// message handlers, the command dispatcher, and the liveness sweeper
// (spec §4.5). It generalizes the teacher's dashboard.Server/Hub split
// — HTTP handlers delegating to shared state guarded by the hub — into
// an explicit Coordinator struct with no package-level globals (per the
// reference source's "no ambient state" rework note).
package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/edgefleet/internal/bus"
	"github.com/markus-barta/edgefleet/internal/fanout"
	"github.com/markus-barta/edgefleet/internal/protocol"
	"github.com/markus-barta/edgefleet/internal/store"
)

// Sentinel errors surfaced to the HTTP layer (spec §4.5, §7).
var (
	ErrNodeMissing = errors.New("master: node not found")
	ErrNodeOffline = errors.New("master: node is offline")
)

// handlerQueueSize bounds the worker pool bus callbacks hand off to, so
// the network goroutine itself never blocks on a database write (spec
// §5's cross-thread handoff requirement).
const handlerQueueSize = 256

// Coordinator owns the bus connection, the store, and the fan-out
// plane, and drives the liveness sweeper.
type Coordinator struct {
	bus    *bus.Client
	store  store.Store
	plane  *fanout.Plane
	log    zerolog.Logger
	secret string

	livenessInterval time.Duration
	offlineThreshold time.Duration

	work chan func()
	done chan struct{}
}

// Options configures a new Coordinator.
type Options struct {
	Bus              *bus.Client
	Store            store.Store
	Plane            *fanout.Plane
	Log              zerolog.Logger
	SecretKey        string
	LivenessInterval time.Duration
	OfflineThreshold time.Duration
}

// New wires subscriptions and starts the handoff worker pool and
// liveness sweeper. Call Stop to release them.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		bus:              opts.Bus,
		store:            opts.Store,
		plane:            opts.Plane,
		log:              opts.Log.With().Str("component", "coordinator").Logger(),
		secret:           opts.SecretKey,
		livenessInterval: opts.LivenessInterval,
		offlineThreshold: opts.OfflineThreshold,
		work:             make(chan func(), handlerQueueSize),
		done:             make(chan struct{}),
	}

	c.bus.Subscribe(protocol.TopicRegister, 1, c.onRegister)
	c.bus.Subscribe(protocol.TopicHeartbeat, 1, c.onHeartbeat)
	c.bus.Subscribe(protocol.TopicLogWildcard, 1, c.onLog)

	const workerCount = 8
	for i := 0; i < workerCount; i++ {
		go c.worker()
	}
	go c.livenessLoop()

	return c
}

// Stop releases the worker pool and liveness sweeper.
func (c *Coordinator) Stop() {
	close(c.done)
}

func (c *Coordinator) worker() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.work:
			fn()
		}
	}
}

// submit hands work off the bus callback goroutine per spec §5: the
// handler returns immediately, never waiting on the coordinator result.
func (c *Coordinator) submit(fn func()) {
	select {
	case c.work <- fn:
	default:
		c.log.Error().Msg("coordinator work queue full, dropping handler invocation")
	}
}

// ListNodes returns every known node.
func (c *Coordinator) ListNodes(ctx context.Context) ([]*store.Node, error) {
	return c.store.ListNodes(ctx)
}

// GetNode returns one node by id.
func (c *Coordinator) GetNode(ctx context.Context, id string) (*store.Node, error) {
	node, err := c.store.GetNode(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNodeMissing
	}
	return node, err
}

// Dispatch creates a running Execution, marks the node busy, and
// publishes a cmd message (spec §4.5). Dispatch to a busy node is
// permitted — it queues at the Agent's single executor — only an
// offline or missing node is rejected.
func (c *Coordinator) Dispatch(ctx context.Context, nodeID, command string) (string, error) {
	node, err := c.store.GetNode(ctx, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNodeMissing
	}
	if err != nil {
		return "", err
	}
	if node.Status == protocol.StatusOffline {
		return "", ErrNodeOffline
	}

	now := time.Now()
	execID, err := c.store.InsertExecution(ctx, nodeID, command, now)
	if err != nil {
		return "", fmt.Errorf("insert execution: %w", err)
	}
	if err := c.store.SetNodeStatus(ctx, nodeID, protocol.StatusBusy); err != nil {
		return "", fmt.Errorf("set node busy: %w", err)
	}

	payload := protocol.CmdPayload{
		ExecID:    execID,
		Command:   command,
		Timestamp: nowSeconds(),
	}
	c.bus.PublishJSON(protocol.TopicCmd(nodeID), mustWrap(protocol.KindCmd, payload), 1)

	c.broadcastNodeUpdate(nodeID, protocol.StatusBusy)

	return execID, nil
}

// ListExecutions returns executions, optionally filtered by node.
func (c *Coordinator) ListExecutions(ctx context.Context, nodeID string, limit int) ([]*store.Execution, error) {
	return c.store.ListExecutions(ctx, nodeID, limit)
}

// GetExecutionLogs returns the ordered log lines for one execution.
func (c *Coordinator) GetExecutionLogs(ctx context.Context, execID string) ([]store.LogLine, error) {
	return c.store.ListLogLines(ctx, execID)
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func mustWrap(kind string, payload any) *protocol.Message {
	msg, err := protocol.NewMessage(kind, payload)
	if err != nil {
		panic(fmt.Sprintf("master: failed to wrap %s payload: %v", kind, err))
	}
	return msg
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("master: failed to marshal fanout event: %v", err))
	}
	return data
}
