// Package agent implements the edge-side runtime: registration
// handshake, heartbeat loop, command receipt, and a single-executor
// command queue, generalized from the teacher's agent.Agent (which
// drove the same state machine over a dashboard WebSocket instead of
// an MQTT bus).
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/markus-barta/edgefleet/internal/agentconfig"
	"github.com/markus-barta/edgefleet/internal/bus"
	"github.com/markus-barta/edgefleet/internal/protocol"
)

const registerAckTimeout = 30 * time.Second

// commandQueueSize matches the teacher's single-executor discipline:
// one command runs at a time, but a second arriving while busy is
// accepted and queued rather than rejected (spec §4.3).
const commandQueueSize = 16

// Agent coordinates a single edge node's side of the protocol.
type Agent struct {
	cfg *agentconfig.Config
	log zerolog.Logger
	bus *bus.Client

	mu       sync.RWMutex
	nodeID   string
	status   string
	ackCh    chan ackResult
	queue    chan commandJob
	stopOnce sync.Once
	stopCh   chan struct{}
}

type ackResult struct {
	nodeID string
	err    error
}

type commandJob struct {
	execID  string
	command string
}

// New constructs an Agent. Run must be called to start it.
func New(cfg *agentconfig.Config, log zerolog.Logger) *Agent {
	return &Agent{
		cfg:    cfg,
		log:    log.With().Str("component", "agent").Logger(),
		status: protocol.StatusIdle,
		ackCh:  make(chan ackResult, 1),
		queue:  make(chan commandJob, commandQueueSize),
		stopCh: make(chan struct{}),
	}
}

// Run connects to the bus, performs the registration handshake, and
// blocks running the heartbeat loop and the single-executor command
// queue until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	tlsCfg := buildTLSConfig(a.cfg)
	a.bus = bus.New(bus.Options{
		Broker:   a.cfg.Broker,
		ClientID: "agent-" + uuid.NewString()[:8],
		TLS:      tlsCfg,
		Log:      a.log,
	})

	a.bus.Subscribe(protocol.TopicRegister, 1, a.onRegisterReply)

	if err := a.bus.Connect(); err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer a.bus.Disconnect(250 * time.Millisecond)

	if err := a.register(ctx); err != nil {
		return err
	}

	a.bus.Subscribe(protocol.TopicCmd(a.nodeID), 1, a.onCommand)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.executorLoop(ctx)
	}()

	<-ctx.Done()
	a.stopOnce.Do(func() { close(a.stopCh) })
	wg.Wait()
	a.log.Info().Msg("agent stopped")
	return nil
}

// register publishes register_req keyed on node_name and waits for an
// ack or nak (spec §4.3). A locally cached identity is only logged; it
// is not sent, since the Master assigns the identity.
func (a *Agent) register(ctx context.Context) error {
	cached, err := loadIdentity(a.cfg.IdentityFile)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to read identity file, registering fresh")
	}
	if cached != "" {
		a.log.Info().Str("cached_node_id", cached).Msg("found cached identity, re-registering to sync")
	}

	payload := protocol.RegisterReqPayload{
		NodeName:  a.cfg.NodeName,
		SecretKey: a.cfg.SecretKey,
		IP:        localIP(),
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	a.bus.PublishJSON(protocol.TopicRegister, mustWrap(protocol.KindRegisterReq, payload), 1)

	select {
	case res := <-a.ackCh:
		if res.err != nil {
			return res.err
		}
		a.mu.Lock()
		a.nodeID = res.nodeID
		a.mu.Unlock()
		if err := saveIdentity(a.cfg.IdentityFile, res.nodeID); err != nil {
			a.log.Warn().Err(err).Msg("failed to persist identity file")
		}
		a.log.Info().Str("node_id", res.nodeID).Msg("registered")
		return nil
	case <-time.After(registerAckTimeout):
		return fmt.Errorf("registration timed out waiting for ack")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onRegisterReply fires for every register_ack/register_nak on the
// shared system/register topic, including replies meant for other
// agents. Once this agent holds an identity it ignores further
// traffic; the brief overlap during awaiting_ack is inherent to using
// a single non-addressed reply topic and is accepted as part of this
// wire protocol (see the grounding ledger).
func (a *Agent) onRegisterReply(_, kind string, payload json.RawMessage) {
	if a.currentNodeID() != "" {
		return
	}

	switch kind {
	case protocol.KindRegisterAck:
		var ack protocol.RegisterAckPayload
		if err := json.Unmarshal(payload, &ack); err != nil {
			a.log.Warn().Err(err).Msg("malformed register_ack")
			return
		}
		select {
		case a.ackCh <- ackResult{nodeID: ack.NodeID}:
		default:
		}
	case protocol.KindRegisterNak:
		var nak protocol.RegisterNakPayload
		if err := json.Unmarshal(payload, &nak); err != nil {
			a.log.Warn().Err(err).Msg("malformed register_nak")
			return
		}
		select {
		case a.ackCh <- ackResult{err: fmt.Errorf("registration denied: %s", nak.Reason)}:
		default:
		}
	}
}

func (a *Agent) onCommand(_, _ string, payload json.RawMessage) {
	var cmd protocol.CmdPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		a.log.Warn().Err(err).Msg("malformed cmd payload")
		return
	}
	select {
	case a.queue <- commandJob{execID: cmd.ExecID, command: cmd.Command}:
	default:
		a.log.Error().Str("exec_id", cmd.ExecID).Msg("command queue full, dropping dispatch")
	}
}

func (a *Agent) executorLoop(ctx context.Context) {
	for {
		select {
		case <-a.stopCh:
			return
		case job := <-a.queue:
			a.setStatus(protocol.StatusBusy)
			exitCode := a.execute(ctx, job.execID, job.command)
			a.log.Info().Str("exec_id", job.execID).Int("exit_code", exitCode).Msg("command finished")
			a.setStatus(protocol.StatusIdle)
		}
	}
}

func (a *Agent) setStatus(status string) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

func (a *Agent) currentStatus() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Agent) currentNodeID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nodeID
}

func mustWrap(kind string, payload any) *protocol.Message {
	msg, err := protocol.NewMessage(kind, payload)
	if err != nil {
		// Only fails if payload isn't JSON-marshalable, which every
		// payload struct in this package is by construction.
		panic(fmt.Sprintf("agent: failed to wrap %s payload: %v", kind, err))
	}
	return msg
}
