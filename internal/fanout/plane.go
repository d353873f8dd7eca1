// Package fanout implements the in-memory viewer plane described in
// spec §4.6: a global subscriber set for status events, and a per-node
// subscriber set for log/cmd_done events, pushed to on ingest.
//
// It generalizes the teacher's dashboard.Hub broadcast discipline — an
// async queue decoupling pushes from state mutation, and a
// copy-then-iterate-outside-the-lock pattern for sends — from "browsers
// vs. agents" to "global viewers vs. per-node log viewers".
package fanout

import (
	"sync"
)

// Channel is the opaque viewer handle spec §4.7 calls out: something a
// push can be attempted against, and that can be removed on failure.
// The HTTP layer's WebSocket handlers adapt a connection to this
// interface.
type Channel interface {
	// Send attempts to deliver data to the viewer. It returns false if
	// the viewer is gone and should be detached — never panics.
	Send(data []byte) bool
}

const broadcastQueueSize = 1024

// event is a queued push, either to the global set (nodeID empty) or to
// one node's log set. Both kinds share a single queue/goroutine so that
// pushes are delivered in the exact order they were enqueued — required
// by the cmd_done-before-node_update ordering contract (spec §4.5/§8):
// two independently-drained queues cannot promise that across queues,
// only within each one.
type event struct {
	nodeID string
	data   []byte
}

// Plane holds the two disjoint subscriber sets and a single async
// broadcast queue, exactly as the teacher's Hub decouples pushes from
// callers via its own queue.
type Plane struct {
	mu     sync.RWMutex
	global map[Channel]struct{}
	logs   map[string]map[Channel]struct{}

	queue chan event

	done chan struct{}
}

// New creates a Plane and starts its broadcast goroutine. Stop must be
// called to release it.
func New() *Plane {
	p := &Plane{
		global: make(map[Channel]struct{}),
		logs:   make(map[string]map[Channel]struct{}),
		queue:  make(chan event, broadcastQueueSize),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

// Stop drains no further messages and releases the broadcast goroutine.
func (p *Plane) Stop() {
	close(p.done)
}

// Stats reports current subscriber counts, for the viewer HTTP surface's
// Prometheus gauges.
func (p *Plane) Stats() (globalSubscribers int, logSubscribers int) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	globalSubscribers = len(p.global)
	for _, set := range p.logs {
		logSubscribers += len(set)
	}
	return globalSubscribers, logSubscribers
}

// AttachGlobal registers ch to receive node_update and heartbeat events.
func (p *Plane) AttachGlobal(ch Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.global[ch] = struct{}{}
}

// DetachGlobal removes ch from the global set.
func (p *Plane) DetachGlobal(ch Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.global, ch)
}

// AttachLog registers ch to receive log_line and cmd_done events for nodeID.
func (p *Plane) AttachLog(nodeID string, ch Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.logs[nodeID]
	if !ok {
		set = make(map[Channel]struct{})
		p.logs[nodeID] = set
	}
	set[ch] = struct{}{}
}

// DetachLog removes ch from nodeID's log set.
func (p *Plane) DetachLog(nodeID string, ch Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.logs[nodeID]
	if !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(p.logs, nodeID)
	}
}

// BroadcastGlobal queues data for every global subscriber. Non-blocking:
// if the queue is full the event is dropped (spec §4.6 accepts this).
func (p *Plane) BroadcastGlobal(data []byte) {
	select {
	case p.queue <- event{data: data}:
	default:
	}
}

// PushLog queues data for every subscriber of nodeID's log set.
func (p *Plane) PushLog(nodeID string, data []byte) {
	select {
	case p.queue <- event{nodeID: nodeID, data: data}:
	default:
	}
}

// loop is the single broadcast goroutine. Draining one queue in one
// goroutine is what makes the enqueue order of PushLog/BroadcastGlobal
// calls the delivery order callers observe.
func (p *Plane) loop() {
	for {
		select {
		case <-p.done:
			return
		case ev := <-p.queue:
			if ev.nodeID == "" {
				p.sendGlobal(ev.data)
			} else {
				p.sendLog(ev.nodeID, ev.data)
			}
		}
	}
}

// sendGlobal copies the subscriber set out from under the lock before
// sending, so a slow or blocking viewer never holds up mutation of the
// set (mirrors the teacher's doBroadcast).
func (p *Plane) sendGlobal(data []byte) {
	p.mu.RLock()
	chans := make([]Channel, 0, len(p.global))
	for ch := range p.global {
		chans = append(chans, ch)
	}
	p.mu.RUnlock()

	for _, ch := range chans {
		if !ch.Send(data) {
			p.DetachGlobal(ch)
		}
	}
}

func (p *Plane) sendLog(nodeID string, data []byte) {
	p.mu.RLock()
	set := p.logs[nodeID]
	chans := make([]Channel, 0, len(set))
	for ch := range set {
		chans = append(chans, ch)
	}
	p.mu.RUnlock()

	for _, ch := range chans {
		if !ch.Send(data) {
			p.DetachLog(nodeID, ch)
		}
	}
}
