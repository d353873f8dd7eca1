package fanout_test

import (
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/edgefleet/internal/fanout"
)

// recordingChannel is a test Channel that records every send on a
// buffered slice, guarded by a mutex since Send is invoked from the
// plane's broadcast goroutine.
type recordingChannel struct {
	mu    sync.Mutex
	recvd [][]byte
	alive bool
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{alive: true}
}

func (c *recordingChannel) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return false
	}
	c.recvd = append(c.recvd, data)
	return true
}

func (c *recordingChannel) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recvd)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestBroadcastGlobalReachesAllSubscribers(t *testing.T) {
	p := fanout.New()
	defer p.Stop()

	a := newRecordingChannel()
	b := newRecordingChannel()
	p.AttachGlobal(a)
	p.AttachGlobal(b)

	p.BroadcastGlobal([]byte(`{"kind":"node_update"}`))

	waitFor(t, func() bool { return a.count() == 1 && b.count() == 1 })
}

func TestPushLogOnlyReachesThatNodesSubscribers(t *testing.T) {
	p := fanout.New()
	defer p.Stop()

	nodeA := newRecordingChannel()
	nodeB := newRecordingChannel()
	p.AttachLog("node-a", nodeA)
	p.AttachLog("node-b", nodeB)

	p.PushLog("node-a", []byte("hello"))

	waitFor(t, func() bool { return nodeA.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if nodeB.count() != 0 {
		t.Fatalf("node-b received %d messages, want 0", nodeB.count())
	}
}

func TestDeadSubscriberIsDetachedAfterFailedSend(t *testing.T) {
	p := fanout.New()
	defer p.Stop()

	dead := newRecordingChannel()
	dead.kill()
	p.AttachGlobal(dead)

	live := newRecordingChannel()
	p.AttachGlobal(live)

	p.BroadcastGlobal([]byte("one"))
	waitFor(t, func() bool { return live.count() == 1 })

	p.BroadcastGlobal([]byte("two"))
	waitFor(t, func() bool { return live.count() == 2 })

	if dead.count() != 0 {
		t.Fatalf("dead channel recorded %d sends, want 0", dead.count())
	}
	if global, _ := p.Stats(); global != 1 {
		t.Fatalf("global subscribers = %d, want 1 after the dead channel is detached", global)
	}
}

func TestStatsReflectsAttachedSubscribers(t *testing.T) {
	p := fanout.New()
	defer p.Stop()

	p.AttachGlobal(newRecordingChannel())
	p.AttachGlobal(newRecordingChannel())
	p.AttachLog("node-a", newRecordingChannel())
	p.AttachLog("node-b", newRecordingChannel())
	p.AttachLog("node-b", newRecordingChannel())

	global, logs := p.Stats()
	if global != 2 {
		t.Fatalf("global subscribers = %d, want 2", global)
	}
	if logs != 3 {
		t.Fatalf("log subscribers = %d, want 3", logs)
	}
}

func TestDetachLogRemovesEmptyNodeSet(t *testing.T) {
	p := fanout.New()
	defer p.Stop()

	ch := newRecordingChannel()
	p.AttachLog("node-a", ch)
	p.DetachLog("node-a", ch)

	p.PushLog("node-a", []byte("orphaned"))
	time.Sleep(20 * time.Millisecond)
	if ch.count() != 0 {
		t.Fatalf("detached channel recorded %d sends, want 0", ch.count())
	}
}
