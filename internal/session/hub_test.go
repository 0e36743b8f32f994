package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/logx"
	"appforge/pkg/proto"
)

func newTestHub() *hub {
	return newHub(logx.NewLogger("hub-test"))
}

func snapshotMsg() proto.Message {
	return proto.NewAgentStateMsg(proto.NewAgentState())
}

func TestSubscribeSnapshotFirst(t *testing.T) {
	h := newTestHub()
	sub := h.subscribe(snapshotMsg())

	h.broadcast(proto.NewFileChunkMsg("src/App.tsx", "x"))

	first := <-sub.Messages()
	assert.Equal(t, proto.MsgAgentState, first.Type)
	second := <-sub.Messages()
	assert.Equal(t, proto.MsgFileChunkGenerated, second.Type)
}

func TestBackpressureDropsChunksKeepsLifecycle(t *testing.T) {
	h := newTestHub()
	slow := h.subscribe(snapshotMsg())
	fast := h.subscribe(snapshotMsg())

	// Drain the fast subscriber as we go; leave the slow one alone.
	var fastGot []proto.MsgType
	drainFast := func() {
		for {
			select {
			case msg := <-fast.Messages():
				fastGot = append(fastGot, msg.Type)
			default:
				return
			}
		}
	}

	// Push well past the high-water mark without draining slow.
	const chunks = SubscriberHighWater + 40
	for i := 0; i < chunks; i++ {
		h.broadcast(proto.NewFileChunkMsg("src/App.tsx", "x"))
		drainFast()
	}
	h.broadcast(proto.NewFileGeneratedMsg("src/App.tsx", "done"))
	h.broadcast(proto.NewPhaseMsg(proto.MsgPhaseImplemented, "done", proto.PhaseConcept{Name: "p"}))
	drainFast()

	assert.Positive(t, slow.Dropped(), "slow subscriber should have dropped chunks")
	assert.Zero(t, fast.Dropped(), "drained subscriber must not drop")

	// The fast subscriber saw every chunk plus both lifecycle messages.
	chunkCount := 0
	for _, typ := range fastGot {
		if typ == proto.MsgFileChunkGenerated {
			chunkCount++
		}
	}
	assert.Equal(t, chunks, chunkCount)

	// Lifecycle messages landed in the slow subscriber's reserved headroom.
	var slowTypes []proto.MsgType
	for {
		select {
		case msg := <-slow.Messages():
			slowTypes = append(slowTypes, msg.Type)
		default:
			assert.Contains(t, slowTypes, proto.MsgFileGenerated)
			assert.Contains(t, slowTypes, proto.MsgPhaseImplemented)
			return
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := newTestHub()
	sub := h.subscribe(snapshotMsg())
	require.Equal(t, 1, h.subscriberCount())

	h.unsubscribe(sub)
	assert.Equal(t, 0, h.subscriberCount())

	<-sub.Messages() // snapshot
	_, open := <-sub.Messages()
	assert.False(t, open)

	// Broadcasting after unsubscribe must not panic.
	h.broadcast(proto.NewFileChunkMsg("a.ts", "x"))
}

func TestHubCloseDetachesAll(t *testing.T) {
	h := newTestHub()
	a := h.subscribe(snapshotMsg())
	b := h.subscribe(snapshotMsg())

	h.close()
	assert.Equal(t, 0, h.subscriberCount())

	<-a.Messages()
	_, open := <-a.Messages()
	assert.False(t, open)
	<-b.Messages()
	_, open = <-b.Messages()
	assert.False(t, open)

	// Subscribing after close yields a closed channel.
	c := h.subscribe(snapshotMsg())
	_, open = <-c.Messages()
	assert.False(t, open)
}
