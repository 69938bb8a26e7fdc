package transport

import (
	"sync"
	"testing"

	"amqp-rpc/broker"
	"amqp-rpc/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) emit(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventKind
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestRouter() (*router, *eventLog) {
	log := &eventLog{}
	return newRouter(zap.NewNop(), newMetrics(nil, "test"), log.emit), log
}

// 测试多个服务共享回复队列时按 seq 分发
func TestRouterDemultiplexesSharedReplies(t *testing.T) {
	rt, events := newTestRouter()
	a, b := newFakeService(), newFakeService()
	rt.register("A", a)
	rt.register("B", b)

	rt.bind(1, "A")
	rt.bind(2, "B")
	rt.bind(3, "A")
	r1, r2, r3 := a.expect(1), b.expect(2), a.expect(3)

	buf := NewFrameBuffer(0)
	buf.Append(concat(
		frame(t, protocol.MsgTypeResponse, 2, "B.Get", "two"),
		frame(t, protocol.MsgTypeResponse, 3, "A.Get", "three"),
		frame(t, protocol.MsgTypeResponse, 1, "A.Get", "one"),
	))
	require.NoError(t, rt.dispatch(buf))

	assert.Equal(t, "one", await(t, r1).reply)
	assert.Equal(t, "two", await(t, r2).reply)
	assert.Equal(t, "three", await(t, r3).reply)
	assert.Empty(t, rt.bindings)
	assert.Equal(t, 0, buf.Buffered())
	assert.Empty(t, events.kinds())
}

// Splitting the reply stream at any byte offset yields the same completions.
func TestRouterChunkSplitInvariance(t *testing.T) {
	stream := concat(
		frame(t, protocol.MsgTypeResponse, 1, "A.Get", "one"),
		frame(t, protocol.MsgTypeException, 2, "B.Get", "boom"),
		frame(t, protocol.MsgTypeResponse, 3, "A.Get", ""),
	)

	for cut := 0; cut <= len(stream); cut++ {
		rt, _ := newTestRouter()
		a, b := newFakeService(), newFakeService()
		rt.register("A", a)
		rt.register("B", b)
		rt.bind(1, "A")
		rt.bind(2, "B")
		rt.bind(3, "A")
		r1, r2, r3 := a.expect(1), b.expect(2), a.expect(3)

		buf := NewFrameBuffer(8)
		buf.Append(stream[:cut])
		require.NoError(t, rt.dispatch(buf), "cut %d", cut)
		buf.Append(stream[cut:])
		require.NoError(t, rt.dispatch(buf), "cut %d", cut)

		assert.Equal(t, "one", await(t, r1).reply, "cut %d", cut)
		assert.EqualError(t, await(t, r2).err, "boom", "cut %d", cut)
		assert.Equal(t, "", await(t, r3).reply, "cut %d", cut)
		for seq := uint32(1); seq <= 3; seq++ {
			svc := a
			if seq == 2 {
				svc = b
			}
			assert.Equal(t, 1, svc.completions(seq), "cut %d seq %d", cut, seq)
		}
		assert.Equal(t, 0, buf.Buffered())
	}
}

func TestRouterByteByByte(t *testing.T) {
	rt, _ := newTestRouter()
	a := newFakeService()
	rt.register("A", a)
	rt.bind(5, "A")
	r := a.expect(5)

	buf := NewFrameBuffer(2)
	for _, c := range frame(t, protocol.MsgTypeResponse, 5, "A.Get", "five") {
		assertPending(t, r)
		buf.Append([]byte{c})
		require.NoError(t, rt.dispatch(buf))
	}
	assert.Equal(t, "five", await(t, r).reply)
}

func TestRouterUnknownSeq(t *testing.T) {
	rt, events := newTestRouter()
	rt.register("A", newFakeService())
	rt.register("B", newFakeService())

	buf := NewFrameBuffer(0)
	buf.Append(frame(t, protocol.MsgTypeResponse, 42, "A.Get", "lost"))
	require.NoError(t, rt.dispatch(buf))

	assert.Equal(t, []EventKind{EventUnknownResponse}, events.kinds())
	assert.Equal(t, uint32(42), events.events[0].Seq)
	assert.ErrorIs(t, events.events[0].Err, ErrUnknownResponse)
	assert.Equal(t, 0, buf.Buffered())
}

// With a single client a reply without a binding is still offered to it.
func TestRouterSingleClientFallback(t *testing.T) {
	rt, events := newTestRouter()
	a := newFakeService()
	rt.register("A", a)
	r := a.expect(8)

	buf := NewFrameBuffer(0)
	buf.Append(frame(t, protocol.MsgTypeResponse, 8, "A.Get", "eight"))
	require.NoError(t, rt.dispatch(buf))
	assert.Equal(t, "eight", await(t, r).reply)
	assert.Empty(t, events.kinds())
}

func TestRouterLateReplyIsUnknown(t *testing.T) {
	rt, events := newTestRouter()
	a := newFakeService()
	rt.register("A", a)
	rt.register("B", newFakeService())
	rt.bind(4, "A") // bound, but the caller already gave up

	buf := NewFrameBuffer(0)
	buf.Append(frame(t, protocol.MsgTypeResponse, 4, "A.Get", "late"))
	require.NoError(t, rt.dispatch(buf))
	assert.Equal(t, []EventKind{EventUnknownResponse}, events.kinds())
	assert.Empty(t, rt.bindings)
}

func TestRouterUnknownFunctionFailsRequest(t *testing.T) {
	rt, events := newTestRouter()
	a := newFakeService("A.Get")
	rt.register("A", a)
	rt.bind(1, "A")
	rt.bind(2, "A")
	r1, r2 := a.expect(1), a.expect(2)

	buf := NewFrameBuffer(0)
	buf.Append(concat(
		frame(t, protocol.MsgTypeResponse, 1, "A.Put", "x"),
		frame(t, protocol.MsgTypeResponse, 2, "A.Get", "y"),
	))
	require.NoError(t, rt.dispatch(buf))

	assert.ErrorIs(t, await(t, r1).err, ErrUnknownResponse)
	assert.Equal(t, "y", await(t, r2).reply)
	assert.Equal(t, []EventKind{EventUnknownResponse}, events.kinds())
}

func TestRouterReceiverWithoutResult(t *testing.T) {
	rt, _ := newTestRouter()
	a := newFakeService()
	a.silent = true
	rt.register("A", a)
	rt.bind(1, "A")
	r := a.expect(1)

	buf := NewFrameBuffer(0)
	buf.Append(frame(t, protocol.MsgTypeResponse, 1, "A.Get", "x"))
	require.NoError(t, rt.dispatch(buf))
	assert.ErrorIs(t, await(t, r).err, ErrNoReply)
	assert.Equal(t, 0, buf.Buffered())
}

// 测试回调最多触发一次
func TestRouterCompletesAtMostOnce(t *testing.T) {
	rt, events := newTestRouter()
	a := newFakeService()
	a.twice = true
	rt.register("A", a)
	rt.bind(1, "A")
	r := a.expect(1)

	buf := NewFrameBuffer(0)
	buf.Append(frame(t, protocol.MsgTypeResponse, 1, "A.Get", "once"))
	require.NoError(t, rt.dispatch(buf))
	assert.Equal(t, "once", await(t, r).reply)
	assert.Equal(t, 1, a.completions(1))
	assert.Empty(t, events.kinds())
}

func TestRouterCorruptStream(t *testing.T) {
	rt, _ := newTestRouter()
	a := newFakeService()
	rt.register("A", a)
	rt.bind(1, "A")
	r := a.expect(1)

	buf := NewFrameBuffer(0)
	buf.Append([]byte("garbage-garbage-garbage"))
	assert.Error(t, rt.dispatch(buf))
	assert.Equal(t, 0, buf.Buffered())

	// the stream recovers with the next well-formed delivery
	buf.Append(frame(t, protocol.MsgTypeResponse, 1, "A.Get", "ok"))
	require.NoError(t, rt.dispatch(buf))
	assert.Equal(t, "ok", await(t, r).reply)
}

func TestRouterReturned(t *testing.T) {
	rt, events := newTestRouter()
	a, b := newFakeService(), newFakeService()
	rt.register("A", a)
	rt.register("B", b)
	rt.bind(7, "A")
	rt.bind(8, "B")
	rt.markPublished(7)
	rt.markPublished(8)
	r7, r8 := a.expect(7), b.expect(8)

	seqs := rt.returned(broker.Return{
		ReplyCode:  312,
		ReplyText:  "NO_ROUTE",
		Exchange:   "services",
		RoutingKey: "calc",
		Body: concat(
			frame(t, protocol.MsgTypeRequest, 7, "A.Get", "{}"),
			frame(t, protocol.MsgTypeRequest, 8, "B.Get", "{}"),
		),
	})

	assert.Equal(t, []uint32{7, 8}, seqs)
	assert.ErrorIs(t, await(t, r7).err, ErrUndeliverable)
	assert.ErrorIs(t, await(t, r8).err, ErrUndeliverable)
	assert.Equal(t, []EventKind{EventUndeliverable, EventUndeliverable}, events.kinds())
	assert.Equal(t, "A", events.events[0].Service)
	assert.Equal(t, "B", events.events[1].Service)
	assert.Empty(t, rt.bindings)
}

func TestRouterPurgePublishedOnly(t *testing.T) {
	rt, _ := newTestRouter()
	a := newFakeService()
	rt.register("A", a)
	rt.bind(1, "A")
	rt.bind(2, "A")
	rt.markPublished(1)
	r1, r2 := a.expect(1), a.expect(2)

	assert.Equal(t, 1, rt.purgePublished(ErrConnectionLost))
	assert.ErrorIs(t, await(t, r1).err, ErrConnectionLost)
	assertPending(t, r2)
	assert.Contains(t, rt.bindings, uint32(2))
}
