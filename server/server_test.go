package server

import (
	"context"
	"testing"
	"time"

	"amqp-rpc/broker"
	"amqp-rpc/broker/brokertest"
	"amqp-rpc/codec"
	"amqp-rpc/message"
	"amqp-rpc/protocol"
	"amqp-rpc/registry"
	"amqp-rpc/transport"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Slow(args *Args, reply *Reply) error {
	time.Sleep(time.Duration(args.A) * time.Millisecond)
	reply.Result = args.A
	return nil
}

func (a *Arith) Panic(args *Args, reply *Reply) error {
	panic("boom")
}

func (a *Arith) notExported(args *Args, reply *Reply) error { return nil }

const testQueue = "calc"

// peer is a raw client: a session with a reply queue bound to the responses
// exchange, publishing hand-built frames.
type peer struct {
	ch      broker.Channel
	queue   string
	replies <-chan broker.Delivery
}

func newPeer(t *testing.T, b *brokertest.Broker) *peer {
	t.Helper()
	sess, err := b.Dial(context.Background(), "amqp://peer")
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	ch, err := sess.Channel()
	require.NoError(t, err)
	require.NoError(t, ch.DeclareExchange("responses", broker.ExchangeDirect, broker.ExchangeOptions{}))
	q, err := ch.DeclareQueue("", broker.QueueOptions{Exclusive: true, AutoDelete: true})
	require.NoError(t, err)
	require.NoError(t, ch.BindQueue(q, "responses", q))
	replies, err := ch.Consume(q, broker.ConsumeOptions{AutoAck: true})
	require.NoError(t, err)
	return &peer{ch: ch, queue: q, replies: replies}
}

func requestFrame(t *testing.T, seq uint32, method string, args any) []byte {
	t.Helper()
	payload, err := json.Marshal(args)
	require.NoError(t, err)
	body, err := codec.GetCodec(codec.CodecTypeJSON).Encode(&message.RPCMessage{ServiceMethod: method, Payload: payload})
	require.NoError(t, err)
	frame, err := protocol.AppendFrame(nil, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: seq, Name: method}, body)
	require.NoError(t, err)
	return frame
}

func (p *peer) send(t *testing.T, body []byte) {
	t.Helper()
	require.NoError(t, p.ch.Publish(context.Background(), "services", testQueue, broker.Publishing{Body: body, ReplyTo: p.queue}))
}

func (p *peer) recv(t *testing.T) (*protocol.Header, *message.RPCMessage) {
	t.Helper()
	select {
	case d := <-p.replies:
		buf := transport.NewFrameBuffer(len(d.Body))
		buf.Append(d.Body)
		r := protocol.NewReader(buf)
		h, err := r.ReadMessageBegin()
		require.NoError(t, err)
		body, err := r.ReadBody()
		require.NoError(t, err)
		var msg message.RPCMessage
		require.NoError(t, codec.GetCodec(codec.CodecType(h.CodecType)).Decode(body, &msg))
		return h, &msg
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return nil, nil
	}
}

func serve(t *testing.T, b *brokertest.Broker, opts ...Option) (*Server, <-chan error) {
	t.Helper()
	svr := NewServer(append([]Option{WithDialer(b), WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, svr.Register(&Arith{}))

	cfg := DefaultConfig()
	cfg.URL = "amqp://rabbit-1:5672/"
	cfg.Queue = testQueue
	errc := make(chan error, 1)
	go func() { errc <- svr.Serve(context.Background(), cfg) }()
	require.Eventually(t, func() bool { return b.HasQueue(testQueue) }, 2*time.Second, 5*time.Millisecond)
	return svr, errc
}

func TestServer(t *testing.T) {
	b := brokertest.New()
	svr, errc := serve(t, b)
	p := newPeer(t, b)

	p.send(t, requestFrame(t, 123, "Arith.Add", &Args{1, 2}))
	h, msg := p.recv(t)

	assert.Equal(t, uint32(123), h.Seq)
	assert.Equal(t, protocol.MsgTypeResponse, h.MsgType)
	assert.Equal(t, protocol.CodecTypeJSON, h.CodecType)
	assert.Equal(t, "Arith.Add", h.Name)

	var reply Reply
	require.NoError(t, json.Unmarshal(msg.Payload, &reply))
	assert.Equal(t, 3, reply.Result)

	require.NoError(t, svr.Shutdown(time.Second))
	assert.NoError(t, <-errc)
}

func TestServerExceptions(t *testing.T) {
	b := brokertest.New()
	svr, errc := serve(t, b)
	defer func() { svr.Shutdown(time.Second); <-errc }()
	p := newPeer(t, b)

	cases := []struct {
		method string
		want   string
	}{
		{"Arith.Mul", "can't find method"},
		{"Calc.Add", "can't find service"},
		{"Arith", "invalid service method"},
		{"Arith.Panic", "panicked: boom"},
	}
	for i, tc := range cases {
		p.send(t, requestFrame(t, uint32(i+1), tc.method, &Args{}))
		h, msg := p.recv(t)
		assert.Equal(t, uint32(i+1), h.Seq)
		assert.Equal(t, protocol.MsgTypeException, h.MsgType, tc.method)
		assert.Contains(t, msg.Error, tc.want)
	}
}

// 测试一次投递中包含多个请求帧
func TestServerBatchedFrames(t *testing.T) {
	b := brokertest.New()
	svr, errc := serve(t, b)
	defer func() { svr.Shutdown(time.Second); <-errc }()
	p := newPeer(t, b)

	batch := append(requestFrame(t, 1, "Arith.Add", &Args{1, 1}), requestFrame(t, 2, "Arith.Add", &Args{2, 2})...)
	p.send(t, batch)

	got := map[uint32]int{}
	for i := 0; i < 2; i++ {
		h, msg := p.recv(t)
		var reply Reply
		require.NoError(t, json.Unmarshal(msg.Payload, &reply))
		got[h.Seq] = reply.Result
	}
	assert.Equal(t, map[uint32]int{1: 2, 2: 4}, got)
}

func TestServerDropsMalformed(t *testing.T) {
	b := brokertest.New()
	svr, errc := serve(t, b)
	defer func() { svr.Shutdown(time.Second); <-errc }()
	p := newPeer(t, b)

	p.send(t, []byte("definitely not a frame"))
	frame := requestFrame(t, 9, "Arith.Add", &Args{4, 5})
	p.send(t, frame[:len(frame)-1])
	p.send(t, frame)

	h, _ := p.recv(t)
	assert.Equal(t, uint32(9), h.Seq)
	select {
	case <-p.replies:
		t.Fatal("malformed request answered")
	case <-time.After(50 * time.Millisecond):
	}
}

// 测试优雅关闭：等待正在处理的请求完成并发送回复
func TestServerShutdownDrains(t *testing.T) {
	b := brokertest.New()
	svr, errc := serve(t, b)
	p := newPeer(t, b)

	p.send(t, requestFrame(t, 1, "Arith.Slow", &Args{A: 100}))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, svr.Shutdown(time.Second))
	assert.NoError(t, <-errc)

	h, msg := p.recv(t)
	assert.Equal(t, uint32(1), h.Seq)
	assert.Empty(t, msg.Error)
	require.NoError(t, svr.Shutdown(time.Second))
}

func TestServerShutdownTimeout(t *testing.T) {
	b := brokertest.New()
	// the slow handler outlives the test
	svr, errc := serve(t, b, WithLogger(zap.NewNop()))
	p := newPeer(t, b)

	p.send(t, requestFrame(t, 1, "Arith.Slow", &Args{A: 300}))
	time.Sleep(20 * time.Millisecond)
	assert.Error(t, svr.Shutdown(10*time.Millisecond))
	<-errc
}

func TestServerContextCancel(t *testing.T) {
	b := brokertest.New()
	svr := NewServer(WithDialer(b))
	require.NoError(t, svr.Register(&Arith{}))

	cfg := DefaultConfig()
	cfg.URL = "amqp://rabbit"
	cfg.Queue = testQueue
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- svr.Serve(ctx, cfg) }()
	require.Eventually(t, func() bool { return b.HasQueue(testQueue) }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, 0, b.OpenSessions())
}

func TestServerConsumerLost(t *testing.T) {
	b := brokertest.New()
	_, errc := serve(t, b)

	b.KillSessions(nil)
	select {
	case err := <-errc:
		var amqpErr *broker.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, 320, amqpErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServerRegistry(t *testing.T) {
	b := brokertest.New()
	reg := registry.NewMemoryRegistry()
	svr, errc := serve(t, b, WithRegistry(reg, registry.ServiceInstance{Weight: 3}, 10))

	var list []registry.ServiceInstance
	require.Eventually(t, func() bool {
		list, _ = reg.Discover(testQueue)
		return len(list) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []registry.ServiceInstance{{Addr: "amqp://rabbit-1:5672/", Weight: 3}}, list)

	require.NoError(t, svr.Shutdown(time.Second))
	require.NoError(t, <-errc)
	list, err := reg.Discover(testQueue)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestServeConfigErrors(t *testing.T) {
	svr := NewServer(WithDialer(brokertest.New()))
	err := svr.Serve(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request queue is required")

	b := brokertest.New()
	b.FailDials(1, brokertest.ErrDialRefused)
	cfg := DefaultConfig()
	cfg.URL, cfg.Queue = "amqp://x", testQueue
	assert.ErrorIs(t, NewServer(WithDialer(b)).Serve(context.Background(), cfg), brokertest.ErrDialRefused)
}

func TestRegister(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(&Arith{}))
	assert.Error(t, svr.Register(&Arith{}), "duplicate")
	require.NoError(t, svr.RegisterName("Calc", &Arith{}))

	assert.Error(t, svr.Register(Arith{}), "not a pointer")
	assert.Error(t, svr.Register(new(int)), "not a struct")
	assert.Error(t, svr.RegisterName("lower", &Arith{}))

	svc := svr.serviceMap["Arith"]
	assert.Contains(t, svc.method, "Add")
	assert.NotContains(t, svc.method, "notExported")
}
