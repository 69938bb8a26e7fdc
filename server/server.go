// Package server implements the servicer side: it consumes requests from a
// queue bound to the services exchange, dispatches them to registered
// receivers through a middleware chain and publishes each reply to the
// responses exchange, keyed by the request's reply-to queue.
//
// Request processing pipeline:
//
//	request queue → Serve (single goroutine splits deliveries into frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode
//	    → borrow a channel from the pool → publish reply
package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"amqp-rpc/broker"
	"amqp-rpc/codec"
	"amqp-rpc/message"
	"amqp-rpc/middleware"
	"amqp-rpc/protocol"
	"amqp-rpc/registry"
	"amqp-rpc/transport"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const contentType = "application/x-amqp-rpc"

// Config describes where a servicer takes its requests from.
type Config struct {
	URL               string
	ServicesExchange  string
	ResponsesExchange string
	// Queue is the request queue. It is bound to the services exchange under
	// its own name, so it is also the routing key clients publish with.
	Queue string
	// Publishers bounds the channels used concurrently to publish replies.
	Publishers int
	// PublishTimeout bounds a single reply publish.
	PublishTimeout time.Duration
}

// DefaultConfig returns a Config matching transport.DefaultConfig.
func DefaultConfig() Config {
	return Config{
		ServicesExchange:  "services",
		ResponsesExchange: "responses",
		Publishers:        4,
		PublishTimeout:    5 * time.Second,
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("broker URL is required"))
	}
	if c.ServicesExchange == "" || c.ResponsesExchange == "" {
		errs = append(errs, errors.New("services and responses exchanges are required"))
	}
	if c.Queue == "" {
		errs = append(errs, errors.New("request queue is required"))
	}
	return errors.Join(errs...)
}

// Server is the RPC servicer that registers services and handles incoming requests.
type Server struct {
	serviceMap  map[string]*service     // Registered services: "Arith" → *service
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))
	log         *zap.Logger
	dialer      broker.Dialer

	registry    registry.Registry         // nil if not using discovery
	instance    registry.ServiceInstance  // what gets advertised under the queue name
	registryTTL int64

	wg       sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	shutdown atomic.Bool

	mu       sync.Mutex
	cfg      Config
	sess     broker.Session
	consumer broker.Channel
	pool     *broker.ChannelPool
	loopDone chan struct{} // closed when Serve stops reading deliveries
	stopped  chan struct{} // closed once the session is closed
	drained  *sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithDialer replaces the amqp091 dialer.
func WithDialer(d broker.Dialer) Option {
	return func(s *Server) { s.dialer = d }
}

// WithRegistry advertises inst under the request queue name while serving.
// An empty inst.Addr advertises the broker URL.
func WithRegistry(reg registry.Registry, inst registry.ServiceInstance, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.instance = inst
		s.registryTTL = ttl
	}
}

// NewServer creates a new RPC server with an empty service map.
func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		log:        zap.NewNop(),
		dialer:     &broker.AMQPDialer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register publishes the methods of rcvr (e.g. &Arith{}) under its type name.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName is like Register but uses name instead of the type name.
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(rcvr, name)
	if err != nil {
		return err
	}
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve connects to the broker, declares the request queue and handles
// requests until Shutdown is called or ctx ends (nil is returned), or until
// the broker closes the consumer (the close reason is returned).
func (svr *Server) Serve(ctx context.Context, cfg Config) (err error) {
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.Publishers <= 0 {
		cfg.Publishers = 1
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if svr.shutdown.Load() {
		return errors.New("rpc: server is shut down")
	}

	// Build the middleware chain once at startup (not per-request)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	sess, err := svr.dialer.Dial(ctx, cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() {
		if err != nil {
			sess.Close()
		}
	}()
	ch, err := sess.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	deliveries, err := declare(ch, cfg)
	if err != nil {
		return err
	}

	inst := svr.instance
	if inst.Addr == "" {
		inst.Addr = cfg.URL
	}

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		sess.Close()
		return nil
	}
	svr.cfg = cfg
	svr.instance = inst
	svr.sess = sess
	svr.consumer = ch
	svr.pool = broker.NewChannelPool(sess, cfg.Publishers)
	svr.loopDone = make(chan struct{})
	svr.stopped = make(chan struct{})
	svr.drained = new(sync.Once)
	loopDone, stopped := svr.loopDone, svr.stopped
	svr.mu.Unlock()

	if svr.registry != nil {
		if err := svr.registry.Register(cfg.Queue, inst, svr.registryTTL); err != nil {
			svr.log.Warn("registry registration failed", zap.String("queue", cfg.Queue), zap.Error(err))
		}
	}

	svr.log.Info("serving", zap.String("queue", cfg.Queue), zap.Int("services", len(svr.serviceMap)))
	stop := context.AfterFunc(ctx, func() { svr.Shutdown(cfg.PublishTimeout) })
	defer stop()

	for d := range deliveries {
		svr.handleDelivery(d)
	}
	close(loopDone)

	if svr.shutdown.Load() {
		<-stopped
		return nil
	}
	reason := <-ch.NotifyClose()
	if reason == nil {
		reason = errors.New("consumer channel closed")
	}
	svr.log.Error("request consumer stopped", zap.Error(reason))
	svr.drain(cfg.PublishTimeout)
	return fmt.Errorf("rpc: request consumer stopped: %w", reason)
}

// declare sets up the servicer's side of the topology and starts consuming.
func declare(ch broker.Channel, cfg Config) (<-chan broker.Delivery, error) {
	exOpts := broker.ExchangeOptions{Durable: false}
	if err := ch.DeclareExchange(cfg.ServicesExchange, broker.ExchangeDirect, exOpts); err != nil {
		return nil, fmt.Errorf("declare services exchange: %w", err)
	}
	if err := ch.DeclareExchange(cfg.ResponsesExchange, broker.ExchangeDirect, exOpts); err != nil {
		return nil, fmt.Errorf("declare responses exchange: %w", err)
	}
	queue, err := ch.DeclareQueue(cfg.Queue, broker.QueueOptions{})
	if err != nil {
		return nil, fmt.Errorf("declare request queue: %w", err)
	}
	if err := ch.BindQueue(queue, cfg.ServicesExchange, cfg.Queue); err != nil {
		return nil, fmt.Errorf("bind request queue: %w", err)
	}
	deliveries, err := ch.Consume(queue, broker.ConsumeOptions{AutoAck: true})
	if err != nil {
		return nil, fmt.Errorf("consume request queue: %w", err)
	}
	return deliveries, nil
}

// handleDelivery splits one delivery into request frames and dispatches each
// to its own goroutine. A publish normally carries exactly one frame.
func (svr *Server) handleDelivery(d broker.Delivery) {
	buf := transport.NewFrameBuffer(len(d.Body))
	buf.Append(d.Body)
	r := protocol.NewReader(buf)
	for {
		header, err := r.ReadMessageBegin()
		var body []byte
		if err == nil {
			body, err = r.ReadBody()
		}
		if err != nil {
			if !errors.Is(err, protocol.ErrUnderrun) || buf.Buffered() > 0 {
				svr.log.Warn("dropping malformed request", zap.Int("bytes", buf.Buffered()), zap.Error(err))
			}
			return
		}
		buf.Commit()

		if header.MsgType != protocol.MsgTypeRequest {
			svr.log.Warn("ignoring non-request frame", zap.Stringer("type", header.MsgType), zap.Uint32("seq", header.Seq))
			continue
		}
		svr.wg.Add(1)
		go svr.handleRequest(header, body, d.ReplyTo)
	}
}

// handleRequest processes a single RPC request: decode → middleware → business logic → encode → publish.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, replyTo string) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	var reply *message.RPCMessage
	req := message.RPCMessage{}
	if err := c.Decode(body, &req); err != nil {
		reply = message.Failure(header.Name, "rpc: cannot decode request: ", err)
	} else {
		if req.ServiceMethod == "" {
			req.ServiceMethod = header.Name
		}
		reply = svr.handler(context.Background(), &req)
	}

	if replyTo == "" {
		svr.log.Debug("no reply-to, dropping reply", zap.Uint32("seq", header.Seq), zap.String("method", header.Name))
		return
	}

	result, err := c.Encode(reply)
	if err != nil {
		svr.log.Error("failed to encode reply", zap.Uint32("seq", header.Seq), zap.Error(err))
		return
	}
	msgType := protocol.MsgTypeResponse
	if reply.Failed() {
		msgType = protocol.MsgTypeException
	}
	// Same seq and name as the request: this is how the client routes it back
	frame, err := protocol.AppendFrame(nil, &protocol.Header{
		CodecType: header.CodecType,
		MsgType:   msgType,
		Seq:       header.Seq,
		Name:      header.Name,
	}, result)
	if err != nil {
		svr.log.Error("failed to frame reply", zap.Uint32("seq", header.Seq), zap.Error(err))
		return
	}
	if err := svr.publish(replyTo, frame); err != nil {
		svr.log.Warn("failed to publish reply", zap.Uint32("seq", header.Seq), zap.String("reply_to", replyTo), zap.Error(err))
	}
}

func (svr *Server) publish(replyTo string, frame []byte) error {
	svr.mu.Lock()
	pool, cfg := svr.pool, svr.cfg
	svr.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PublishTimeout)
	defer cancel()
	ch, err := pool.Get(ctx)
	if err != nil {
		return err
	}
	defer pool.Put(ch)

	// not mandatory: a reply queue that is gone means the caller is gone
	err = ch.Publish(ctx, cfg.ResponsesExchange, replyTo, broker.Publishing{
		Body:         frame,
		ContentType:  contentType,
		DeliveryMode: broker.Transient,
	})
	if err != nil {
		ch.MarkUnusable()
	}
	return err
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (clients stop resolving to this broker)
//  2. Stop consuming requests
//  3. Wait for in-flight requests to publish their replies (with timeout)
//  4. Close the broker session
func (svr *Server) Shutdown(timeout time.Duration) error {
	if !svr.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	svr.mu.Lock()
	consumer, loopDone, cfg, inst := svr.consumer, svr.loopDone, svr.cfg, svr.instance
	svr.mu.Unlock()

	if svr.registry != nil && cfg.Queue != "" {
		if err := svr.registry.Deregister(cfg.Queue, inst.Addr); err != nil {
			svr.log.Warn("registry deregistration failed", zap.Error(err))
		}
	}
	if consumer == nil {
		return nil
	}

	consumer.Close()
	<-loopDone
	return svr.drain(timeout)
}

// drain waits for in-flight requests, then closes the session. Only the
// first call of a Serve run does anything.
func (svr *Server) drain(timeout time.Duration) (err error) {
	svr.mu.Lock()
	once := svr.drained
	svr.mu.Unlock()

	once.Do(func() {
		done := make(chan struct{})
		go func() {
			svr.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("timeout waiting for ongoing requests to finish")
		}

		svr.mu.Lock()
		pool, sess, stopped := svr.pool, svr.sess, svr.stopped
		svr.mu.Unlock()
		pool.Close()
		sess.Close()
		close(stopped)
		svr.log.Info("server stopped")
	})
	return err
}

// businessHandler is the core handler that dispatches RPC requests to registered services.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
//
// Flow: parse "Service.Method" → find service → find method → reflect.New(args) →
// json.Unmarshal(payload, args) → reflect.Call → json.Marshal(reply) → return RPCMessage
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok || strings.Contains(methodName, ".") {
		return message.Failure(req.ServiceMethod, "rpc: invalid service method format: ", req.ServiceMethod)
	}

	svc, ok := svr.serviceMap[serviceName]
	if !ok {
		return message.Failure(req.ServiceMethod, "rpc: can't find service ", serviceName)
	}
	method, ok := svc.method[methodName]
	if !ok {
		return message.Failure(req.ServiceMethod, "rpc: can't find method ", req.ServiceMethod)
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)

	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
			return message.Failure(req.ServiceMethod, "rpc: bad arguments: ", err)
		}
	}

	if err := svc.call(method, argv, replyv); err != nil {
		return message.Failure(req.ServiceMethod, err)
	}

	replyMessage, err := json.Marshal(replyv.Interface())
	if err != nil {
		return message.Failure(req.ServiceMethod, "rpc: cannot marshal reply: ", err)
	}
	return &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Payload:       replyMessage,
	}
}
