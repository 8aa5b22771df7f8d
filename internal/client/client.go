// Package client is the service-client side of the gateway protocol. Every
// subsystem (sessions, tools, agent, channels, cron) and the CLI connects
// through a Client: dial, register, then exchange frames until the link
// drops, reconnecting with backoff and re-registering each time.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/vargoshq/vargos/internal/reconnect"
	"github.com/vargoshq/vargos/pkg/wire"
)

const (
	dialTimeout   = 10 * time.Second
	writeTimeout  = 10 * time.Second
	registerWait  = 10 * time.Second
	maxFrameBytes = 8 << 20
	eventQueue    = 256
	maxQueued     = 1024 // frames held while disconnected
)

// Handler serves one registered method. The returned value is marshaled
// into Response.Result; a returned error crosses the wire classified.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// EventHandler consumes one subscribed event. Handlers for the same client
// run serially in arrival order.
type EventHandler func(ctx context.Context, payload json.RawMessage)

// Options configure a service client.
type Options struct {
	URL     string // ws://host:port/ws
	Service string
	Version string
	// Emits lists the event names this service publishes, for inspect output.
	Emits     []string
	Reconnect reconnect.Policy
	// OnUp runs after every successful registration, including re-registers.
	OnUp func(ctx context.Context)
}

// Client is a registered connection to the gateway hub.
type Client struct {
	opts  Options
	recon *reconnect.Reconnector

	handlers map[string]Handler
	subs     map[string][]EventHandler

	connMu sync.Mutex
	conn   *websocket.Conn
	ready  chan struct{}
	queue  [][]byte

	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[string]chan *wire.Response

	nextID atomic.Uint64
	events chan *wire.Event
}

// New builds a client. Register method handlers and event subscriptions
// before calling Run.
func New(opts Options) *Client {
	return &Client{
		opts:     opts,
		recon:    reconnect.New(opts.Reconnect),
		handlers: make(map[string]Handler),
		subs:     make(map[string][]EventHandler),
		ready:    make(chan struct{}),
		pending:  make(map[string]chan *wire.Response),
		events:   make(chan *wire.Event, eventQueue),
	}
}

// Handle registers a method handler. The method lands in this client's
// Register frame, so the hub routes calls here.
func (c *Client) Handle(method string, h Handler) {
	c.handlers[method] = h
}

// Subscribe adds an event handler. Multiple handlers for one event run in
// registration order.
func (c *Client) Subscribe(event string, h EventHandler) {
	c.subs[event] = append(c.subs[event], h)
}

// Run connects, registers, and serves until ctx ends. Lost connections are
// re-dialed with backoff; registration is re-issued on every connect.
func (c *Client) Run(ctx context.Context) error {
	go c.eventLoop(ctx)
	return c.recon.Run(ctx, c.opts.Service, c.connectOnce)
}

// WaitReady blocks until the client is registered with the hub.
func (c *Client) WaitReady(ctx context.Context) error {
	c.connMu.Lock()
	ready := c.ready
	c.connMu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call routes one request through the hub and decodes the result into
// result when non-nil. The context deadline, if any, rides along as the
// wire timeout so the hub enforces it too.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	id := fmt.Sprintf("%s-%d", c.opts.Service, c.nextID.Add(1))
	req, err := wire.NewRequest(id, method, params, timeout)
	if err != nil {
		return err
	}
	data, err := wire.Encode(req)
	if err != nil {
		return err
	}

	ch := make(chan *wire.Response, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	c.send(data)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Emit publishes an event through the hub. Events are queued while the
// link is down and flushed after re-registration.
func (c *Client) Emit(name string, payload any) {
	data, err := wire.Encode(wire.NewEvent(name, payload))
	if err != nil {
		slog.Error("encode event", "event", name, "error", err)
		return
	}
	c.send(data)
}

// connectOnce runs one connection lifetime: dial, register, pump frames.
func (c *Client) connectOnce(ctx context.Context, up func()) (string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, nil)
	cancel()
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer c.teardown()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(readCtx, conn) }()

	if err := c.register(ctx, conn); err != nil {
		return "", err
	}

	c.connMu.Lock()
	close(c.ready)
	queued := c.queue
	c.queue = nil
	c.connMu.Unlock()
	for _, data := range queued {
		c.write(conn, data)
	}

	up()
	slog.Info("connected to gateway", "service", c.opts.Service, "url", c.opts.URL)
	if c.opts.OnUp != nil {
		c.opts.OnUp(ctx)
	}

	err = <-readErr
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", err
}

// register issues the request-form gateway.register and waits for the ack.
func (c *Client) register(ctx context.Context, conn *websocket.Conn) error {
	methods := make([]string, 0, len(c.handlers))
	for m := range c.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	subs := make([]string, 0, len(c.subs))
	for e := range c.subs {
		subs = append(subs, e)
	}
	sort.Strings(subs)

	id := fmt.Sprintf("%s-reg-%d", c.opts.Service, c.nextID.Add(1))
	req, err := wire.NewRequest(id, wire.MethodGatewayRegister, wire.Register{
		Service:       c.opts.Service,
		Version:       c.opts.Version,
		Methods:       methods,
		Events:        c.opts.Emits,
		Subscriptions: subs,
	}, registerWait)
	if err != nil {
		return err
	}
	data, err := wire.Encode(req)
	if err != nil {
		return err
	}

	ch := make(chan *wire.Response, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	if err := c.write(conn, data); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("registration rejected: %w", resp.Error)
		}
		return nil
	case <-time.After(registerWait):
		return fmt.Errorf("registration ack timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown clears connection state after a link drops: new ready gate,
// failed in-flight calls.
func (c *Client) teardown() {
	c.connMu.Lock()
	c.conn = nil
	select {
	case <-c.ready:
		c.ready = make(chan struct{})
	default:
	}
	c.connMu.Unlock()

	c.pendMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *wire.Response)
	c.pendMu.Unlock()
	for id, ch := range pending {
		ch <- &wire.Response{ID: id, Error: wire.Errorf(wire.CodeDisconnected, "gateway connection lost")}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		dec, err := wire.Decode(data)
		if err != nil {
			slog.Warn("malformed frame from gateway", "service", c.opts.Service, "error", err)
			continue
		}
		switch dec.Kind {
		case wire.KindResponse:
			c.pendMu.Lock()
			ch, ok := c.pending[dec.Response.ID]
			if ok {
				delete(c.pending, dec.Response.ID)
			}
			c.pendMu.Unlock()
			if ok {
				ch <- dec.Response
			}
		case wire.KindRequest:
			go c.serveRequest(ctx, dec.Request)
		case wire.KindEvent:
			select {
			case c.events <- dec.Event:
			default:
				slog.Warn("event queue full, dropping", "service", c.opts.Service, "event", dec.Event.Name)
			}
		}
	}
}

// serveRequest runs a method handler and sends its response. Handlers run
// concurrently; ordering across requests is the hub's business, responses
// correlate by id.
func (c *Client) serveRequest(ctx context.Context, req *wire.Request) {
	h, ok := c.handlers[req.Method]
	if !ok {
		c.respond(wire.NewErrorResponse(req.ID, wire.Errorf(wire.CodeNotFound, "method %s not handled by %s", req.Method, c.opts.Service)))
		return
	}

	hctx := ctx
	if t := req.Timeout(); t > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	result, err := h(hctx, req.Params)
	if err != nil {
		c.respond(wire.NewErrorResponse(req.ID, err))
		return
	}
	resp, err := wire.NewResponse(req.ID, result)
	if err != nil {
		c.respond(wire.NewErrorResponse(req.ID, err))
		return
	}
	c.respond(resp)
}

func (c *Client) respond(resp *wire.Response) {
	data, err := wire.Encode(resp)
	if err != nil {
		slog.Error("encode response", "service", c.opts.Service, "error", err)
		return
	}
	c.send(data)
}

// eventLoop dispatches subscribed events serially, preserving per-publisher
// order. Handlers that need to block should hand off internally.
func (c *Client) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			for _, h := range c.subs[ev.Name] {
				h(ctx, ev.Payload)
			}
		}
	}
}

// send writes a frame to the live connection or queues it until the next
// successful registration.
func (c *Client) send(data []byte) {
	c.connMu.Lock()
	conn := c.conn
	if conn == nil {
		if len(c.queue) >= maxQueued {
			c.queue = c.queue[1:]
			slog.Warn("offline queue full, dropping oldest frame", "service", c.opts.Service)
		}
		c.queue = append(c.queue, data)
		c.connMu.Unlock()
		return
	}
	c.connMu.Unlock()

	if err := c.write(conn, data); err != nil {
		slog.Warn("write failed, queueing frame", "service", c.opts.Service, "error", err)
		c.connMu.Lock()
		c.queue = append(c.queue, data)
		c.connMu.Unlock()
	}
}

// write performs one timed write. The mutex keeps concurrent responders and
// emitters from interleaving frames.
func (c *Client) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}
