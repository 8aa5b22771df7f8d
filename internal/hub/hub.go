package hub

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vargoshq/vargos/pkg/wire"
)

// Options tunes hub routing behavior. Zero values fall back to the wire
// protocol defaults.
type Options struct {
	// DefaultTimeout bounds forwarded requests that carry no timeoutMs.
	DefaultTimeout time.Duration
	// PingInterval is how often the hub pings each connection.
	PingInterval time.Duration
	// MaxMissedPings is how many unanswered pings drop a connection.
	MaxMissedPings int
	// Version is reported by gateway.inspect.
	Version string
}

func (o *Options) withDefaults() Options {
	out := Options{DefaultTimeout: 300 * time.Second, PingInterval: 20 * time.Second, MaxMissedPings: 2, Version: "dev"}
	if o == nil {
		return out
	}
	if o.DefaultTimeout > 0 {
		out.DefaultTimeout = o.DefaultTimeout
	}
	if o.PingInterval > 0 {
		out.PingInterval = o.PingInterval
	}
	if o.MaxMissedPings > 0 {
		out.MaxMissedPings = o.MaxMissedPings
	}
	if o.Version != "" {
		out.Version = o.Version
	}
	return out
}

// Hub is the message router. Every subsystem connects as a service client;
// the hub owns the method table (each method has exactly one handler), the
// event table (event name to subscriber set), and the in-flight request
// bookkeeping. It never interprets payloads.
type Hub struct {
	opts      Options
	startedAt time.Time

	mu       sync.RWMutex
	conns    map[string]*conn            // conn id → conn
	services map[string]*conn            // service name → conn
	methods  map[string]*conn            // method name → handler conn
	events   map[string]map[*conn]string // event name → subscriber set (value: service name, for logs)
}

// New builds an empty hub.
func New(opts *Options) *Hub {
	return &Hub{
		opts:      opts.withDefaults(),
		startedAt: time.Now(),
		conns:     make(map[string]*conn),
		services:  make(map[string]*conn),
		methods:   make(map[string]*conn),
		events:    make(map[string]map[*conn]string),
	}
}

// addConn admits a freshly upgraded connection and starts its pumps. The
// connection routes nothing until it registers.
func (h *Hub) addConn(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	go c.writePump(h.opts.PingInterval, h.opts.MaxMissedPings)
	go c.readPump()
}

// dropConn removes a connection: its service registration, its methods,
// its subscriptions, and every request still waiting on it.
func (h *Hub) dropConn(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	if c.service != "" && h.services[c.service] == c {
		delete(h.services, c.service)
	}
	for _, m := range c.methods {
		if h.methods[m] == c {
			delete(h.methods, m)
		}
	}
	for _, set := range h.events {
		delete(set, c)
	}
	h.mu.Unlock()

	c.close()
	c.failPending()
	if c.service != "" {
		slog.Info("service disconnected", "service", c.service, "conn", c.id)
	}
}

// route dispatches one decoded frame from origin.
func (h *Hub) route(origin *conn, dec *wire.Decoded) {
	switch dec.Kind {
	case wire.KindRegister:
		if err := h.register(origin, dec.Register); err != nil {
			slog.Warn("registration rejected", "conn", origin.id, "service", dec.Register.Service, "error", err)
			origin.sendFrame(&wire.Event{Name: wire.EventGatewayError, Payload: mustRaw(wire.AsError(err))})
			origin.close()
		}
	case wire.KindRequest:
		h.routeRequest(origin, dec.Request)
	case wire.KindResponse:
		h.routeResponse(origin, dec.Response)
	case wire.KindEvent:
		h.routeEvent(origin, dec.Event)
	}
}

// register installs a service client's registration. Registering a method
// already owned by a different service fails the whole registration; a
// client reconnecting under its own service name displaces its stale
// predecessor.
func (h *Hub) register(c *conn, reg *wire.Register) error {
	h.mu.Lock()

	if prev, ok := h.services[reg.Service]; ok && prev != c {
		// The old connection is a leftover from before a reconnect. Evict
		// it so the re-registration does not conflict with itself.
		h.evictLocked(prev)
		defer func() {
			prev.close()
			prev.failPending()
		}()
	}
	// Drop any entries from an earlier registration on this same conn.
	for _, m := range c.methods {
		if h.methods[m] == c {
			delete(h.methods, m)
		}
	}
	for _, set := range h.events {
		delete(set, c)
	}
	for _, m := range reg.Methods {
		if owner, ok := h.methods[m]; ok && owner != c {
			h.mu.Unlock()
			return wire.Errorf(wire.CodeAlreadyExists, "method %s already registered by service %s", m, owner.service)
		}
	}

	c.service = reg.Service
	c.version = reg.Version
	c.methods = reg.Methods
	c.events = reg.Events
	c.subs = reg.Subscriptions
	h.services[reg.Service] = c
	for _, m := range reg.Methods {
		h.methods[m] = c
	}
	for _, e := range reg.Subscriptions {
		set, ok := h.events[e]
		if !ok {
			set = make(map[*conn]string)
			h.events[e] = set
		}
		set[c] = reg.Service
	}
	h.mu.Unlock()

	slog.Info("service registered", "service", reg.Service, "version", reg.Version,
		"methods", len(reg.Methods), "subscriptions", len(reg.Subscriptions))
	return nil
}

// evictLocked strips a connection's routing entries. Caller holds h.mu and
// is responsible for closing the conn afterwards.
func (h *Hub) evictLocked(c *conn) {
	delete(h.conns, c.id)
	if c.service != "" && h.services[c.service] == c {
		delete(h.services, c.service)
	}
	for _, m := range c.methods {
		if h.methods[m] == c {
			delete(h.methods, m)
		}
	}
	for _, set := range h.events {
		delete(set, c)
	}
}

// routeRequest answers gateway.* methods itself and forwards everything
// else to the registered handler.
func (h *Hub) routeRequest(origin *conn, req *wire.Request) {
	switch req.Method {
	case wire.MethodGatewayRegister:
		var reg wire.Register
		if err := json.Unmarshal(req.Params, &reg); err != nil {
			origin.sendFrame(wire.NewErrorResponse(req.ID, wire.Errorf(wire.CodeInvalidArgument, "bad register params: %v", err)))
			return
		}
		if err := h.register(origin, &reg); err != nil {
			origin.sendFrame(wire.NewErrorResponse(req.ID, err))
			origin.close()
			return
		}
		resp, _ := wire.NewResponse(req.ID, map[string]bool{"ok": true})
		origin.sendFrame(resp)
		return
	case wire.MethodGatewayInspect:
		resp, err := wire.NewResponse(req.ID, h.Inspect())
		if err != nil {
			origin.sendFrame(wire.NewErrorResponse(req.ID, err))
			return
		}
		origin.sendFrame(resp)
		return
	case wire.MethodGatewayPing:
		resp, _ := wire.NewResponse(req.ID, wire.PingResult{OK: true, Time: time.Now()})
		origin.sendFrame(resp)
		return
	}

	h.mu.RLock()
	target, ok := h.methods[req.Method]
	h.mu.RUnlock()
	if !ok {
		origin.sendFrame(wire.NewErrorResponse(req.ID, wire.Errorf(wire.CodeNoRoute, "no service registered for method %s", req.Method)))
		return
	}

	timeout := h.opts.DefaultTimeout
	if t := req.Timeout(); t > 0 {
		timeout = t
	}
	target.trackPending(origin, req, timeout)

	data, err := wire.Encode(req)
	if err != nil {
		target.resolvePending(req.ID)
		origin.sendFrame(wire.NewErrorResponse(req.ID, wire.Errorf(wire.CodeFatal, "encode request: %v", err)))
		return
	}
	target.enqueue(data)
}

// routeResponse returns a handler's response to whoever asked. Responses
// for requests that already timed out are dropped.
func (h *Hub) routeResponse(origin *conn, resp *wire.Response) {
	p := origin.resolvePending(resp.ID)
	if p == nil {
		slog.Debug("dropping late response", "id", resp.ID, "from", origin.service)
		return
	}
	p.origin.sendFrame(resp)
}

// routeEvent fans an event out to every subscriber. Publishers need no
// subscriber to exist; unrouted events are dropped.
func (h *Hub) routeEvent(origin *conn, ev *wire.Event) {
	data, err := wire.Encode(ev)
	if err != nil {
		slog.Error("encode event", "event", ev.Name, "error", err)
		return
	}

	h.mu.RLock()
	set := h.events[ev.Name]
	targets := make([]*conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

// Broadcast emits a hub-originated event to its subscribers, used for
// gateway.shutdown during teardown.
func (h *Hub) Broadcast(name string, payload any) {
	h.routeEvent(nil, wire.NewEvent(name, payload))
}

// Inspect snapshots the routing tables for gateway.inspect and the CLI.
func (h *Hub) Inspect() wire.InspectResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	services := make([]wire.ServiceInfo, 0, len(h.services))
	for name, c := range h.services {
		subs := append([]string(nil), c.subs...)
		sort.Strings(subs)
		methods := append([]string(nil), c.methods...)
		sort.Strings(methods)
		services = append(services, wire.ServiceInfo{
			Service:       name,
			Version:       c.version,
			Methods:       methods,
			Events:        append([]string(nil), c.events...),
			Subscriptions: subs,
			ConnectedAt:   c.connectedAt.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Service < services[j].Service })

	methods := make([]string, 0, len(h.methods))
	for m := range h.methods {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	events := make(map[string][]string, len(h.events))
	for name, set := range h.events {
		if len(set) == 0 {
			continue
		}
		subs := make([]string, 0, len(set))
		for _, svc := range set {
			subs = append(subs, svc)
		}
		sort.Strings(subs)
		events[name] = subs
	}

	return wire.InspectResult{
		Version:       h.opts.Version,
		Protocol:      wire.ProtocolVersion,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Services:      services,
		Methods:       methods,
		Events:        events,
	}
}

// CloseAll drops every connection, failing their in-flight requests.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.dropConn(c)
	}
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
