package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vargoshq/vargos/pkg/wire"
)

const (
	writeWait     = 10 * time.Second
	maxFrameBytes = 8 << 20 // 8MB; tool results and media metadata can be large
	sendQueueSize = 256
)

// conn is one service client's connection to the hub. A dedicated writer
// goroutine drains send, which keeps per-subscriber event order and lets
// the read pump forward frames without blocking on slow peers.
type conn struct {
	id  string
	hub *Hub
	ws  *websocket.Conn

	send        chan []byte
	closeOnce   sync.Once
	closed      atomic.Bool
	missedPings atomic.Int32

	// registration state, guarded by hub.mu
	service     string
	version     string
	methods     []string
	events      []string
	subs        []string
	connectedAt time.Time

	// requests forwarded to this conn awaiting its response: request id →
	// origin. Guarded by pendingMu.
	pendingMu sync.Mutex
	pending   map[string]*pendingReq
}

// pendingReq tracks one forwarded request until response, timeout, or
// disconnect.
type pendingReq struct {
	origin *conn
	id     string
	method string
	timer  *time.Timer
}

func newConn(id string, ws *websocket.Conn, h *Hub) *conn {
	return &conn{
		id:          id,
		hub:         h,
		ws:          ws,
		send:        make(chan []byte, sendQueueSize),
		connectedAt: time.Now(),
		pending:     make(map[string]*pendingReq),
	}
}

// enqueue hands a frame to the writer. A full queue marks the peer as a
// slow consumer and drops the connection rather than blocking the router.
func (c *conn) enqueue(data []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("hub client send queue full, dropping connection", "conn", c.id, "service", c.service)
		c.close()
	}
}

// sendFrame encodes and enqueues one frame.
func (c *conn) sendFrame(v any) {
	data, err := wire.Encode(v)
	if err != nil {
		slog.Error("hub frame encode failed", "conn", c.id, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// writePump is the single writer for this connection. It also owns the
// liveness pings; a peer that misses too many pongs is dropped.
func (c *conn) writePump(pingInterval time.Duration, maxMissed int) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if int(c.missedPings.Add(1)) > maxMissed {
				slog.Warn("hub client missed pings, dropping", "conn", c.id, "service", c.service, "missed", maxMissed)
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes inbound frames and hands them to the hub router.
func (c *conn) readPump() {
	defer c.hub.dropConn(c)

	c.ws.SetReadLimit(maxFrameBytes)
	c.ws.SetPongHandler(func(string) error {
		c.missedPings.Store(0)
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("hub read error", "conn", c.id, "service", c.service, "error", err)
			}
			return
		}
		dec, err := wire.Decode(data)
		if err != nil {
			slog.Warn("hub received malformed frame", "conn", c.id, "error", err)
			continue
		}
		c.missedPings.Store(0)
		c.hub.route(c, dec)
	}
}

// trackPending records a request forwarded to this conn and arms its
// deadline. The timer synthesizes a Timeout response to the origin and
// discards any late reply.
func (c *conn) trackPending(origin *conn, req *wire.Request, timeout time.Duration) {
	p := &pendingReq{origin: origin, id: req.ID, method: req.Method}
	p.timer = time.AfterFunc(timeout, func() {
		c.pendingMu.Lock()
		cur, ok := c.pending[req.ID]
		if ok && cur == p {
			delete(c.pending, req.ID)
		}
		c.pendingMu.Unlock()
		if !ok || cur != p {
			return
		}
		slog.Warn("request timed out", "method", p.method, "id", p.id, "target", c.service)
		origin.sendFrame(&wire.Response{ID: p.id, Error: wire.Errorf(wire.CodeTimeout, "request %s timed out after %s", p.method, timeout)})
	})

	c.pendingMu.Lock()
	c.pending[req.ID] = p
	c.pendingMu.Unlock()
}

// resolvePending removes and returns the pending entry for id, or nil if
// the request already timed out (late responses are discarded).
func (c *conn) resolvePending(id string) *pendingReq {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	p.timer.Stop()
	return p
}

// failPending rejects every request still awaiting this conn's response.
// Called when the conn drops.
func (c *conn) failPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingReq)
	c.pendingMu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.origin.sendFrame(&wire.Response{ID: p.id, Error: wire.Errorf(wire.CodeDisconnected, "service %s disconnected before answering %s", c.service, p.method)})
	}
}
