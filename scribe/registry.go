package scribe

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/bosley/whisperwire/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// A connection with no inbound message for this long is evicted
	idleTimeout = 60 * time.Second

	// Inbound messages are tiny control frames
	maxMessageSize = 512

	sendBufferSize = 32
)

// Eviction reasons, also used as metric labels.
const (
	reasonReplaced     = "replaced"
	reasonIdle         = "idle"
	reasonDisconnected = "disconnected"
	reasonSendFailed   = "send_failed"
	reasonUnregistered = "unregistered"
	reasonShutdown     = "shutdown"
)

var errConnectionClosed = errors.New("connection closed")
var errSendBufferFull = errors.New("send buffer full")

// Registry owns every live client connection. At most one connection exists
// per client id.
type Registry struct {
	mu        sync.Mutex
	conns     map[string]*Connection
	durations map[string]float64

	idleTimeout time.Duration
	metrics     *metrics.Metrics
}

// Connection is one registered WebSocket.
type Connection struct {
	conn     *websocket.Conn
	clientID string
	send     chan []byte
	registry *Registry

	// Newest progress message held back while send is full
	pendingMu    sync.Mutex
	pending      []byte
	pendingReady chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	lastSeen  atomic.Int64
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ClientID string    `json:"clientId"`
	LastSeen time.Time `json:"lastSeen"`
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		conns:       make(map[string]*Connection),
		durations:   make(map[string]float64),
		idleTimeout: idleTimeout,
		metrics:     m,
	}
}

// Register stores ws under clientID, closing any previous connection for the
// same id, starts its pumps and sends the connected message.
func (r *Registry) Register(clientID string, ws *websocket.Conn) *Connection {
	c := &Connection{
		conn:     ws,
		clientID: clientID,
		send:         make(chan []byte, sendBufferSize),
		pendingReady: make(chan struct{}, 1),
		registry:     r,
		closed:       make(chan struct{}),
	}
	c.touch()

	r.mu.Lock()
	prev := r.conns[clientID]
	r.conns[clientID] = c
	duration := r.durations[clientID]
	r.mu.Unlock()

	r.metrics.ConnectionOpened()
	if prev != nil {
		prev.close(reasonReplaced)
		slog.Info("Closed existing connection for client", "clientID", clientID)
	}

	go c.writePump()
	go c.readPump()

	if err := c.sendJSON(ConnectedMessage{
		Type:      MessageConnected,
		Message:   "WebSocket connection established",
		AudioInfo: AudioInfo{Duration: optionalDuration(duration)},
	}); err != nil {
		slog.Warn("Failed to queue connected message", "clientID", clientID, "error", err)
	}

	slog.Info("WebSocket connection established", "clientID", clientID, "remoteAddr", ws.RemoteAddr())
	return c
}

// Send delivers msg to the client as JSON. A missing client is not an error;
// a failed delivery evicts the connection and returns a TransportFailure.
// Progress messages for a backed-up client are conflated to the newest one
// instead of failing.
func (r *Registry) Send(clientID string, msg any) error {
	r.mu.Lock()
	c := r.conns[clientID]
	r.mu.Unlock()

	if c == nil {
		slog.Warn("No active connection found for client", "clientID", clientID)
		return nil
	}

	if err := c.sendJSON(msg); err != nil {
		r.evict(c, reasonSendFailed)
		return &TransportFailure{ClientID: clientID, Err: err}
	}
	return nil
}

// Unregister closes and removes the client's connection, if any.
func (r *Registry) Unregister(clientID string) {
	r.mu.Lock()
	c := r.conns[clientID]
	r.mu.Unlock()

	if c != nil {
		r.evict(c, reasonUnregistered)
	}
}

// Clients lists connected clients ordered by id.
func (r *Registry) Clients() []ClientInfo {
	r.mu.Lock()
	conns := lo.Values(r.conns)
	r.mu.Unlock()

	clients := lo.Map(conns, func(c *Connection, _ int) ClientInfo {
		return ClientInfo{ClientID: c.clientID, LastSeen: c.LastSeen()}
	})
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients
}

// SetDuration records the audio length advertised to the client.
func (r *Registry) SetDuration(clientID string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[clientID] = seconds
}

func (r *Registry) ClearDuration(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.durations, clientID)
}

// ProgressSink returns a Sink that pushes progress messages to clientID.
func (r *Registry) ProgressSink(clientID string) Sink {
	return SinkFunc(func(ctx context.Context, percent int) error {
		r.mu.Lock()
		duration := r.durations[clientID]
		r.mu.Unlock()

		return r.Send(clientID, ProgressMessage{
			Type:      MessageProgress,
			Value:     clampPercent(percent),
			Duration:  optionalDuration(duration),
			Timestamp: time.Now().Format(time.RFC3339Nano),
		})
	})
}

// CloseAll evicts every connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := lo.Values(r.conns)
	r.mu.Unlock()

	for _, c := range conns {
		r.evict(c, reasonShutdown)
	}
}

// evict removes c if it is still the registered connection for its id and closes it.
func (r *Registry) evict(c *Connection, reason string) {
	r.mu.Lock()
	if r.conns[c.clientID] == c {
		delete(r.conns, c.clientID)
	}
	r.mu.Unlock()

	c.close(reason)
}

// LastSeen is the time of the last inbound message.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Connection) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.registry.metrics.ConnectionClosed(reason)
		slog.Debug("Cleaned up connection for client", "clientID", c.clientID, "reason", reason)
	})
}

func (c *Connection) sendJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}

	_, conflate := msg.(ProgressMessage)

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	// Once a progress message is held back, later ones replace it so they
	// cannot overtake it through the channel.
	if conflate && c.pending != nil {
		c.pending = data
		c.registry.metrics.ProgressDropped()
		return nil
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return errConnectionClosed
	default:
	}

	if !conflate {
		return errSendBufferFull
	}
	c.pending = data
	select {
	case c.pendingReady <- struct{}{}:
	default:
	}
	return nil
}

// flushPending writes everything already queued, then the held back
// progress message.
func (c *Connection) flushPending() error {
	for drained := false; !drained; {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return err
			}
		default:
			drained = true
		}
	}

	c.pendingMu.Lock()
	message := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	if message == nil {
		return nil
	}
	return c.write(message)
}

func (c *Connection) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

func (c *Connection) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			if err := c.write(message); err != nil {
				slog.Warn("WebSocket write failed", "clientID", c.clientID, "error", err)
				c.registry.evict(c, reasonSendFailed)
				return
			}

		case <-c.pendingReady:
			if err := c.flushPending(); err != nil {
				slog.Warn("WebSocket write failed", "clientID", c.clientID, "error", err)
				c.registry.evict(c, reasonSendFailed)
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	reason := reasonDisconnected
	defer func() {
		c.registry.evict(c, reason)
	}()

	timeout := c.registry.idleTimeout
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(timeout))
	})
	// Protocol pings are inbound activity too
	c.conn.SetPingHandler(func(appData string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(timeout))

		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				reason = reasonIdle
				slog.Warn("Connection timeout for client", "clientID", c.clientID)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure):
				slog.Error("WebSocket read error", "clientID", c.clientID, "error", err)
			default:
				slog.Debug("WebSocket disconnected", "clientID", c.clientID)
			}
			return
		}

		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(timeout))

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Ignoring malformed client message", "clientID", c.clientID, "error", err)
			continue
		}
		if msg.Type == MessagePing {
			if err := c.sendJSON(ControlMessage{Type: MessagePong}); err != nil {
				slog.Warn("Failed to queue pong", "clientID", c.clientID, "error", err)
			}
		}
	}
}

func optionalDuration(seconds float64) *float64 {
	if seconds <= 0 {
		return nil
	}
	return &seconds
}
