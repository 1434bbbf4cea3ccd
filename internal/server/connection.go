package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/ptymux/internal/session"
)

// connection adapts one WebSocket to the registry. It is the Attachment for
// every session it owns; output reaches the socket through a bounded queue
// drained by a single writer goroutine.
type connection struct {
	id       string
	ws       *websocket.Conn
	registry *session.Registry

	pingInterval time.Duration
	writeTimeout time.Duration
	readLimit    int64

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	sessions map[string]struct{}
}

var _ session.Attachment = (*connection)(nil)

func newConnection(s *Server, ws *websocket.Conn) *connection {
	return &connection{
		id:           uuid.NewString(),
		ws:           ws,
		registry:     s.registry,
		pingInterval: s.config.WSPingInterval,
		writeTimeout: s.config.WSWriteTimeout,
		readLimit:    s.config.WSReadLimit,
		send:         make(chan []byte, s.config.SendQueueSize),
		closed:       make(chan struct{}),
		sessions:     make(map[string]struct{}),
	}
}

// ID implements session.Attachment.
func (c *connection) ID() string { return c.id }

// SendOutput implements session.Attachment.
func (c *connection) SendOutput(sessionID string, data []byte) {
	c.enqueue(NewOutputMessage(sessionID, data))
}

// SendSystem implements session.Attachment.
func (c *connection) SendSystem(sessionID, event, message string) {
	c.enqueue(NewSystemMessage(sessionID, event, message))
}

// Unbind implements session.Attachment.
func (c *connection) Unbind(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func (c *connection) bind(sessionID string) {
	c.mu.Lock()
	c.sessions[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *connection) boundSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// enqueue queues a frame for the writer. Session output is serialized behind
// this call, so a full queue waits at most one write timeout before the
// connection is dropped as too slow.
func (c *connection) enqueue(frame []byte) {
	select {
	case c.send <- frame:
		return
	case <-c.closed:
		return
	default:
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case c.send <- frame:
	case <-c.closed:
	case <-timer.C:
		slog.Warn("WebSocket send queue full, dropping connection", "connId", c.id, "queue", cap(c.send))
		c.shutdown()
	}
}

// shutdown closes the socket; the read loop then fails and runs teardown.
func (c *connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// run serves the connection until the client goes away. defaultTab, when
// set, is resumed or created before any frame is read.
func (c *connection) run(defaultTab string, opts session.CreateOptions) {
	go c.writePump()
	defer c.teardown()

	pongWait := 2 * c.pingInterval
	c.ws.SetReadLimit(c.readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	if defaultTab != "" {
		c.resume(defaultTab, opts)
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read error", "connId", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(data)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("WebSocket write failed", "connId", c.id, "error", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// teardown orphans every session this connection still owns. It never kills.
func (c *connection) teardown() {
	c.shutdown()

	detached := 0
	for _, id := range c.boundSessions() {
		if c.registry.Detach(id, c) {
			detached++
		}
		c.Unbind(id)
	}
	slog.Info("WebSocket connection closed", "connId", c.id, "orphaned", detached)
}

func (c *connection) dispatch(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		c.invalid("", "malformed frame: "+err.Error())
		return
	}

	switch msg.Type {
	case MessageTypeCreate:
		size, err := parsePayload[SizeMessage](msg)
		if err != nil || msg.SessionID == "" {
			c.invalid(msg.SessionID, "session.create requires sessionId and optional {cols, rows}")
			return
		}
		c.create(msg.SessionID, session.CreateOptions{Cols: size.Cols, Rows: size.Rows})

	case MessageTypeInput:
		input, err := parsePayload[InputMessage](msg)
		if err != nil || msg.SessionID == "" {
			c.invalid(msg.SessionID, "session.input requires sessionId and {data}")
			return
		}
		s := c.registry.Get(msg.SessionID)
		if s == nil {
			slog.Debug("Dropping input for unknown session", "sessionId", msg.SessionID, "connId", c.id)
			return
		}
		s.Write([]byte(input.Data))

	case MessageTypeResize:
		size, err := parsePayload[SizeMessage](msg)
		if err != nil || msg.SessionID == "" {
			c.invalid(msg.SessionID, "session.resize requires sessionId and {cols, rows}")
			return
		}
		if s := c.registry.Get(msg.SessionID); s != nil {
			s.Resize(size.Cols, size.Rows)
		}

	case MessageTypeClose:
		if msg.SessionID == "" {
			c.invalid("", "session.close requires sessionId")
			return
		}
		c.registry.Destroy(msg.SessionID)
		c.Unbind(msg.SessionID)
		c.SendSystem(msg.SessionID, session.EventClosed, "session closed")

	case MessageTypeRestart:
		size, err := parsePayload[SizeMessage](msg)
		if err != nil || msg.SessionID == "" {
			c.invalid(msg.SessionID, "session.restart requires sessionId")
			return
		}
		s, err := c.registry.Restart(msg.SessionID, c, session.CreateOptions{Cols: size.Cols, Rows: size.Rows})
		c.afterSpawn(msg.SessionID, s, err)

	case MessageTypeReattach:
		req, err := parsePayload[ReattachMessage](msg)
		if err != nil {
			c.invalid("", "session.reattach requires {ids: [...]}")
			return
		}
		opts := session.CreateOptions{Cols: req.Cols, Rows: req.Rows}
		for _, id := range req.IDs {
			c.resume(id, opts)
		}

	case MessageTypeList:
		c.enqueue(NewSessionListMessage(c.registry.List()))

	case MessageTypePing:
		c.enqueue(NewPongMessage())

	default:
		c.invalid(msg.SessionID, "unknown message type "+string(msg.Type))
	}
}

func (c *connection) create(id string, opts session.CreateOptions) {
	s, err := c.registry.Create(id, c, opts)
	c.afterSpawn(id, s, err)
}

// resume reattaches id, falling back to a fresh shell on a miss.
func (c *connection) resume(id string, opts session.CreateOptions) {
	if id == "" {
		c.invalid("", "session.reattach ids must not be empty")
		return
	}
	s, resumed, err := c.registry.ReattachOrCreate(id, c, opts)
	c.afterSpawn(id, s, err)
	if err == nil && resumed && opts.Cols > 0 && opts.Rows > 0 {
		s.Resize(opts.Cols, opts.Rows)
	}
}

func (c *connection) afterSpawn(id string, s *session.Session, err error) {
	switch {
	case err == nil:
		// A concurrent takeover may already have moved the session on.
		if s.Attached() == session.Attachment(c) {
			c.bind(id)
		}
	case errors.Is(err, session.ErrAlreadyExists):
		c.SendSystem(id, session.EventAlreadyExists, "session already exists")
	case errors.Is(err, session.ErrSpawnFailed):
		c.SendSystem(id, session.EventSpawnFailed, err.Error())
	default:
		c.invalid(id, err.Error())
	}
}

func (c *connection) invalid(sessionID, reason string) {
	slog.Warn("Invalid WebSocket frame", "connId", c.id, "sessionId", sessionID, "reason", reason)
	c.SendSystem(sessionID, session.EventInvalid, reason)
}
