package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	sendBuffer        = 512
	messagesPerSecond = 100
	messageBurst      = 200

	// outputShare is the percentage of a send queue run output may fill.
	outputShare = 75
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// State is a connection's position in its lifecycle.
type State int

const (
	StateConnected State = iota
	StateJoined
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateJoined:
		return "joined"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "connected"
	}
}

type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	id          string
	remote      string
	rateLimiter *ratelimit.Limiter

	// Owned by the hub goroutine.
	state      State
	rooms      map[string]bool
	videoRooms map[string]bool
	evicting   bool

	// behind marks rooms whose run output this client missed a frame of.
	behind map[string]bool
}

func newClient(hub *Hub, conn *websocket.Conn, remote string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		id:          uuid.NewString(),
		remote:      remote,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		rooms:       make(map[string]bool),
		videoRooms:  make(map[string]bool),
		behind:      make(map[string]bool),
	}
}

// ID is the connection identity peers see as socketId.
func (c *Client) ID() string { return c.id }

// ServeWs upgrades the request and attaches the connection to the hub. Rooms
// are chosen later with join events.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(hub, conn, ratelimit.ClientIP(r))

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	logger := c.hub.logger.With("client", c.id)
	rateLimitWarnings := 0

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			logger.Debug("ignoring non-text frame", "type", messageType)
			continue
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				logger.Warn("rate limit exceeded", "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				logger.Warn("disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		event, err := protocol.Decode(message)
		switch {
		case errors.Is(err, protocol.ErrUnknownKind):
			logger.Debug("ignoring unknown event", "error", err)
			continue
		case err != nil:
			logger.Warn("invalid frame", "error", err)
			continue
		}

		select {
		case c.hub.inbound <- &inboundEvent{client: c, event: event}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
