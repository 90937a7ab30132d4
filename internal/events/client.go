package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single wire write; a stalled peer is dropped
	// rather than allowed to block the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong after a ping.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the peer can answer.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Operator clients only send
	// pong/close frames; the protocol is server-push only.
	maxMessageSize = 512

	// sendBufferSize is the per-client outbound buffer. A client that
	// cannot drain it is disconnected by Publish.
	sendBufferSize = 32
)

// upgrader performs the HTTP → WebSocket upgrade. Origin validation is the
// reverse proxy's job in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one connected operator WebSocket peer. Two goroutines per
// client: readPump (detects disconnection, answers nothing — inbound data
// is ignored) and writePump (sole writer on the connection).
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is the handoff between Publish and writePump; closed by the
	// hub on unregister.
	send chan Message

	// topics is fixed at connection time from the ticket's query
	// parameters. Read-only afterwards.
	topics []string

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection and wraps it. topics is the set of
// pub/sub channels the client asked for (already authorized by the caller).
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the client and blocks until the connection closes.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump()
}

// readPump watches for disconnection and keeps the read deadline fresh on
// every pong. Message content from operators is discarded.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("events: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Debug("events: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards messages from send to the wire and pings periodically.
// It is the only goroutine writing to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("events: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
