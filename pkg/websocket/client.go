package websocket

import (
	"encoding/json"
	"time"

	"github.com/gocomet/ride-dispatch/pkg/auth"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Frame is an inbound message from a client: an event name and its raw payload.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// FrameHandler processes inbound frames. It is called from the client's read
// pump, one frame at a time.
type FrameHandler interface {
	HandleFrame(client *Client, frame Frame)
}

// Client represents a WebSocket client connection
type Client struct {
	ID        string
	Principal auth.Principal
	Hub       *Hub
	Conn      *websocket.Conn
	Send      chan []byte

	// guarded by Hub.mu
	channels map[string]bool

	handler FrameHandler
	logger  *logger.Logger
}

// NewClient creates a new WebSocket client. conn may be nil for clients that
// are only fed through the hub, as in tests.
func NewClient(hub *Hub, conn *websocket.Conn, principal auth.Principal, handler FrameHandler, log *logger.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:        id,
		Principal: principal,
		Hub:       hub,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		channels:  make(map[string]bool),
		handler:   handler,
		logger:    log.With(logger.String("connection_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection to the frame handler.
// Returning unregisters the client, which drops all its memberships.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", logger.Err(err))
			}
			break
		}

		c.Receive(message)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Receive decodes one inbound message and hands it to the frame handler.
func (c *Client) Receive(message []byte) {
	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil || frame.Type == "" {
		c.logger.Warn("Failed to decode client frame", logger.Err(err))
		c.Hub.Send(c.ID, Message{Type: "error", Data: map[string]string{"message": "malformed frame"}})
		return
	}

	if c.handler == nil {
		return
	}
	c.handler.HandleFrame(c, frame)
}
