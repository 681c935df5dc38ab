package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clipcast/backend/internal/live"
	"github.com/clipcast/backend/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origins are enforced by the CORS middleware for REST; sockets accept any
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Options tunes the per-connection pumps.
type Options struct {
	SendBuffer     int
	MaxMessageSize int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 65536
	}
	if o.PingInterval <= 0 {
		o.PingInterval = PingInterval * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = PongWait * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

// Client represents a single WebSocket connection.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	participant *live.Participant
	coord       *live.Coordinator
	opts        Options
	logger      *zap.Logger
}

var _ live.Conn = (*Client)(nil)

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send queues a frame for the writer without blocking.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Credential extracts the bearer credential from the upgrade request:
// the token query parameter first, then the Authorization header.
func Credential(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// ServeWs upgrades the connection, resolves its identity once and runs the
// client loop. Invalid credentials do not reject the connection.
func ServeWs(coord *live.Coordinator, gate live.IdentityResolver, opts Options, logger *zap.Logger) gin.HandlerFunc {
	opts = opts.withDefaults()
	return func(c *gin.Context) {
		identity := gate.Resolve(c.Request.Context(), Credential(c.Request))

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(fmt.Errorf("%w: %v", live.ErrTransport, err)))
			return
		}

		client := &Client{
			id:     uuid.New().String(),
			conn:   conn,
			send:   make(chan []byte, opts.SendBuffer),
			done:   make(chan struct{}),
			coord:  coord,
			opts:   opts,
			logger: logger,
		}
		client.participant = live.NewParticipant(client, identity)

		telemetry.ConnectionOpened()
		logger.Debug("connection opened",
			zap.String("conn_id", client.id),
			zap.Bool("authenticated", identity != nil))

		go client.writePump()
		client.readPump()
	}
}

// readPump handles this connection's events one at a time, so they are
// processed in arrival order. Disconnect runs after the last handler returns.
func (c *Client) readPump() {
	defer func() {
		c.coord.Dispatch(context.Background(), c.participant, live.Inbound{Kind: live.EventDisconnect})
		c.closeOnce.Do(func() { close(c.done) })
		_ = c.conn.Close()
		telemetry.ConnectionClosed()
		c.logger.Debug("connection closed", zap.String("conn_id", c.id))
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		if msg.Event == "ping" {
			c.reply(live.Outbound{Event: live.EvtPong})
			continue
		}
		kind, ok := live.ParseEventKind(msg.Event)
		if !ok {
			c.coord.Reject(c.participant, msg.Event, live.ErrBadRequest)
			continue
		}
		_ = c.coord.Dispatch(context.Background(), c.participant, live.Inbound{Kind: kind, Data: msg.Data})
	}
}

func (c *Client) reply(ev live.Outbound) {
	data, err := ev.Encode()
	if err != nil {
		return
	}
	c.Send(data)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeOnce.Do(func() { close(c.done) })
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
