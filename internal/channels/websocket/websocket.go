// Package websocket implements a WebSocket transport over gin. Each
// connection gets an ID that doubles as the reply token, so replies always
// land on the connection that produced the message.
package websocket

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"botflow/internal/async"
	"botflow/internal/errs"
	"botflow/internal/logging"
	"botflow/internal/router"
)

const channelName = "websocket"

// Receiver is the router-side entry point for inbound payloads.
type Receiver interface {
	OnReceive(ctx context.Context, payload, channelID, replyToken string) error
}

// inboundFrame is what clients send.
type inboundFrame struct {
	Content string `json:"content"`
}

// outboundFrame is what clients receive.
type outboundFrame struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// connection is one live websocket with a serialized writer.
type connection struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex // serializes writes
}

func (c *connection) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Channel upgrades HTTP requests at a configured path and tracks live
// connections by ID.
type Channel struct {
	receiver Receiver
	path     string
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*connection

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a websocket channel serving at path (default /ws/chat).
func New(receiver Receiver, path string, logger logging.Logger) *Channel {
	if path == "" {
		path = "/ws/chat"
	}
	return &Channel{
		receiver: receiver,
		path:     path,
		logger:   logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		conns: make(map[string]*connection),
	}
}

func (c *Channel) Name() string { return channelName }

// RegisterRoutes mounts the upgrade handler on the shared gin engine.
func (c *Channel) RegisterRoutes(engine *gin.Engine) {
	engine.GET(c.path, c.handleUpgrade)
}

// Start marks the channel live; connections arrive through the HTTP server.
func (c *Channel) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	return nil
}

// Stop closes every live connection.
func (c *Channel) Stop(context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.conns {
		conn.ws.Close()
		delete(c.conns, id)
	}
	return nil
}

func (c *Channel) handleUpgrade(g *gin.Context) {
	if c.ctx == nil || c.ctx.Err() != nil {
		g.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	ws, err := c.upgrader.Upgrade(g.Writer, g.Request, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	conn := &connection{id: uuid.NewString(), ws: ws}

	c.mu.Lock()
	c.conns[conn.id] = conn
	c.mu.Unlock()
	c.logger.Info("websocket connection %s opened", conn.id)

	async.Go(c.logger, "ws-read-"+conn.id, func() {
		c.readLoop(conn)
	})
}

func (c *Channel) readLoop(conn *connection) {
	defer func() {
		c.mu.Lock()
		delete(c.conns, conn.id)
		c.mu.Unlock()
		conn.ws.Close()
		c.logger.Info("websocket connection %s closed", conn.id)
	}()

	for {
		var frame inboundFrame
		if err := conn.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket %s read error: %v", conn.id, err)
			}
			return
		}
		if frame.Content == "" {
			continue
		}

		if err := c.receiver.OnReceive(c.ctx, frame.Content, channelName, conn.id); err != nil {
			_ = conn.writeJSON(outboundFrame{
				Content: errs.UserMessage(err),
				IsError: true,
			})
		}
	}
}

// Deliver writes a reply to the connection named by the reply token.
func (c *Channel) Deliver(_ context.Context, reply router.Reply) error {
	c.mu.RLock()
	conn, ok := c.conns[reply.ReplyToken]
	c.mu.RUnlock()

	if !ok {
		return errs.New(errs.KindUnknownChannel,
			"websocket connection "+reply.ReplyToken+" is gone", nil)
	}

	return conn.writeJSON(outboundFrame{
		MessageID: reply.MessageID,
		Content:   reply.Content,
		IsError:   reply.IsError,
	})
}

// ConnCount returns the number of live connections.
func (c *Channel) ConnCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}
