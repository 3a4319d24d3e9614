// Package ws streams frames over WebSocket connections.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/kinect-multiplexer/internal/broadcast"
	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
)

// Subprotocols offered to clients.
const (
	ProtocolRaw      = "frame.raw.v1"
	ProtocolProtobuf = "frame.protobuf.v1"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames.
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
	Subprotocols:    []string{ProtocolProtobuf, ProtocolRaw},
}

// Handler upgrades requests and runs a broadcast session per connection.
type Handler struct {
	session      broadcast.Config
	writeTimeout time.Duration
	contentType  string
	logger       *zap.Logger
}

// NewHandler creates a WebSocket handler. contentType is advertised in
// protobuf envelopes.
func NewHandler(session broadcast.Config, writeTimeout time.Duration, contentType string, logger *zap.Logger) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = writeWait
	}
	return &Handler{
		session:      session,
		writeTimeout: writeTimeout,
		contentType:  contentType,
		logger:       logger,
	}
}

// Serve upgrades the request and streams st until either side goes away.
// The caller owns the stream's capacity slot.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, st *stream.Stream) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	protocol := conn.Subprotocol()
	if protocol == "" {
		protocol = ProtocolRaw
	}

	c := &Client{
		conn:         conn,
		connID:       uuid.New().String(),
		protocol:     protocol,
		contentType:  h.contentType,
		writeTimeout: h.writeTimeout,
		logger:       h.logger,
	}

	h.logger.Debug("websocket subprotocol negotiated",
		zap.String("connID", c.connID),
		zap.String("protocol", protocol),
		zap.Strings("requested", websocket.Subprotocols(r)),
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go c.readPump(cancel)
	go c.pingLoop(ctx)

	session := broadcast.NewSession(st, c, r.RemoteAddr, h.session, h.logger)
	if err := session.Run(ctx); err != nil {
		h.logger.Debug("websocket session ended", zap.String("connID", c.connID), zap.Error(err))
	}
	c.close()
}

// Client is one WebSocket consumer. It implements broadcast.Writer.
type Client struct {
	conn         *websocket.Conn
	connID       string
	protocol     string
	contentType  string
	writeTimeout time.Duration
	logger       *zap.Logger
}

var _ broadcast.Writer = (*Client)(nil)

func (c *Client) Transport() string { return "websocket" }

func (c *Client) Preamble() error { return nil }

// WriteFrame sends one binary message per frame.
func (c *Client) WriteFrame(f broadcast.Frame) error {
	msg := f.Payload
	if c.protocol == ProtocolProtobuf {
		var err error
		msg, err = MarshalEnvelope(Envelope{
			Stream:      f.Stream,
			Version:     f.Version,
			CapturedAt:  f.CapturedAt,
			ContentType: c.contentType,
			Payload:     f.Payload,
		})
		if err != nil {
			return err
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// readPump drains the connection so control frames are processed, and
// cancels the session once the peer goes away.
func (c *Client) readPump(cancel context.CancelFunc) {
	defer cancel()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// pingLoop keeps idle connections alive. WriteControl may run concurrently
// with WriteFrame.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *Client) close() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.conn.Close()
}
