package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultClientRate        = 10.0
	defaultClientBurst       = 20
	writeWait                = 10 * time.Second
	maxFrameBytes            = 64 << 10
)

// Client frame types.
const (
	FrameJoin      = "join"
	FrameLeave     = "leave"
	FrameHeartbeat = "heartbeat"
)

// ClientFrame is a control message sent by a websocket client.
type ClientFrame struct {
	Type   string       `json:"type"`
	Stream streams.Name `json:"stream,omitempty"`
	Group  string       `json:"group,omitempty"`
	Status string       `json:"status,omitempty"`
}

// Ref returns the group the frame addresses.
func (f ClientFrame) Ref() streams.GroupRef {
	return streams.GroupRef{Stream: f.Stream, Group: f.Group}
}

// errorFrame reports a rejected client frame back to the client.
type errorFrame struct {
	Error string `json:"error"`
	Frame string `json:"frame,omitempty"`
}

// FrameHandler reacts to client frames. A returned error is reported back
// to the client and does not close the connection.
type FrameHandler func(ctx context.Context, conn *WebSocketConn, frame ClientFrame) error

// WebSocketOptions tunes a WebSocketConn.
type WebSocketOptions struct {
	HeartbeatInterval time.Duration
	ClientRate        float64
	ClientBurst       int
	Buffer            int
	Logger            *zap.Logger
}

// WebSocketConn is a bidirectional connection over gorilla/websocket.
type WebSocketConn struct {
	*outbound
	socket    *websocket.Conn
	heartbeat time.Duration
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewWebSocketConn wraps an upgraded socket.
func NewWebSocketConn(socket *websocket.Conn, identity auth.Identity, opts WebSocketOptions) (*WebSocketConn, error) {
	queue, err := newOutbound(identity, opts.Buffer)
	if err != nil {
		return nil, err
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	clientRate := opts.ClientRate
	if clientRate <= 0 {
		clientRate = defaultClientRate
	}
	clientBurst := opts.ClientBurst
	if clientBurst <= 0 {
		clientBurst = defaultClientBurst
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketConn{
		outbound:  queue,
		socket:    socket,
		heartbeat: heartbeat,
		limiter:   rate.NewLimiter(rate.Limit(clientRate), clientBurst),
		logger:    logger,
	}, nil
}

// Close closes the queue and the socket. It is safe to call more than once.
func (c *WebSocketConn) Close() error {
	if !c.closeQueue() {
		return nil
	}
	deadline := time.Now().Add(writeWait)
	_ = c.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.socket.Close()
}

// WritePump writes queued frames and pings until the connection closes.
func (c *WebSocketConn) WritePump() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.frames:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("websocket write failed", zap.String("connection_id", c.id), zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", zap.String("connection_id", c.id), zap.Error(err))
				_ = c.Close()
				return
			}
		}
	}
}

// ReadPump decodes client frames and hands them to handle until the client
// disconnects or ctx is done. Frames beyond the rate limit are rejected.
func (c *WebSocketConn) ReadPump(ctx context.Context, handle FrameHandler) error {
	c.socket.SetReadLimit(maxFrameBytes)
	pongWait := 2 * c.heartbeat
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return err
			}
			return nil
		}
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.reject("rate_limited", "")
			continue
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reject("invalid_frame", "")
			continue
		}
		if err := handle(ctx, c, frame); err != nil {
			c.logger.Debug("client frame rejected",
				zap.String("connection_id", c.id),
				zap.String("frame", frame.Type),
				zap.Error(err))
			c.reject(rejectReason(err), frame.Type)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *WebSocketConn) write(messageType int, payload []byte) error {
	if err := c.socket.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.socket.WriteMessage(messageType, payload)
}

func (c *WebSocketConn) reject(reason, frameType string) {
	encoded, err := json.Marshal(errorFrame{Error: reason, Frame: frameType})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	_ = c.Send(ctx, encoded)
}

// ErrUnsupportedFrame is returned for client frames of an unknown type.
var ErrUnsupportedFrame = errors.New("transport: unsupported frame")

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedFrame):
		return "unsupported_frame"
	case errors.Is(err, streams.ErrUnknownStream):
		return "unknown_stream"
	default:
		return "frame_rejected"
	}
}
